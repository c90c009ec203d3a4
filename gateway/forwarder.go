/*
 * Copyright (c) 2025, Loopgate Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package gateway

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	lrucache "github.com/cognusion/go-cache-lru"
	mapset "github.com/deckarep/golang-set"
	"github.com/loopgate/loopgate-core/gateway/common"
	"github.com/loopgate/loopgate-core/gateway/common/errors"
	"github.com/marusama/semaphore"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/singleflight"
)

const (
	FORWARD_COPY_BUFFER_SIZE = 8192

	DROP_LOG_TTL              = 1 * time.Minute
	DROP_LOG_CLEANUP_INTERVAL = 1 * time.Minute
	DROP_LOG_MAX_ENTRIES      = 10000
)

// Forwarder manages the set of active port forwards: per-requester TCP
// tunnels from an ephemeral listener port to a target port on the loopback
// interface. Forwarder is the authoritative registry; it deduplicates
// concurrent creations, enforces the forward capacity limit, validates
// connecting peers against the owning requester's allowed addresses, and
// reaps idle forwards.
//
// A Forwarder is one explicitly owned instance per process, passed by
// reference to control-layer handlers.
type Forwarder struct {
	config *Config

	// mutex guards forwards. All mutation paths -- Forward, the accept
	// handlers, Close/ClosePort/CloseAll, and the idle reaper --
	// serialize on it.
	mutex     sync.Mutex
	forwards  map[int]map[string]*forwardEntry
	isStopped bool

	// inFlight collapses concurrent creation requests for the same
	// (targetPort, requesterKey) into one underlying bind. Flight entries
	// clear automatically once creation settles, success or failure.
	inFlight singleflight.Group

	capacity      semaphore.Semaphore
	droppedPeers  *lrucache.Cache
	stopBroadcast chan struct{}
	runWaitGroup  *sync.WaitGroup
}

// forwardEntry is one registered forward, owning exactly one listening
// socket and the set of connections currently proxied through it.
type forwardEntry struct {
	// Note: 64-bit ints used with atomic operations are placed
	// at the start of struct to ensure 64-bit alignment.
	// (https://golang.org/pkg/sync/atomic/#pkg-note-BUG)
	lastActivity int64
	bytesUp      int64
	bytesDown    int64

	targetPort   int
	localPort    int
	requesterKey string
	requesterIP  string
	allowedIPs   mapset.Set
	listener     net.Listener
	conns        *common.Conns
}

func (entry *forwardEntry) touch() {
	atomic.StoreInt64(&entry.lastActivity, int64(time.Now().UnixNano()))
}

// UpdateActivity implements common.ActivityUpdater; proxied I/O freshens
// the entry and feeds its transfer counters.
func (entry *forwardEntry) UpdateActivity(bytesRead, bytesWritten int64) {
	atomic.AddInt64(&entry.bytesUp, bytesRead)
	atomic.AddInt64(&entry.bytesDown, bytesWritten)
	entry.touch()
}

// NewForwarder creates a Forwarder and starts its idle reaper. The caller
// must call CloseAll on shutdown.
func NewForwarder(config *Config) *Forwarder {

	forwarder := &Forwarder{
		config:   config,
		forwards: make(map[int]map[string]*forwardEntry),
		capacity: semaphore.New(config.maxForwards()),
		droppedPeers: lrucache.NewWithLRU(
			DROP_LOG_TTL,
			DROP_LOG_CLEANUP_INTERVAL,
			DROP_LOG_MAX_ENTRIES),
		stopBroadcast: make(chan struct{}),
		runWaitGroup:  new(sync.WaitGroup),
	}

	forwarder.runWaitGroup.Add(1)
	go forwarder.runIdleReaper()

	return forwarder
}

// Forward returns the local listener port forwarding to
// 127.0.0.1:targetPort on behalf of the specified requester. When a
// forward already exists for (targetPort, identity.Key) its activity is
// freshened and its existing port is returned; when a creation for the
// same key is already in flight, its pending result is shared. Otherwise,
// subject to the capacity limit, a new listener is bound on an
// OS-assigned port on all interfaces.
func (forwarder *Forwarder) Forward(
	targetPort int, identity *RequesterIdentity) (int, error) {

	if targetPort < 1 || targetPort > 65535 {
		return 0, newError(
			ErrInvalidPort, "invalid target port: %d", targetPort)
	}

	forwarder.mutex.Lock()
	if forwarder.isStopped {
		forwarder.mutex.Unlock()
		return 0, errors.TraceNew("forwarder is stopped")
	}
	if entry := forwarder.lookupEntryLocked(targetPort, identity.Key); entry != nil {
		entry.touch()
		localPort := entry.localPort
		forwarder.mutex.Unlock()
		return localPort, nil
	}
	forwarder.mutex.Unlock()

	flightKey := strconv.Itoa(targetPort) + ":" + identity.Key

	result, err, _ := forwarder.inFlight.Do(
		flightKey,
		func() (interface{}, error) {
			return forwarder.createForward(targetPort, identity)
		})
	if err != nil {
		return 0, err
	}

	return result.(int), nil
}

func (forwarder *Forwarder) lookupEntryLocked(
	targetPort int, requesterKey string) *forwardEntry {

	byKey := forwarder.forwards[targetPort]
	if byKey == nil {
		return nil
	}
	return byKey[requesterKey]
}

func (forwarder *Forwarder) createForward(
	targetPort int, identity *RequesterIdentity) (interface{}, error) {

	// Recheck under the registry lock: a racing caller for the same key
	// may have completed creation between the caller's fast path check
	// and entering this flight.
	forwarder.mutex.Lock()
	if forwarder.isStopped {
		forwarder.mutex.Unlock()
		return 0, errors.TraceNew("forwarder is stopped")
	}
	if entry := forwarder.lookupEntryLocked(targetPort, identity.Key); entry != nil {
		entry.touch()
		localPort := entry.localPort
		forwarder.mutex.Unlock()
		return localPort, nil
	}

	if !forwarder.capacity.TryAcquire(1) {
		limit := forwarder.config.maxForwards()
		forwarder.mutex.Unlock()
		return 0, newError(
			ErrCapacityExceeded,
			"maximum forward count exceeded: %d", limit)
	}
	forwarder.mutex.Unlock()

	// Bind on all interfaces with an OS-assigned ephemeral port. The
	// listener is reachable by any routed client, but usable only by
	// the requester's allowed addresses.
	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		forwarder.capacity.Release(1)
		return 0, newErrorWithCause(
			ErrBindFailed, err, "bind forward listener failed")
	}

	if maxConns := forwarder.config.MaxConnectionsPerForward; maxConns > 0 {
		listener = netutil.LimitListener(listener, maxConns)
	}

	entry := &forwardEntry{
		lastActivity: int64(time.Now().UnixNano()),
		targetPort:   targetPort,
		localPort:    common.PortFromAddr(listener.Addr()),
		requesterKey: identity.Key,
		requesterIP:  identity.IP,
		allowedIPs:   identity.AllowedIPs.Clone(),
		listener:     listener,
		conns:        common.NewConns(),
	}

	forwarder.mutex.Lock()
	if forwarder.isStopped {
		// Lost a race with CloseAll.
		forwarder.mutex.Unlock()
		listener.Close()
		forwarder.capacity.Release(1)
		return 0, errors.TraceNew("forwarder is stopped")
	}
	byKey := forwarder.forwards[targetPort]
	if byKey == nil {
		byKey = make(map[string]*forwardEntry)
		forwarder.forwards[targetPort] = byKey
	}
	byKey[identity.Key] = entry
	forwarder.mutex.Unlock()

	forwarder.runWaitGroup.Add(1)
	go forwarder.acceptForwardedConnections(entry)

	log.WithTraceFields(
		LogFields{
			"targetPort":   targetPort,
			"localPort":    entry.localPort,
			"requesterKey": entry.requesterKey,
			"requesterIP":  entry.requesterIP,
		}).Info("forward created")

	return entry.localPort, nil
}

func (forwarder *Forwarder) acceptForwardedConnections(entry *forwardEntry) {
	defer forwarder.runWaitGroup.Done()

	for {
		conn, err := entry.listener.Accept()
		if err != nil {
			// The listener was closed on entry teardown.
			select {
			case <-forwarder.stopBroadcast:
			default:
				log.WithTraceFields(
					LogFields{
						"localPort": entry.localPort,
						"error":     err,
					}).Debug("accept exiting")
			}
			return
		}

		forwarder.runWaitGroup.Add(1)
		go forwarder.handleForwardedConnection(
			entry.targetPort, entry.requesterKey, conn)
	}
}

func (forwarder *Forwarder) handleForwardedConnection(
	targetPort int, requesterKey string, clientConn net.Conn) {

	defer forwarder.runWaitGroup.Done()

	peerIP, validPeerIP := NormalizeIPAddress(
		common.IPAddressFromAddr(clientConn.RemoteAddr()))

	// Re-look-up the live entry at accept time, not bind time: the entry
	// may have been replaced since the listener was bound.
	forwarder.mutex.Lock()
	entry := forwarder.lookupEntryLocked(targetPort, requesterKey)
	forwarder.mutex.Unlock()

	if entry == nil || !validPeerIP || !entry.allowedIPs.Contains(peerIP) {
		// Unauthorized or orphaned connection: destroy it with zero
		// bytes exchanged. This is expected adversarial traffic, not a
		// fault, so it is never surfaced to any API caller.
		clientConn.Close()
		forwarder.logDroppedConnection(targetPort, peerIP)
		return
	}

	entry.touch()

	if !entry.conns.Add(clientConn) {
		// The entry was closed concurrently.
		clientConn.Close()
		return
	}
	defer entry.conns.Remove(clientConn)
	defer clientConn.Close()

	// Dial the target service. This is done in a goroutine so shutdown
	// is handled immediately.

	upstreamAddr := fmt.Sprintf("127.0.0.1:%d", targetPort)

	type dialResult struct {
		conn net.Conn
		err  error
	}

	resultChannel := make(chan *dialResult, 1)

	go func() {
		conn, err := net.DialTimeout(
			"tcp", upstreamAddr, forwarder.config.upstreamDialTimeout())
		resultChannel <- &dialResult{conn, err}
	}()

	var result *dialResult
	select {
	case result = <-resultChannel:
	case <-forwarder.stopBroadcast:
		// Note: may leave dial in progress
		return
	}

	if result.err != nil {
		// Surfaced to the affected client as a connection failure by
		// the close; never to the API, and never to sibling
		// connections.
		log.WithTraceFields(
			LogFields{
				"upstreamAddr": upstreamAddr,
				"error":        result.err,
			}).Warning("upstream dial failed")
		return
	}

	upstreamConn := result.conn
	defer upstreamConn.Close()

	if !entry.conns.Add(upstreamConn) {
		return
	}
	defer entry.conns.Remove(upstreamConn)

	// The client-facing conn reports I/O to the entry, freshening its
	// activity and transfer counters; optional rate limits also apply on
	// this side of the relay.
	var monitoredConn net.Conn = common.NewActivityMonitoredConn(
		clientConn, entry)
	if limits := forwarder.config.rateLimits(); limits.IsThrottled() {
		monitoredConn = common.NewThrottledConn(monitoredConn, limits)
	}

	log.WithTraceFields(
		LogFields{
			"localPort":    entry.localPort,
			"upstreamAddr": upstreamAddr,
			"peerIP":       peerIP,
		}).Debug("relaying")

	// Splice the two streams. io.Copy allocates a 32K buffer and each
	// relay uses two; io.CopyBuffer with a smaller buffer reduces the
	// overall footprint.

	var bytesUp, bytesDown int64

	relayWaitGroup := new(sync.WaitGroup)
	relayWaitGroup.Add(1)
	go func() {
		defer relayWaitGroup.Done()
		bytes, err := io.CopyBuffer(
			monitoredConn, upstreamConn,
			make([]byte, FORWARD_COPY_BUFFER_SIZE))
		atomic.AddInt64(&bytesDown, bytes)
		if err != nil && err != io.EOF {
			// Debug since "connection reset by peer" and similar occur
			// during normal operation.
			log.WithTraceFields(
				LogFields{"error": err}).Debug("downstream relay failed")
		}
		// Interrupt the upstream copy when downstream shuts down.
		clientConn.Close()
	}()

	bytes, err := io.CopyBuffer(
		upstreamConn, monitoredConn,
		make([]byte, FORWARD_COPY_BUFFER_SIZE))
	atomic.AddInt64(&bytesUp, bytes)
	if err != nil && err != io.EOF {
		log.WithTraceFields(
			LogFields{"error": err}).Debug("upstream relay failed")
	}

	// The upstream conn must be explicitly closed to interrupt the
	// downstream copy, which may be blocked on a read.
	upstreamConn.Close()

	relayWaitGroup.Wait()

	log.WithTraceFields(
		LogFields{
			"localPort": entry.localPort,
			"bytesUp":   atomic.LoadInt64(&bytesUp),
			"bytesDown": atomic.LoadInt64(&bytesDown),
		}).Debug("relay complete")
}

// logDroppedConnection records an unauthorized connection drop. Repeated
// drops for the same peer and port within DROP_LOG_TTL are logged only
// once, bounding log volume under adversarial traffic.
func (forwarder *Forwarder) logDroppedConnection(targetPort int, peerIP string) {

	logKey := peerIP + ":" + strconv.Itoa(targetPort)
	if forwarder.droppedPeers.Add(logKey, true, lrucache.DefaultExpiration) != nil {
		return
	}

	log.WithTraceFields(
		LogFields{
			"targetPort": targetPort,
			"peerIP":     peerIP,
		}).Warning("dropped unauthorized connection")
}

// ForwardedPort returns the local listener port for the specified forward,
// or false when no such forward exists.
func (forwarder *Forwarder) ForwardedPort(
	targetPort int, requesterKey string) (int, bool) {

	forwarder.mutex.Lock()
	defer forwarder.mutex.Unlock()

	entry := forwarder.lookupEntryLocked(targetPort, requesterKey)
	if entry == nil {
		return 0, false
	}
	return entry.localPort, true
}

// Close destroys the forward registered for (targetPort, requesterKey):
// its listener is closed, all proxied connections are forcibly closed, and
// the entry is removed. Close is a no-op when no such forward exists.
func (forwarder *Forwarder) Close(targetPort int, requesterKey string) {

	var closing []*forwardEntry

	forwarder.mutex.Lock()
	if byKey := forwarder.forwards[targetPort]; byKey != nil {
		if entry, ok := byKey[requesterKey]; ok {
			delete(byKey, requesterKey)
			if len(byKey) == 0 {
				delete(forwarder.forwards, targetPort)
			}
			closing = append(closing, entry)
		}
	}
	forwarder.mutex.Unlock()

	for _, entry := range closing {
		forwarder.destroyEntry(entry, "closed forward")
	}
}

// ClosePort destroys every forward registered for targetPort, across all
// requesters. ClosePort is a no-op when no forwards exist for the port.
func (forwarder *Forwarder) ClosePort(targetPort int) {

	var closing []*forwardEntry

	forwarder.mutex.Lock()
	for _, entry := range forwarder.forwards[targetPort] {
		closing = append(closing, entry)
	}
	delete(forwarder.forwards, targetPort)
	forwarder.mutex.Unlock()

	for _, entry := range closing {
		forwarder.destroyEntry(entry, "closed forward")
	}
}

// CloseAll destroys every forward and stops the idle reaper. CloseAll is
// called at process shutdown; afterwards the Forwarder is terminal and a
// fresh instance must be created to forward again.
func (forwarder *Forwarder) CloseAll() {

	var closing []*forwardEntry

	forwarder.mutex.Lock()
	if forwarder.isStopped {
		forwarder.mutex.Unlock()
		return
	}
	forwarder.isStopped = true
	for _, byKey := range forwarder.forwards {
		for _, entry := range byKey {
			closing = append(closing, entry)
		}
	}
	forwarder.forwards = make(map[int]map[string]*forwardEntry)
	forwarder.mutex.Unlock()

	close(forwarder.stopBroadcast)

	for _, entry := range closing {
		forwarder.destroyEntry(entry, "closed forward")
	}

	forwarder.runWaitGroup.Wait()
}

func (forwarder *Forwarder) destroyEntry(entry *forwardEntry, message string) {

	entry.listener.Close()
	entry.conns.CloseAll()
	forwarder.capacity.Release(1)

	log.WithTraceFields(
		LogFields{
			"targetPort":   entry.targetPort,
			"localPort":    entry.localPort,
			"requesterKey": entry.requesterKey,
			"bytesUp":      atomic.LoadInt64(&entry.bytesUp),
			"bytesDown":    atomic.LoadInt64(&entry.bytesDown),
		}).Info(message)
}

func (forwarder *Forwarder) runIdleReaper() {
	defer forwarder.runWaitGroup.Done()

	ticker := time.NewTicker(forwarder.config.idleSweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-forwarder.stopBroadcast:
			return
		case <-ticker.C:
			forwarder.reapIdleForwards()
		}
	}
}

// reapIdleForwards closes forwards that are both past the idle timeout and
// connection-free. A forward with at least one open connection is never
// reaped, regardless of when Forward was last called.
func (forwarder *Forwarder) reapIdleForwards() {

	idleThreshold := int64(forwarder.config.idleForwardTimeout())
	now := int64(time.Now().UnixNano())

	var reaping []*forwardEntry

	forwarder.mutex.Lock()
	for targetPort, byKey := range forwarder.forwards {
		for requesterKey, entry := range byKey {
			if entry.conns.Len() > 0 {
				continue
			}
			if now-atomic.LoadInt64(&entry.lastActivity) <= idleThreshold {
				continue
			}
			delete(byKey, requesterKey)
			if len(byKey) == 0 {
				delete(forwarder.forwards, targetPort)
			}
			reaping = append(reaping, entry)
		}
	}
	forwarder.mutex.Unlock()

	for _, entry := range reaping {
		forwarder.destroyEntry(entry, "reaped idle forward")
	}
}

// LoadStats returns a snapshot of gateway load counters for the load
// monitor log.
func (forwarder *Forwarder) LoadStats() LogFields {

	forwardCount := 0
	connectionCount := 0
	var bytesUp, bytesDown int64

	forwarder.mutex.Lock()
	for _, byKey := range forwarder.forwards {
		for _, entry := range byKey {
			forwardCount += 1
			connectionCount += entry.conns.Len()
			bytesUp += atomic.LoadInt64(&entry.bytesUp)
			bytesDown += atomic.LoadInt64(&entry.bytesDown)
		}
	}
	forwarder.mutex.Unlock()

	return LogFields{
		"forwardCount":    forwardCount,
		"connectionCount": connectionCount,
		"bytesUp":         bytesUp,
		"bytesDown":       bytesDown,
	}
}
