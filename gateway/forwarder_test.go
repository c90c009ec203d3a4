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
	"bytes"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func intPtr(i int) *int {
	return &i
}

// startEchoServer runs a TCP echo service on a loopback ephemeral port,
// standing in for the local dev server a forward targets. It returns the
// service port and a counter of accepted connections.
func startEchoServer(t *testing.T) (int, *int32, func()) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	acceptCount := new(int32)

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			atomic.AddInt32(acceptCount, 1)
			go func() {
				io.Copy(conn, conn)
				conn.Close()
			}()
		}
	}()

	return port(t, listener), acceptCount, func() { listener.Close() }
}

func port(t *testing.T, listener net.Listener) int {
	t.Helper()
	addr, ok := listener.Addr().(*net.TCPAddr)
	require.True(t, ok)
	return addr.Port
}

func loopbackIdentity(t *testing.T) *RequesterIdentity {
	t.Helper()
	identity, err := NewRequesterIdentity("127.0.0.1")
	require.NoError(t, err)
	return identity
}

func TestForwardEchoRoundTrip(t *testing.T) {

	targetPort, _, stopEcho := startEchoServer(t)
	defer stopEcho()

	forwarder := NewForwarder(&Config{})
	defer forwarder.CloseAll()

	identity := loopbackIdentity(t)

	localPort, err := forwarder.Forward(targetPort, identity)
	require.NoError(t, err)
	require.NotEqual(t, targetPort, localPort)

	conn, err := net.Dial(
		"tcp", fmt.Sprintf("127.0.0.1:%d", localPort))
	require.NoError(t, err)
	defer conn.Close()

	sent := []byte("loopback gateway round trip")
	_, err = conn.Write(sent)
	require.NoError(t, err)

	received := make([]byte, len(sent))
	_, err = io.ReadFull(conn, received)
	require.NoError(t, err)
	require.True(t, bytes.Equal(sent, received))
}

func TestForwardIdempotentReuse(t *testing.T) {

	targetPort, _, stopEcho := startEchoServer(t)
	defer stopEcho()

	forwarder := NewForwarder(&Config{})
	defer forwarder.CloseAll()

	identity := loopbackIdentity(t)

	localPort, err := forwarder.Forward(targetPort, identity)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		reusedPort, err := forwarder.Forward(targetPort, identity)
		require.NoError(t, err)
		require.Equal(t, localPort, reusedPort)
	}

	lookupPort, ok := forwarder.ForwardedPort(targetPort, identity.Key)
	require.True(t, ok)
	require.Equal(t, localPort, lookupPort)
}

func TestForwardConcurrentCreation(t *testing.T) {

	targetPort, _, stopEcho := startEchoServer(t)
	defer stopEcho()

	forwarder := NewForwarder(&Config{})
	defer forwarder.CloseAll()

	identity := loopbackIdentity(t)

	concurrency := 32
	ports := make([]int, concurrency)
	errs := make([]error, concurrency)

	waitGroup := new(sync.WaitGroup)
	start := make(chan struct{})
	for i := 0; i < concurrency; i++ {
		waitGroup.Add(1)
		go func(i int) {
			defer waitGroup.Done()
			<-start
			ports[i], errs[i] = forwarder.Forward(targetPort, identity)
		}(i)
	}
	close(start)
	waitGroup.Wait()

	for i := 0; i < concurrency; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, ports[0], ports[i])
	}

	// Exactly one entry, and exactly one bind, resulted.
	forwarder.mutex.Lock()
	entryCount := 0
	for _, byKey := range forwarder.forwards {
		entryCount += len(byKey)
	}
	forwarder.mutex.Unlock()
	require.Equal(t, 1, entryCount)
}

func TestForwardInvalidPort(t *testing.T) {

	forwarder := NewForwarder(&Config{})
	defer forwarder.CloseAll()

	identity := loopbackIdentity(t)

	for _, invalidPort := range []int{0, -1, 65536} {
		_, err := forwarder.Forward(invalidPort, identity)
		require.True(t, HasErrorType(err, ErrInvalidPort))
		_, ok := forwarder.ForwardedPort(invalidPort, identity.Key)
		require.False(t, ok)
	}
}

func TestForwardRequesterIsolation(t *testing.T) {

	targetPort, echoAccepts, stopEcho := startEchoServer(t)
	defer stopEcho()

	forwarder := NewForwarder(&Config{})
	defer forwarder.CloseAll()

	// Identity A is the local caller; identity B is an unrelated caller
	// seen at a different address.

	identityA := loopbackIdentity(t)
	identityB, err := NewRequesterIdentity("203.0.113.9")
	require.NoError(t, err)

	portA, err := forwarder.Forward(targetPort, identityA)
	require.NoError(t, err)
	portB, err := forwarder.Forward(targetPort, identityB)
	require.NoError(t, err)
	require.NotEqual(t, portA, portB)

	// A connection to B's port from a loopback address is not in B's
	// allowed set: it must be destroyed with zero bytes exchanged, and
	// must never reach the target service.

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", portB))
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buffer := make([]byte, 1)
	n, err := conn.Read(buffer)
	require.Error(t, err)
	require.Equal(t, 0, n)

	// B's entry survives the dropped connection.
	_, ok := forwarder.ForwardedPort(targetPort, identityB.Key)
	require.True(t, ok)

	// A's own port still proxies.
	connA, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", portA))
	require.NoError(t, err)
	defer connA.Close()

	_, err = connA.Write([]byte("ping"))
	require.NoError(t, err)
	received := make([]byte, 4)
	_, err = io.ReadFull(connA, received)
	require.NoError(t, err)

	require.Equal(t, int32(1), atomic.LoadInt32(echoAccepts))
}

func TestForwardCapacity(t *testing.T) {

	targetPort1, _, stopEcho1 := startEchoServer(t)
	defer stopEcho1()
	targetPort2, _, stopEcho2 := startEchoServer(t)
	defer stopEcho2()
	targetPort3, _, stopEcho3 := startEchoServer(t)
	defer stopEcho3()

	forwarder := NewForwarder(&Config{MaxForwards: intPtr(2)})
	defer forwarder.CloseAll()

	identity := loopbackIdentity(t)

	_, err := forwarder.Forward(targetPort1, identity)
	require.NoError(t, err)
	_, err = forwarder.Forward(targetPort2, identity)
	require.NoError(t, err)

	_, err = forwarder.Forward(targetPort3, identity)
	require.True(t, HasErrorType(err, ErrCapacityExceeded))

	// Reusing an existing forward is not a new entry and still succeeds
	// at capacity.
	_, err = forwarder.Forward(targetPort1, identity)
	require.NoError(t, err)

	// Closing an entry frees capacity.
	forwarder.Close(targetPort1, identity.Key)

	_, err = forwarder.Forward(targetPort3, identity)
	require.NoError(t, err)
}

func TestCloseIsNoopWhenAbsent(t *testing.T) {

	forwarder := NewForwarder(&Config{})
	defer forwarder.CloseAll()

	forwarder.Close(4567, "no-such-key")
	forwarder.ClosePort(4567)
}

func TestClosePortClosesAllRequesters(t *testing.T) {

	targetPort, _, stopEcho := startEchoServer(t)
	defer stopEcho()

	forwarder := NewForwarder(&Config{})
	defer forwarder.CloseAll()

	identityA := loopbackIdentity(t)
	identityB, err := NewRequesterIdentity("203.0.113.9")
	require.NoError(t, err)

	_, err = forwarder.Forward(targetPort, identityA)
	require.NoError(t, err)
	_, err = forwarder.Forward(targetPort, identityB)
	require.NoError(t, err)

	forwarder.ClosePort(targetPort)

	_, ok := forwarder.ForwardedPort(targetPort, identityA.Key)
	require.False(t, ok)
	_, ok = forwarder.ForwardedPort(targetPort, identityB.Key)
	require.False(t, ok)
}

func TestIdleReaper(t *testing.T) {

	targetPort, _, stopEcho := startEchoServer(t)
	defer stopEcho()

	forwarder := NewForwarder(&Config{
		IdleForwardTimeoutMilliseconds: intPtr(100),
		IdleSweepIntervalMilliseconds:  intPtr(50),
	})
	defer forwarder.CloseAll()

	identity := loopbackIdentity(t)

	localPort, err := forwarder.Forward(targetPort, identity)
	require.NoError(t, err)

	// Connection-free and idle: reaped within the timeout plus one sweep
	// interval.

	require.Eventually(
		t,
		func() bool {
			_, ok := forwarder.ForwardedPort(targetPort, identity.Key)
			return !ok
		},
		2*time.Second,
		25*time.Millisecond)

	_, err = net.DialTimeout(
		"tcp", fmt.Sprintf("127.0.0.1:%d", localPort), 1*time.Second)
	require.Error(t, err)

	// A fresh Forward creates a brand-new entry; entries are never
	// resurrected.
	newPort, err := forwarder.Forward(targetPort, identity)
	require.NoError(t, err)
	require.NotZero(t, newPort)
	_, ok := forwarder.ForwardedPort(targetPort, identity.Key)
	require.True(t, ok)
}

func TestIdleReaperSkipsActiveForward(t *testing.T) {

	targetPort, _, stopEcho := startEchoServer(t)
	defer stopEcho()

	forwarder := NewForwarder(&Config{
		IdleForwardTimeoutMilliseconds: intPtr(100),
		IdleSweepIntervalMilliseconds:  intPtr(50),
	})
	defer forwarder.CloseAll()

	identity := loopbackIdentity(t)

	localPort, err := forwarder.Forward(targetPort, identity)
	require.NoError(t, err)

	// Hold a proxied connection open well past the idle timeout.

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", localPort))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hold"))
	require.NoError(t, err)
	received := make([]byte, 4)
	_, err = io.ReadFull(conn, received)
	require.NoError(t, err)

	time.Sleep(500 * time.Millisecond)

	_, ok := forwarder.ForwardedPort(targetPort, identity.Key)
	require.True(t, ok)

	// The held connection still proxies after the sleep.
	_, err = conn.Write([]byte("live"))
	require.NoError(t, err)
	_, err = io.ReadFull(conn, received)
	require.NoError(t, err)
}

func TestCloseAll(t *testing.T) {

	targetPort1, _, stopEcho1 := startEchoServer(t)
	defer stopEcho1()
	targetPort2, _, stopEcho2 := startEchoServer(t)
	defer stopEcho2()

	forwarder := NewForwarder(&Config{})

	identity := loopbackIdentity(t)

	localPort1, err := forwarder.Forward(targetPort1, identity)
	require.NoError(t, err)
	localPort2, err := forwarder.Forward(targetPort2, identity)
	require.NoError(t, err)

	// Hold a connection open through CloseAll; it must be forcibly
	// closed.
	heldConn, err := net.Dial(
		"tcp", fmt.Sprintf("127.0.0.1:%d", localPort1))
	require.NoError(t, err)
	defer heldConn.Close()
	_, err = heldConn.Write([]byte("held"))
	require.NoError(t, err)
	received := make([]byte, 4)
	_, err = io.ReadFull(heldConn, received)
	require.NoError(t, err)

	forwarder.CloseAll()

	for _, localPort := range []int{localPort1, localPort2} {
		_, err := net.DialTimeout(
			"tcp", fmt.Sprintf("127.0.0.1:%d", localPort), 1*time.Second)
		require.Error(t, err)
	}

	heldConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := heldConn.Read(received)
	require.Error(t, err)
	require.Equal(t, 0, n)

	// CloseAll is idempotent, and a fresh Forwarder instance works
	// normally afterward.
	forwarder.CloseAll()

	freshForwarder := NewForwarder(&Config{})
	defer freshForwarder.CloseAll()

	localPort, err := freshForwarder.Forward(targetPort1, identity)
	require.NoError(t, err)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", localPort))
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	_, err = io.ReadFull(conn, received)
	require.NoError(t, err)
}

func TestUpstreamDialFailure(t *testing.T) {

	// Bind a target port and immediately release it so nothing is
	// listening there.
	probeListener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	targetPort := port(t, probeListener)
	probeListener.Close()

	forwarder := NewForwarder(&Config{})
	defer forwarder.CloseAll()

	identity := loopbackIdentity(t)

	localPort, err := forwarder.Forward(targetPort, identity)
	require.NoError(t, err)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", localPort))
	require.NoError(t, err)
	defer conn.Close()

	// The dial failure surfaces to this connection as a close, not as an
	// API error, and the entry's registration is unaffected.

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	buffer := make([]byte, 1)
	n, err := conn.Read(buffer)
	require.Error(t, err)
	require.Equal(t, 0, n)

	_, ok := forwarder.ForwardedPort(targetPort, identity.Key)
	require.True(t, ok)
}
