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
	"net"
	"strconv"
	"strings"
	"time"

	lrucache "github.com/cognusion/go-cache-lru"
	mapset "github.com/deckarep/golang-set"
	"github.com/loopgate/loopgate-core/gateway/common"
)

const (
	// LOOPBACK_REQUESTER_KEY is the shared requester key for all loopback
	// callers, so a caller seen as 127.0.0.1 and later as ::1 is treated
	// as the same caller.
	LOOPBACK_REQUESTER_KEY = "loopback"

	IDENTITY_CACHE_TTL              = 2 * time.Minute
	IDENTITY_CACHE_CLEANUP_INTERVAL = 30 * time.Second
	IDENTITY_CACHE_MAX_ENTRIES      = 10000
)

// RequesterIdentity is the canonical identity of a gateway caller, derived
// from its resolved source address. The identity is the isolation unit
// between unrelated clients sharing a target port.
type RequesterIdentity struct {

	// IP is the normalized source address.
	IP string

	// Key is the stable identity key: LOOPBACK_REQUESTER_KEY for any
	// loopback form, otherwise the normalized address itself.
	Key string

	// AllowedIPs is the set of normalized addresses accepted as this
	// caller. It always contains IP; loopback identities carry both the
	// IPv4 and IPv6 loopback forms.
	AllowedIPs mapset.Set
}

// NormalizeIPAddress converts a raw client-visible address into canonical
// form: surrounding brackets and zone identifiers are stripped, and
// IPv4-mapped IPv6 addresses are rewritten to bare IPv4. The second return
// value is false when the input is not a syntactically valid IPv4 or IPv6
// address.
func NormalizeIPAddress(rawIP string) (string, bool) {

	address := strings.TrimSpace(rawIP)

	if strings.HasPrefix(address, "[") && strings.HasSuffix(address, "]") {
		address = address[1 : len(address)-1]
	}

	if index := strings.Index(address, "%"); index != -1 {
		address = address[:index]
	}

	ip := net.ParseIP(address)
	if ip == nil {
		return "", false
	}

	// To4 succeeds for IPv4-mapped IPv6 addresses (::ffff:a.b.c.d),
	// yielding the bare dotted-quad form.
	if ipv4 := ip.To4(); ipv4 != nil {
		return ipv4.String(), true
	}

	return ip.String(), true
}

// NewRequesterIdentity derives a RequesterIdentity from a raw source
// address. Fails with ErrInvalidRequesterIP when the address does not
// normalize.
func NewRequesterIdentity(rawIP string) (*RequesterIdentity, error) {

	normalizedIP, ok := NormalizeIPAddress(rawIP)
	if !ok {
		return nil, newError(
			ErrInvalidRequesterIP, "invalid requester IP address: %s", rawIP)
	}

	allowedIPs := mapset.NewSet()
	allowedIPs.Add(normalizedIP)

	key := normalizedIP

	if net.ParseIP(normalizedIP).IsLoopback() {
		key = LOOPBACK_REQUESTER_KEY

		// Loopback family duality: the same caller may be seen under
		// either loopback form depending on the transport.
		allowedIPs.Add("127.0.0.1")
		allowedIPs.Add("::1")
	}

	return &RequesterIdentity{
		IP:         normalizedIP,
		Key:        key,
		AllowedIPs: allowedIPs,
	}, nil
}

// ResolveRequesterIdentity derives a RequesterIdentity for a caller,
// preferring the address resolved by the trusted network layer (which
// applies the trust-proxy policy) and falling back to the raw transport
// peer address. Fails with ErrNoRequesterIP when neither is available.
func ResolveRequesterIdentity(
	resolvedIP string, peerAddr net.Addr) (*RequesterIdentity, error) {

	if resolvedIP != "" {
		return NewRequesterIdentity(resolvedIP)
	}

	peerIP := common.IPAddressFromAddr(peerAddr)
	if peerIP == "" {
		return nil, newError(
			ErrNoRequesterIP, "no requester IP address is available")
	}

	return NewRequesterIdentity(peerIP)
}

// IdentityResolver memoizes resolved requester identities. The control
// layer resolves an identity on every API call, so recently resolved
// identities are retained in a TTL/LRU cache keyed by the raw address.
type IdentityResolver struct {
	cache *lrucache.Cache
}

// NewIdentityResolver creates a new IdentityResolver.
func NewIdentityResolver() *IdentityResolver {
	return &IdentityResolver{
		cache: lrucache.NewWithLRU(
			IDENTITY_CACHE_TTL,
			IDENTITY_CACHE_CLEANUP_INTERVAL,
			IDENTITY_CACHE_MAX_ENTRIES),
	}
}

// GetRequesterIdentity is ResolveRequesterIdentity with memoization.
// Resolution failures are not cached.
func (resolver *IdentityResolver) GetRequesterIdentity(
	resolvedIP string, peerAddr net.Addr) (*RequesterIdentity, error) {

	rawIP := resolvedIP
	if rawIP == "" {
		rawIP = common.IPAddressFromAddr(peerAddr)
	}

	if rawIP != "" {
		if cached, ok := resolver.cache.Get(rawIP); ok {
			return cached.(*RequesterIdentity), nil
		}
	}

	identity, err := ResolveRequesterIdentity(resolvedIP, peerAddr)
	if err != nil {
		// Note: not traced; the error is already classified.
		return nil, err
	}

	resolver.cache.Set(rawIP, identity, lrucache.DefaultExpiration)

	return identity, nil
}

// TrustProxyMode enumerates the interpretations of the trust-proxy
// configuration consumed by the control layer.
type TrustProxyMode int

const (
	// TrustProxyLoopback trusts only directly connected peers; the safe
	// default.
	TrustProxyLoopback TrustProxyMode = iota

	// TrustProxyDisabled trusts no forwarded headers at all.
	TrustProxyDisabled

	// TrustProxyHops trusts a fixed number of proxy hops.
	TrustProxyHops

	// TrustProxyAll trusts all forwarded headers.
	TrustProxyAll

	// TrustProxyCustom passes the configured value through verbatim, e.g.
	// a CIDR range, for the network layer to interpret.
	TrustProxyCustom
)

// TrustProxyPolicy is the parsed trust-proxy setting handed to the
// control layer.
type TrustProxyPolicy struct {
	Mode  TrustProxyMode
	Hops  int
	Value string
}

// ParseTrustProxyEnv maps a trust-proxy configuration string to the
// policy consumed by the control layer. The mapping is pure: unset/empty
// yields the loopback-only default; "0"/"false"/"no"/"off" disables;
// a digit string yields a hop count; "true"/"yes"/"on"/"all" trusts all;
// anything else is passed through verbatim.
func ParseTrustProxyEnv(value string) TrustProxyPolicy {

	normalized := strings.ToLower(strings.TrimSpace(value))

	switch normalized {
	case "":
		return TrustProxyPolicy{Mode: TrustProxyLoopback, Value: "loopback"}
	case "0", "false", "no", "off":
		return TrustProxyPolicy{Mode: TrustProxyDisabled}
	case "true", "yes", "on", "all":
		return TrustProxyPolicy{Mode: TrustProxyAll}
	}

	if hops, err := strconv.Atoi(normalized); err == nil && hops >= 0 {
		return TrustProxyPolicy{Mode: TrustProxyHops, Hops: hops}
	}

	return TrustProxyPolicy{Mode: TrustProxyCustom, Value: value}
}
