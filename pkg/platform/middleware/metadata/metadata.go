package metadata

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"vitalis/pkg/requestcontext"
)

// Unknown is recorded when no usable client address is found.
const Unknown = "unknown"

// Resolver derives the client address that rate-limit and suspicion keys are
// built from. Forwarding headers are only believed when the peer is a
// trusted proxy. X-Forwarded-For is then read from the right, skipping
// trusted hops, and the first untrusted address is the client, so a value
// the client prepended itself is never picked. With no trusted proxies the
// peer address is always used.
type Resolver struct {
	trusted []netip.Prefix
}

// NewResolver parses trusted proxy CIDRs. A bare address trusts that
// address alone.
func NewResolver(trustedProxies ...string) (*Resolver, error) {
	res := &Resolver{}
	for _, raw := range trustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
			}
			addr = addr.Unmap()
			res.trusted = append(res.trusted, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
		}
		res.trusted = append(res.trusted, prefix.Masked())
	}
	return res, nil
}

var direct = &Resolver{}

// ClientMetadata stores the peer address and User-Agent in the request
// context, ignoring forwarding headers. Use Resolver.Middleware behind a
// reverse proxy.
func ClientMetadata(next http.Handler) http.Handler {
	return direct.Middleware(next)
}

// ClientIPFromRequest returns the peer address of r.
func ClientIPFromRequest(r *http.Request) string {
	return direct.ClientIP(r)
}

// Middleware extracts the client IP address and User-Agent from the request
// and stores them in the request context. Apply it early in the chain.
func (res *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := requestcontext.WithClientMetadata(r.Context(), res.ClientIP(r), r.Header.Get("User-Agent"))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClientIP returns the originating client address of r. Header values that
// are not IP literals end the X-Forwarded-For walk.
func (res *Resolver) ClientIP(r *http.Request) string {
	addr := r.RemoteAddr
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	peer, ok := parseAddr(addr)
	if !ok {
		if addr != "" {
			return addr
		}
		return Unknown
	}
	if !res.isTrusted(peer) {
		return peer.String()
	}

	if ip, ok := res.fromForwardedFor(r.Header.Values("X-Forwarded-For")); ok {
		return ip
	}
	if ip, ok := parseAddr(r.Header.Get("X-Real-IP")); ok {
		return ip.String()
	}
	return peer.String()
}

func (res *Resolver) fromForwardedFor(values []string) (string, bool) {
	var hops []string
	for _, v := range values {
		hops = append(hops, strings.Split(v, ",")...)
	}
	var leftmost netip.Addr
	for i := len(hops) - 1; i >= 0; i-- {
		hop, ok := parseAddr(hops[i])
		if !ok {
			return "", false
		}
		if !res.isTrusted(hop) {
			return hop.String(), true
		}
		leftmost = hop
	}
	if leftmost.IsValid() {
		return leftmost.String(), true
	}
	return "", false
}

func (res *Resolver) isTrusted(addr netip.Addr) bool {
	for _, p := range res.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// parseAddr canonicalises an address, unmapping IPv4-in-IPv6 and dropping zones.
func parseAddr(raw string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap().WithZone(""), true
}
