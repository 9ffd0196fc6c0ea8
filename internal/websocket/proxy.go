package websocket

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// maxHopLength bounds one forwarded hop, room for a bracketed IPv6 address
// with a port
const maxHopLength = 64

// TrustedProxies matches peer addresses allowed to set X-Forwarded-For.
// Entries are single addresses or CIDR prefixes.
type TrustedProxies struct {
	prefixes []netip.Prefix
}

// ParseTrustedProxies parses entries such as "10.0.0.1" or "10.0.0.0/8"
func ParseTrustedProxies(entries []string) (*TrustedProxies, error) {
	tp := &TrustedProxies{}
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
			}
			tp.prefixes = append(tp.prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
		}
		addr = addr.Unmap()
		tp.prefixes = append(tp.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return tp, nil
}

// Contains reports whether ip is a trusted proxy
func (t *TrustedProxies) Contains(ip string) bool {
	if t == nil || len(t.prefixes) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	return t.containsAddr(addr.Unmap())
}

// ResolveClientIP returns the address to rate-limit r by and whether the
// peer is a trusted proxy. Forwarding headers are honored only from trusted
// peers. X-Forwarded-For is walked right to left past trusted hops and the
// first other valid address wins. Headers that yield no usable address, or a
// loopback or unspecified one, resolve to the peer.
func (t *TrustedProxies) ResolveClientIP(r *http.Request) (string, bool) {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}

	if !t.Contains(peer) {
		return peer, false
	}

	if hops := forwardedHops(r.Header.Values("X-Forwarded-For")); len(hops) > 0 {
		for i := len(hops) - 1; i >= 0; i-- {
			addr, ok := parseHop(hops[i])
			if !ok {
				return peer, true
			}
			if t.containsAddr(addr) {
				continue
			}
			return addr.String(), true
		}
		return peer, true
	}

	if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" {
		if addr, ok := parseHop(real); ok {
			return addr.String(), true
		}
	}
	return peer, true
}

func (t *TrustedProxies) containsAddr(addr netip.Addr) bool {
	for _, p := range t.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// forwardedHops flattens every X-Forwarded-For header into one hop list
func forwardedHops(values []string) []string {
	var hops []string
	for _, v := range values {
		for _, hop := range strings.Split(v, ",") {
			hops = append(hops, strings.TrimSpace(hop))
		}
	}
	return hops
}

// parseHop accepts "ip" or "ip:port". Loopback and unspecified addresses are
// refused since only a client can have put them there.
func parseHop(hop string) (netip.Addr, bool) {
	if hop == "" || len(hop) > maxHopLength {
		return netip.Addr{}, false
	}
	addr, err := netip.ParseAddr(hop)
	if err != nil {
		ap, perr := netip.ParseAddrPort(hop)
		if perr != nil {
			return netip.Addr{}, false
		}
		addr = ap.Addr()
	}
	addr = addr.Unmap().WithZone("")
	if !addr.IsValid() || addr.IsLoopback() || addr.IsUnspecified() {
		return netip.Addr{}, false
	}
	return addr, true
}
