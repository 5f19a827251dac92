package util

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ProxyList is the set of peers whose X-Forwarded-For header is believed.
type ProxyList struct {
	prefixes []netip.Prefix
}

// ParseProxyList accepts bare addresses and CIDR prefixes. Empty input trusts nothing.
func ParseProxyList(entries []string) (*ProxyList, error) {
	var out []netip.Prefix
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, err
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, err
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	if len(out) == 0 {
		return nil, nil
	}
	return &ProxyList{prefixes: out}, nil
}

func (p *ProxyList) trusts(addr netip.Addr) bool {
	if p == nil || !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range p.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP returns the caller address used as a rate-limit key. Forwarded
// hops are walked right to left and the first untrusted one wins.
func ClientIP(r *http.Request, proxies *ProxyList) string {
	peer := splitHostAddr(r.RemoteAddr)
	if !peer.IsValid() {
		return strings.TrimSpace(r.RemoteAddr)
	}
	if !proxies.trusts(peer) {
		return peer.Unmap().String()
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	last := peer
	for i := len(hops) - 1; i >= 0; i-- {
		addr, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			continue
		}
		last = addr
		if !proxies.trusts(addr) {
			return addr.Unmap().String()
		}
	}
	return last.Unmap().String()
}

func splitHostAddr(remote string) netip.Addr {
	remote = strings.TrimSpace(remote)
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}
	addr, err := netip.ParseAddr(remote)
	if err != nil {
		return netip.Addr{}
	}
	return addr
}
