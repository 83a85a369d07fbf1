// Package realip resolves the client address, host and scheme of a
// request, honouring forwarding headers only from trusted proxies.
package realip

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync/atomic"
)

// contextKey is the type for the forwarding info context key.
type contextKey struct{}

// Info is what the middleware resolved for a request.
type Info struct {
	IP    string
	Host  string
	Proto string
}

// CompiledRealIP extracts client information from trusted proxy chains.
type CompiledRealIP struct {
	trusted []netip.Prefix
	headers []string // client IP headers, checked in order
	maxHops int      // 0 = unlimited

	totalRequests atomic.Int64
	extracted     atomic.Int64 // IP taken from a header rather than the peer
}

// ParseTrusted parses proxy entries, CIDRs or bare addresses.
func ParseTrusted(entries []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if !strings.Contains(e, "/") {
			addr, err := netip.ParseAddr(e)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", e, err)
			}
			out = append(out, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(e)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy CIDR %q: %w", e, err)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

// New creates a CompiledRealIP. With no trusted entries every forwarding
// header is ignored.
func New(trusted []string, headers []string, maxHops int) (*CompiledRealIP, error) {
	prefixes, err := ParseTrusted(trusted)
	if err != nil {
		return nil, err
	}
	if len(headers) == 0 {
		headers = []string{"X-Forwarded-For", "X-Real-IP"}
	}
	return &CompiledRealIP{trusted: prefixes, headers: headers, maxHops: maxHops}, nil
}

// Resolve determines client IP, host and scheme for r.
func (c *CompiledRealIP) Resolve(r *http.Request) Info {
	c.totalRequests.Add(1)

	peer := peerAddr(r.RemoteAddr)
	info := Info{IP: peer, Host: r.Host, Proto: "http"}
	if r.TLS != nil {
		info.Proto = "https"
	}
	if !c.trustedAddr(peer) {
		return info
	}

	if ip, ok := c.clientIP(r.Header); ok {
		c.extracted.Add(1)
		info.IP = ip
	}
	if h := firstValue(r.Header.Get("X-Forwarded-Host")); h != "" {
		info.Host = h
	}
	switch p := strings.ToLower(firstValue(r.Header.Get("X-Forwarded-Proto"))); p {
	case "http", "https":
		info.Proto = p
	}
	return info
}

// Extract returns the client IP of r.
func (c *CompiledRealIP) Extract(r *http.Request) string {
	return c.Resolve(r).IP
}

func (c *CompiledRealIP) clientIP(h http.Header) (string, bool) {
	for _, name := range c.headers {
		v := h.Get(name)
		if v == "" {
			continue
		}
		if strings.EqualFold(name, "X-Forwarded-For") {
			if ip := c.walkXFF(strings.Split(v, ",")); ip != "" {
				return ip, true
			}
			continue
		}
		if ip := strings.TrimSpace(v); ip != "" {
			return ip, true
		}
	}
	return "", false
}

// walkXFF scans the chain right to left and returns the first hop that is
// not a trusted proxy, or the hop past maxHops.
func (c *CompiledRealIP) walkXFF(chain []string) string {
	hops := 0
	for i := len(chain) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(chain[i])
		if hop == "" {
			continue
		}
		hops++
		if (c.maxHops > 0 && hops > c.maxHops) || !c.trustedAddr(hop) {
			return hop
		}
	}
	// All trusted: the leftmost entry is the origin.
	return strings.TrimSpace(chain[0])
}

func (c *CompiledRealIP) trustedAddr(s string) bool {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range c.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Middleware stores the resolved Info in the request context.
func (c *CompiledRealIP) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := c.Resolve(r)
		ctx := context.WithValue(r.Context(), contextKey{}, info)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FromContext retrieves the real client IP from the request context.
// Returns empty string if not set.
func FromContext(ctx context.Context) string {
	if info, ok := ctx.Value(contextKey{}).(Info); ok {
		return info.IP
	}
	return ""
}

// HostFromContext returns the effective host of the request: the
// forwarded host when a trusted proxy supplied one, else r.Host.
func HostFromContext(r *http.Request) string {
	if info, ok := r.Context().Value(contextKey{}).(Info); ok && info.Host != "" {
		return info.Host
	}
	return r.Host
}

// Stats returns metrics for the real IP extractor.
type Stats struct {
	TotalRequests int64 `json:"total_requests"`
	Extracted     int64 `json:"extracted"`
	TrustedCIDRs  int   `json:"trusted_cidrs"`
	MaxHops       int   `json:"max_hops"`
}

// Stats returns the current metrics.
func (c *CompiledRealIP) Stats() Stats {
	return Stats{
		TotalRequests: c.totalRequests.Load(),
		Extracted:     c.extracted.Load(),
		TrustedCIDRs:  len(c.trusted),
		MaxHops:       c.maxHops,
	}
}

func firstValue(v string) string {
	if i := strings.IndexByte(v, ','); i >= 0 {
		v = v[:i]
	}
	return strings.TrimSpace(v)
}

func peerAddr(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
