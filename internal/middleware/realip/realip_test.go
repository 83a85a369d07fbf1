package realip

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestExtractNoTrustedProxies(t *testing.T) {
	c, err := New(nil, nil, 0)
	if err != nil {
		t.Fatal(err)
	}

	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.168.1.1:12345"
	r.Header.Set("X-Forwarded-For", "1.2.3.4, 10.0.0.1")

	if ip := c.Extract(r); ip != "192.168.1.1" {
		t.Errorf("Expected peer address 192.168.1.1, got %s", ip)
	}
}

func TestExtractWithTrustedProxies(t *testing.T) {
	c, err := New([]string{"10.0.0.0/8", "192.168.0.0/16"}, nil, 0)
	if err != nil {
		t.Fatal(err)
	}

	// Walking right-to-left: 10.0.0.2 (trusted), 10.0.0.1 (trusted), 1.2.3.4
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.168.1.1:12345"
	r.Header.Set("X-Forwarded-For", "1.2.3.4, 10.0.0.1, 10.0.0.2")

	if ip := c.Extract(r); ip != "1.2.3.4" {
		t.Errorf("Expected 1.2.3.4, got %s", ip)
	}
}

func TestExtractUntrustedRemoteAddr(t *testing.T) {
	c, err := New([]string{"10.0.0.0/8"}, nil, 0)
	if err != nil {
		t.Fatal(err)
	}

	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "1.2.3.4:12345"
	r.Header.Set("X-Forwarded-For", "5.6.7.8, 10.0.0.1")
	r.Header.Set("X-Forwarded-Host", "victim.example.com")

	info := c.Resolve(r)
	if info.IP != "1.2.3.4" {
		t.Errorf("Expected 1.2.3.4 (peer is untrusted), got %s", info.IP)
	}
	if info.Host != r.Host {
		t.Errorf("forwarded host from untrusted peer should be ignored, got %s", info.Host)
	}
}

func TestExtractSpoofedXFF(t *testing.T) {
	c, err := New([]string{"10.0.0.0/8"}, nil, 0)
	if err != nil {
		t.Fatal(err)
	}

	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.2:12345"
	r.Header.Set("X-Forwarded-For", "6.6.6.6, 8.8.8.8, 10.0.0.1")

	if ip := c.Extract(r); ip != "8.8.8.8" {
		t.Errorf("Expected 8.8.8.8, got %s", ip)
	}
}

func TestExtractMaxHops(t *testing.T) {
	c, err := New([]string{"10.0.0.0/8"}, nil, 1)
	if err != nil {
		t.Fatal(err)
	}

	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.9:1"
	r.Header.Set("X-Forwarded-For", "1.1.1.1, 10.0.0.3, 10.0.0.4")

	if ip := c.Extract(r); ip != "10.0.0.3" {
		t.Errorf("Expected hop limit to stop at 10.0.0.3, got %s", ip)
	}
}

func TestBareIPAndInvalidCIDR(t *testing.T) {
	if _, err := New([]string{"10.0.0.1", "::1"}, nil, 0); err != nil {
		t.Errorf("bare IPs should be accepted: %v", err)
	}
	if _, err := New([]string{"not-an-ip"}, nil, 0); err == nil {
		t.Error("expected error for invalid entry")
	}
}

func TestResolveForwardedHostAndProto(t *testing.T) {
	c, err := New([]string{"10.0.0.0/8"}, nil, 0)
	if err != nil {
		t.Fatal(err)
	}

	r := httptest.NewRequest("GET", "/", nil)
	r.Host = "internal:8080"
	r.RemoteAddr = "10.1.1.1:443"
	r.Header.Set("X-Forwarded-Host", "shop.example.com, lb.internal")
	r.Header.Set("X-Forwarded-Proto", "HTTPS")

	info := c.Resolve(r)
	if info.Host != "shop.example.com" {
		t.Errorf("Host = %q, want shop.example.com", info.Host)
	}
	if info.Proto != "https" {
		t.Errorf("Proto = %q, want https", info.Proto)
	}
}

func TestResolveTLSProto(t *testing.T) {
	c, _ := New(nil, nil, 0)
	r := httptest.NewRequest("GET", "/", nil)
	r.TLS = &tls.ConnectionState{}
	if info := c.Resolve(r); info.Proto != "https" {
		t.Errorf("Proto = %q, want https", info.Proto)
	}
}

func TestMiddlewareStoresInfo(t *testing.T) {
	c, _ := New([]string{"10.0.0.0/8"}, nil, 0)

	var gotIP, gotHost string
	h := c.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIP = FromContext(r.Context())
		gotHost = HostFromContext(r)
	}))

	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.5:9999"
	r.Header.Set("X-Real-IP", "203.0.113.5")
	r.Header.Set("X-Forwarded-Host", "app.example.com")
	h.ServeHTTP(httptest.NewRecorder(), r)

	if gotIP != "203.0.113.5" {
		t.Errorf("FromContext = %q, want 203.0.113.5", gotIP)
	}
	if gotHost != "app.example.com" {
		t.Errorf("HostFromContext = %q, want app.example.com", gotHost)
	}

	if c.Stats().TotalRequests != 1 || c.Stats().Extracted != 1 {
		t.Errorf("unexpected stats: %+v", c.Stats())
	}
}

func TestHostFromContextWithoutMiddleware(t *testing.T) {
	r := httptest.NewRequest("GET", "http://plain.example.com/", nil)
	if got := HostFromContext(r); got != "plain.example.com" {
		t.Errorf("HostFromContext = %q", got)
	}
	if FromContext(r.Context()) != "" {
		t.Error("FromContext without middleware should be empty")
	}
}

func TestParseTrusted(t *testing.T) {
	prefixes, err := ParseTrusted([]string{" 10.0.0.7 ", "172.16.5.4/12", "::ffff:192.0.2.1"})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"10.0.0.7/32", "172.16.0.0/12", "192.0.2.1/32"}
	for i, p := range prefixes {
		if p.String() != want[i] {
			t.Errorf("prefix %d = %s, want %s", i, p, want[i])
		}
	}
}

func TestExtractMappedPeer(t *testing.T) {
	c, _ := New([]string{"10.0.0.0/8"}, nil, 0)
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "[::ffff:10.0.0.2]:443"
	r.Header.Set("X-Forwarded-For", "198.51.100.7")
	if ip := c.Extract(r); ip != "198.51.100.7" {
		t.Errorf("Expected 198.51.100.7 from mapped trusted peer, got %s", ip)
	}
}
