package compression

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/wudi/appgate/internal/config"
)

func newCompressor(algos ...string) *Compressor {
	return New(config.CompressionConfig{Enabled: true, MinSize: 64, Algorithms: algos})
}

func TestNegotiate(t *testing.T) {
	tests := []struct {
		name   string
		algos  []string
		accept string
		want   string
	}{
		{"none", nil, "", ""},
		{"gzip only", nil, "gzip", "gzip"},
		{"server order on tie", nil, "gzip, br, zstd", "br"},
		{"client quality wins", nil, "br;q=0.5, gzip;q=0.9", "gzip"},
		{"rejected", nil, "gzip;q=0", ""},
		{"wildcard", nil, "*", "br"},
		{"wildcard with rejection", nil, "br;q=0, *;q=0.5", "zstd"},
		{"restricted algorithms", []string{"gzip"}, "br, gzip", "gzip"},
		{"unknown only", nil, "identity, lz4", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCompressor(tt.algos...)
			r := httptest.NewRequest("GET", "/", nil)
			if tt.accept != "" {
				r.Header.Set("Accept-Encoding", tt.accept)
			}
			if got := c.Negotiate(r); got != tt.want {
				t.Errorf("Negotiate(%q) = %q, want %q", tt.accept, got, tt.want)
			}
		})
	}

	disabled := New(config.CompressionConfig{})
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Accept-Encoding", "gzip")
	if got := disabled.Negotiate(r); got != "" {
		t.Errorf("disabled compressor negotiated %q", got)
	}
}

func decode(t *testing.T, algo string, body []byte) string {
	t.Helper()
	var r io.Reader
	switch algo {
	case "gzip":
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		r = gz
	case "br":
		r = brotli.NewReader(bytes.NewReader(body))
	case "zstd":
		dec, err := zstd.NewReader(bytes.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		defer dec.Close()
		r = dec
	}
	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("decode %s: %v", algo, err)
	}
	return string(out)
}

func serve(c *Compressor, req *http.Request, contentType, body string, status int) *httptest.ResponseRecorder {
	h := c.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if contentType != "" {
			w.Header().Set("Content-Type", contentType)
		}
		w.Header().Set("Content-Length", "999")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareCompresses(t *testing.T) {
	body := strings.Repeat("hello appgate ", 50)
	for _, algo := range []string{"gzip", "br", "zstd"} {
		t.Run(algo, func(t *testing.T) {
			c := newCompressor()
			req := httptest.NewRequest("GET", "/", nil)
			req.Header.Set("Accept-Encoding", algo)

			rec := serve(c, req, "text/html; charset=utf-8", body, http.StatusCreated)
			if rec.Code != http.StatusCreated {
				t.Errorf("status not preserved: %d", rec.Code)
			}
			if rec.Header().Get("Content-Encoding") != algo {
				t.Fatalf("expected Content-Encoding %s, got %q", algo, rec.Header().Get("Content-Encoding"))
			}
			if rec.Header().Get("Content-Length") != "" {
				t.Error("Content-Length must be dropped when compressing")
			}
			if rec.Header().Get("Vary") != "Accept-Encoding" {
				t.Errorf("expected Vary: Accept-Encoding, got %q", rec.Header().Get("Vary"))
			}
			if got := decode(t, algo, rec.Body.Bytes()); got != body {
				t.Errorf("round trip mismatch: %q", got)
			}

			st := c.Stats()[algo]
			if st.Count != 1 || st.BytesIn != int64(len(body)) || st.BytesOut != int64(rec.Body.Len()) {
				t.Errorf("unexpected stats %+v", st)
			}
		})
	}
}

func TestMiddlewarePassThrough(t *testing.T) {
	big := strings.Repeat("x", 200)
	tests := []struct {
		name        string
		method      string
		header      map[string]string
		contentType string
		body        string
		status      int
	}{
		{"small body", "GET", nil, "text/plain", "tiny", http.StatusOK},
		{"binary type", "GET", nil, "image/png", big, http.StatusOK},
		{"range request", "GET", map[string]string{"Range": "bytes=0-10"}, "text/plain", big, http.StatusOK},
		{"head", "HEAD", nil, "text/plain", "", http.StatusOK},
		{"not modified", "GET", nil, "", "", http.StatusNotModified},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/", nil)
			req.Header.Set("Accept-Encoding", "gzip")
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := serve(newCompressor(), req, tt.contentType, tt.body, tt.status)
			if rec.Header().Get("Content-Encoding") != "" {
				t.Fatalf("expected no encoding, got %q", rec.Header().Get("Content-Encoding"))
			}
			if rec.Code != tt.status || rec.Body.String() != tt.body {
				t.Errorf("expected %d %q, got %d %q", tt.status, tt.body, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestMiddlewareKeepsExistingEncoding(t *testing.T) {
	c := newCompressor()
	h := c.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Content-Encoding", "gzip")
		w.Write(bytes.Repeat([]byte{1}, 200))
	}))
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Accept-Encoding", "br")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Header().Get("Content-Encoding") != "gzip" || rec.Body.Len() != 200 {
		t.Errorf("pre-encoded body must pass through, got %q (%d bytes)", rec.Header().Get("Content-Encoding"), rec.Body.Len())
	}
}
