// Package compression encodes tenant responses with brotli, zstd or gzip
// according to the client's Accept-Encoding.
package compression

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/wudi/appgate/internal/config"
	"github.com/wudi/appgate/internal/middleware"
)

// serverOrder breaks quality ties.
var serverOrder = []string{"br", "zstd", "gzip"}

var defaultContentTypes = []string{
	"text/html", "text/css", "text/plain", "text/javascript", "text/xml",
	"application/javascript", "application/json", "application/xml",
	"image/svg+xml",
}

type encoder interface {
	io.Writer
	Close() error
}

type counters struct {
	bytesIn  atomic.Int64
	bytesOut atomic.Int64
	count    atomic.Int64
}

// Compressor negotiates and applies response encodings.
type Compressor struct {
	enabled      bool
	level        int
	minSize      int
	contentTypes map[string]bool
	order        []string
	counters     map[string]*counters
	zstdPool     sync.Pool
}

// New creates a Compressor from cfg.
func New(cfg config.CompressionConfig) *Compressor {
	c := &Compressor{
		enabled:      cfg.Enabled,
		level:        cfg.Level,
		minSize:      cfg.MinSize,
		contentTypes: make(map[string]bool),
		counters:     make(map[string]*counters),
	}
	if c.level <= 0 || c.level > 11 {
		c.level = 6
	}
	if c.minSize <= 0 {
		c.minSize = 1024
	}

	enabled := make(map[string]bool)
	for _, a := range cfg.Algorithms {
		enabled[a] = true
	}
	for _, a := range serverOrder {
		if len(enabled) == 0 || enabled[a] {
			c.order = append(c.order, a)
			c.counters[a] = &counters{}
		}
	}

	types := cfg.ContentTypes
	if len(types) == 0 {
		types = defaultContentTypes
	}
	for _, ct := range types {
		c.contentTypes[ct] = true
	}

	level := zstd.EncoderLevelFromZstd(c.level)
	c.zstdPool.New = func() any {
		enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
		return enc
	}
	return c
}

// Negotiate returns the encoding to use for r, or "" for none. Higher
// client quality wins; ties go to the server order.
func (c *Compressor) Negotiate(r *http.Request) string {
	if !c.enabled {
		return ""
	}
	header := r.Header.Get("Accept-Encoding")
	if header == "" {
		return ""
	}

	prefs := make(map[string]float64)
	wildcard := -1.0
	for _, part := range strings.Split(header, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		q := 1.0
		if v, ok := strings.CutPrefix(strings.TrimSpace(params), "q="); ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				q = f
			}
		}
		if name == "*" {
			wildcard = q
			continue
		}
		prefs[name] = q
	}

	best, bestQ := "", 0.0
	for _, a := range c.order {
		q, ok := prefs[a]
		if !ok {
			q = wildcard
		}
		if q > bestQ {
			best, bestQ = a, q
		}
	}
	return best
}

func (c *Compressor) compressible(contentType string) bool {
	ct, _, _ := strings.Cut(contentType, ";")
	return c.contentTypes[strings.ToLower(strings.TrimSpace(ct))]
}

func (c *Compressor) newEncoder(w io.Writer, algo string) encoder {
	switch algo {
	case "br":
		return brotli.NewWriterLevel(w, c.level)
	case "zstd":
		enc := c.zstdPool.Get().(*zstd.Encoder)
		enc.Reset(w)
		return &pooledZstd{Encoder: enc, pool: &c.zstdPool}
	default:
		gz, _ := gzip.NewWriterLevel(w, min(c.level, gzip.BestCompression))
		return gz
	}
}

type pooledZstd struct {
	*zstd.Encoder
	pool *sync.Pool
}

func (p *pooledZstd) Close() error {
	err := p.Encoder.Close()
	p.pool.Put(p.Encoder)
	return err
}

// Middleware compresses eligible responses. Range and HEAD requests pass
// through untouched.
func (c *Compressor) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			algo := c.Negotiate(r)
			if algo == "" || r.Method == http.MethodHead || r.Header.Get("Range") != "" {
				next.ServeHTTP(w, r)
				return
			}
			cw := &responseWriter{ResponseWriter: w, c: c, algo: algo}
			next.ServeHTTP(cw, r)
			cw.finish()
		})
	}
}

type countWriter struct {
	w io.Writer
	n int64
}

func (cw *countWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// responseWriter buffers up to minSize bytes before deciding whether to
// compress.
type responseWriter struct {
	http.ResponseWriter
	c    *Compressor
	algo string

	status      int
	buf         []byte
	decided     bool
	compressing bool
	enc         encoder
	out         *countWriter
	in          int64
}

func (w *responseWriter) WriteHeader(code int) {
	if w.decided || w.status != 0 {
		return
	}
	w.status = code
	h := w.Header()
	if code < 200 || code == http.StatusNoContent || code == http.StatusNotModified ||
		h.Get("Content-Encoding") != "" ||
		(h.Get("Content-Type") != "" && !w.c.compressible(h.Get("Content-Type"))) {
		w.decide(false)
	}
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.decided {
		if w.status == 0 {
			w.WriteHeader(http.StatusOK)
			if w.decided {
				return w.ResponseWriter.Write(b)
			}
		}
		w.buf = append(w.buf, b...)
		if len(w.buf) >= w.c.minSize {
			w.decide(true)
		}
		return len(b), nil
	}
	if w.compressing {
		w.in += int64(len(b))
		return w.enc.Write(b)
	}
	return w.ResponseWriter.Write(b)
}

func (w *responseWriter) decide(compress bool) {
	w.decided = true
	w.compressing = compress
	if w.status == 0 {
		w.status = http.StatusOK
	}
	if compress {
		h := w.Header()
		h.Del("Content-Length")
		h.Set("Content-Encoding", w.algo)
		h.Add("Vary", "Accept-Encoding")
		w.out = &countWriter{w: w.ResponseWriter}
		w.enc = w.c.newEncoder(w.out, w.algo)
	}
	w.ResponseWriter.WriteHeader(w.status)

	if len(w.buf) > 0 {
		buf := w.buf
		w.buf = nil
		if compress {
			w.in += int64(len(buf))
			w.enc.Write(buf)
		} else {
			w.ResponseWriter.Write(buf)
		}
	}
}

// finish flushes a small buffered body uncompressed or closes the encoder.
func (w *responseWriter) finish() {
	if !w.decided {
		w.decide(false)
		return
	}
	if !w.compressing {
		return
	}
	w.enc.Close()
	ct := w.c.counters[w.algo]
	ct.bytesIn.Add(w.in)
	ct.bytesOut.Add(w.out.n)
	ct.count.Add(1)
}

func (w *responseWriter) Flush() {
	if !w.decided {
		w.decide(len(w.buf) >= w.c.minSize)
	}
	if f, ok := w.enc.(interface{ Flush() error }); ok && w.compressing {
		f.Flush()
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// AlgorithmStats are the totals of one encoding.
type AlgorithmStats struct {
	BytesIn  int64 `json:"bytes_in"`
	BytesOut int64 `json:"bytes_out"`
	Count    int64 `json:"count"`
}

// Stats returns per-encoding totals.
func (c *Compressor) Stats() map[string]AlgorithmStats {
	out := make(map[string]AlgorithmStats, len(c.counters))
	for a, ct := range c.counters {
		out[a] = AlgorithmStats{
			BytesIn:  ct.bytesIn.Load(),
			BytesOut: ct.bytesOut.Load(),
			Count:    ct.count.Load(),
		}
	}
	return out
}
