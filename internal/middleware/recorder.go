package middleware

import (
	"net/http"
	"sync"
)

var recorderPool = sync.Pool{
	New: func() any { return &statusRecorder{} },
}

// statusRecorder wraps http.ResponseWriter to capture status and bytes
type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func acquireRecorder(w http.ResponseWriter) *statusRecorder {
	rec := recorderPool.Get().(*statusRecorder)
	rec.ResponseWriter = w
	rec.status = http.StatusOK
	rec.bytes = 0
	rec.wroteHeader = false
	return rec
}

func releaseRecorder(rec *statusRecorder) {
	rec.ResponseWriter = nil
	recorderPool.Put(rec)
}

func (rec *statusRecorder) WriteHeader(status int) {
	if rec.wroteHeader {
		return
	}
	rec.wroteHeader = true
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	if !rec.wroteHeader {
		rec.wroteHeader = true
	}
	n, err := rec.ResponseWriter.Write(b)
	rec.bytes += int64(n)
	return n, err
}

// Flush implements http.Flusher
func (rec *statusRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rec *statusRecorder) Unwrap() http.ResponseWriter {
	return rec.ResponseWriter
}
