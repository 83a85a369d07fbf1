package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/wudi/appgate/variables"
)

func init() {
	// Batch crypto/rand reads into a pool to avoid a syscall per UUID.
	uuid.EnableRandPool()
}

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// RequestIDConfig configures the request ID middleware
type RequestIDConfig struct {
	Header string
	// Generator generates a new request ID
	Generator func() string
	// TrustHeader reuses an incoming request ID
	TrustHeader bool
}

// DefaultRequestIDConfig provides default request ID settings
var DefaultRequestIDConfig = RequestIDConfig{
	Header:      RequestIDHeader,
	Generator:   defaultIDGenerator,
	TrustHeader: true,
}

func defaultIDGenerator() string {
	return uuid.New().String()
}

// RequestID creates a request ID middleware with default config
func RequestID() Middleware {
	return RequestIDWithConfig(DefaultRequestIDConfig)
}

// RequestIDWithConfig creates the middleware that opens the request-scoped
// variables.Context. Every later stage reads and fills that context; it is
// returned to the pool once the downstream handler returns.
func RequestIDWithConfig(cfg RequestIDConfig) Middleware {
	if cfg.Header == "" {
		cfg.Header = RequestIDHeader
	}
	if cfg.Generator == nil {
		cfg.Generator = defaultIDGenerator
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var requestID string
			if cfg.TrustHeader {
				requestID = r.Header.Get(cfg.Header)
			}
			if requestID == "" || len(requestID) > 128 {
				requestID = cfg.Generator()
			}

			r.Header.Set(cfg.Header, requestID)
			w.Header().Set(cfg.Header, requestID)

			varCtx := variables.AcquireContext(r)
			varCtx.RequestID = requestID
			ctx := context.WithValue(r.Context(), variables.RequestContextKey{}, varCtx)
			r = r.WithContext(ctx)
			varCtx.Request = r

			defer variables.ReleaseContext(varCtx)
			next.ServeHTTP(w, r)
		})
	}
}

// GetRequestID extracts the request ID from the request context
func GetRequestID(r *http.Request) string {
	if varCtx, ok := r.Context().Value(variables.RequestContextKey{}).(*variables.Context); ok {
		return varCtx.RequestID
	}
	return r.Header.Get(RequestIDHeader)
}
