// Package variables carries the typed per-request state that each stage
// of the pipeline fills in and later stages read.
package variables

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/wudi/appgate/internal/middleware/realip"
	"github.com/wudi/appgate/internal/model"
	"github.com/wudi/appgate/internal/router"
)

// Identity represents an authenticated caller.
type Identity struct {
	Scheme   string // name of the auth scheme that accepted the credential
	AuthType model.AuthSchemeType
	Subject  string
	Claims   map[string]interface{}
}

// Context is the request-scoped state shared by the pipeline stages.
type Context struct {
	Request   *http.Request
	RequestID string
	StartTime time.Time

	// Set by tenant resolution
	Spec *model.AppSpecification

	// Set by routing
	Resolution    *router.Resolution
	APIRoute      *model.ApiRouteSummary
	RouteMetadata *model.ApiRouteMetadata
	PathParams    map[string]string

	// Set by authentication; nil means unauthenticated
	Identity *Identity

	// Set by the function handler
	FunctionLogs []model.FunctionLogEntry

	// Set by the access log middleware
	Status        int
	BodyBytesSent int64
}

var contextPool = sync.Pool{
	New: func() any { return &Context{} },
}

// AcquireContext gets a Context from the pool and initialises it for r.
func AcquireContext(r *http.Request) *Context {
	c := contextPool.Get().(*Context)
	c.Request = r
	c.StartTime = time.Now()
	return c
}

// ReleaseContext zeroes all fields and returns c to the pool.
// The caller must ensure no goroutine reads from c after this call.
func ReleaseContext(c *Context) {
	if c == nil {
		return
	}
	*c = Context{}
	contextPool.Put(c)
}

// AppID returns the resolved app id, or "".
func (c *Context) AppID() string {
	if c.Spec == nil {
		return ""
	}
	return c.Spec.ID
}

// RouteID returns the matched API route id, or "".
func (c *Context) RouteID() string {
	if c.APIRoute == nil {
		return ""
	}
	return c.APIRoute.ID
}

// Authenticated reports whether an auth scheme accepted the request.
func (c *Context) Authenticated() bool {
	return c.Identity != nil
}

// RequestContextKey is the context key for storing the request context
type RequestContextKey struct{}

// GetFromRequest extracts the request context from an HTTP request.
// Requests that did not pass through the RequestID middleware get a
// fresh context.
func GetFromRequest(r *http.Request) *Context {
	if ctx, ok := r.Context().Value(RequestContextKey{}).(*Context); ok {
		return ctx
	}
	return AcquireContext(r)
}

// ExtractClientIP returns the client IP resolved by the realip
// middleware, falling back to the peer address.
func ExtractClientIP(r *http.Request) string {
	if ip := realip.FromContext(r.Context()); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
