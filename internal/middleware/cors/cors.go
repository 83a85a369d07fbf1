// Package cors applies each tenant's cross-origin policy.
package cors

import (
	"net/http"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/wudi/appgate/internal/middleware"
	"github.com/wudi/appgate/internal/model"
	"github.com/wudi/appgate/variables"
)

// Handler is one tenant's compiled CORS policy.
type Handler struct {
	enabled          bool
	allowOrigins     []string
	allowMethods     string
	allowHeaders     string
	exposeHeaders    string
	allowCredentials bool
	maxAge           string
	allowAllOrigins  bool
}

// New compiles CORS settings.
func New(cfg model.CORSSettings) *Handler {
	h := &Handler{
		enabled:          cfg.Enabled,
		allowOrigins:     cfg.AllowOrigins,
		allowCredentials: cfg.AllowCredentials,
	}

	if len(cfg.AllowMethods) > 0 {
		h.allowMethods = strings.Join(cfg.AllowMethods, ", ")
	} else {
		h.allowMethods = "GET, POST, PUT, DELETE, PATCH, OPTIONS"
	}

	if len(cfg.AllowHeaders) > 0 {
		h.allowHeaders = strings.Join(cfg.AllowHeaders, ", ")
	} else {
		h.allowHeaders = "Content-Type, Authorization, X-API-Key"
	}

	if len(cfg.ExposeHeaders) > 0 {
		h.exposeHeaders = strings.Join(cfg.ExposeHeaders, ", ")
	}

	if cfg.MaxAge > 0 {
		h.maxAge = strconv.Itoa(cfg.MaxAge)
	} else {
		h.maxAge = "86400"
	}

	for _, o := range cfg.AllowOrigins {
		if o == "*" {
			h.allowAllOrigins = true
			break
		}
	}

	return h
}

// IsEnabled returns whether CORS is enabled
func (h *Handler) IsEnabled() bool {
	return h.enabled
}

// IsPreflight returns true if the request is a CORS preflight
func (h *Handler) IsPreflight(r *http.Request) bool {
	return h.enabled && r.Method == http.MethodOptions && r.Header.Get("Origin") != "" && r.Header.Get("Access-Control-Request-Method") != ""
}

// HandlePreflight writes a 204. Allow headers are only added for
// permitted origins.
func (h *Handler) HandlePreflight(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	w.Header().Set("Vary", "Origin, Access-Control-Request-Method, Access-Control-Request-Headers")
	if !h.isOriginAllowed(origin) {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", h.responseOrigin(origin))
	w.Header().Set("Access-Control-Allow-Methods", h.allowMethods)
	w.Header().Set("Access-Control-Allow-Headers", h.allowHeaders)
	if h.allowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}
	w.Header().Set("Access-Control-Max-Age", h.maxAge)
	w.WriteHeader(http.StatusNoContent)
}

// ApplyHeaders adds CORS headers to a normal (non-preflight) response
func (h *Handler) ApplyHeaders(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if !h.enabled || origin == "" || !h.isOriginAllowed(origin) {
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", h.responseOrigin(origin))
	if h.allowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}
	if h.exposeHeaders != "" {
		w.Header().Set("Access-Control-Expose-Headers", h.exposeHeaders)
	}
	w.Header().Add("Vary", "Origin")
}

// A wildcard cannot be combined with credentials, so the caller's origin
// is echoed instead.
func (h *Handler) responseOrigin(origin string) string {
	if h.allowAllOrigins && !h.allowCredentials {
		return "*"
	}
	return origin
}

func (h *Handler) isOriginAllowed(origin string) bool {
	if h.allowAllOrigins {
		return true
	}

	for _, allowed := range h.allowOrigins {
		if strings.EqualFold(allowed, origin) {
			return true
		}
		// *.example.com matches any subdomain, with or without a scheme prefix.
		if strings.HasPrefix(allowed, "*.") && strings.HasSuffix(strings.ToLower(origin), strings.ToLower(allowed[1:])) {
			return true
		}
	}
	return false
}

// Cache holds compiled policies keyed by decoded specification.
type Cache struct {
	handlers *lru.Cache[*model.AppSpecification, *Handler]
}

// NewCache creates a policy cache holding up to size revisions.
func NewCache(size int) *Cache {
	if size <= 0 {
		size = 1024
	}
	handlers, _ := lru.New[*model.AppSpecification, *Handler](size)
	return &Cache{handlers: handlers}
}

// Get returns the compiled policy for sp.
func (c *Cache) Get(sp *model.AppSpecification) *Handler {
	if h, ok := c.handlers.Get(sp); ok {
		return h
	}
	h := New(sp.CORS)
	c.handlers.Add(sp, h)
	return h
}

// Middleware applies the resolved tenant's policy. Preflights are answered
// here and never reach routing.
func Middleware(c *Cache) middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			varCtx := variables.GetFromRequest(r)
			if varCtx.Spec == nil || !varCtx.Spec.CORS.Enabled {
				next.ServeHTTP(w, r)
				return
			}
			h := c.Get(varCtx.Spec)
			if h.IsPreflight(r) {
				h.HandlePreflight(w, r)
				return
			}
			h.ApplyHeaders(w, r)
			next.ServeHTTP(w, r)
		})
	}
}
