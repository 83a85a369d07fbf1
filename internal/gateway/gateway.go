// Package gateway assembles the request pipeline: tenant resolution,
// outer and inner routing, authentication, validation and dispatch to the
// response handlers, and runs it behind an HTTP server.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/wudi/appgate/internal/cache"
	"github.com/wudi/appgate/internal/config"
	gwerrors "github.com/wudi/appgate/internal/errors"
	"github.com/wudi/appgate/internal/handler"
	"github.com/wudi/appgate/internal/logging"
	"github.com/wudi/appgate/internal/metrics"
	"github.com/wudi/appgate/internal/middleware"
	"github.com/wudi/appgate/internal/middleware/auth"
	"github.com/wudi/appgate/internal/middleware/compression"
	"github.com/wudi/appgate/internal/middleware/cors"
	"github.com/wudi/appgate/internal/middleware/realip"
	"github.com/wudi/appgate/internal/middleware/validation"
	"github.com/wudi/appgate/internal/model"
	"github.com/wudi/appgate/internal/router"
	"github.com/wudi/appgate/internal/spec"
	"github.com/wudi/appgate/internal/storage"
	"github.com/wudi/appgate/variables"
)

// SpecSource is the read side of published tenant data. *spec.Store
// satisfies it.
type SpecSource interface {
	handler.Content
	GetBySlug(ctx context.Context, slug string) (*model.AppSpecification, error)
	GetByCustomDomain(ctx context.Context, host string) (*model.AppSpecification, error)
	GetRouteMetadata(ctx context.Context, deploymentID, routeID string) (*model.ApiRouteMetadata, error)
}

// Dependencies are the long-lived collaborators of a Gateway.
type Dependencies struct {
	Cache      cache.Cache // signing keys and static key records
	Specs      SpecSource
	Executor   handler.Executor
	Logs       middleware.LogSink // may be nil
	Metrics    *metrics.Collector // may be nil
	HTTPClient *http.Client       // identity provider requests
}

// Gateway is the tenant-facing HTTP handler.
type Gateway struct {
	cfg       *config.Config
	specs     SpecSource
	routes    *router.Cache
	realIP    *realip.CompiledRealIP
	validator *validation.Validator
	compress  *compression.Compressor
	metrics   *metrics.Collector

	spa    http.Handler
	tenant http.Handler // per-tenant stages after resolution
	api    http.Handler // inner pipeline of API targets
}

// New builds a gateway from cfg.
func New(cfg *config.Config, deps Dependencies) (*Gateway, error) {
	if deps.Specs == nil || deps.Cache == nil {
		return nil, errors.New("gateway: specs and cache are required")
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: authFetchTimeout}
	}

	ip, err := realip.New(cfg.TrustedProxies.CIDRs, cfg.TrustedProxies.Headers, cfg.TrustedProxies.MaxHops)
	if err != nil {
		return nil, fmt.Errorf("gateway: trusted proxies: %w", err)
	}

	g := &Gateway{
		cfg:       cfg,
		specs:     deps.Specs,
		routes:    router.NewCache(cfg.Cache.CompiledSize),
		realIP:    ip,
		validator: validation.New(cfg.Cache.CompiledSize, cfg.Server.MaxBodySize),
		compress:  compression.New(cfg.Compression),
		metrics:   deps.Metrics,
	}

	keys := auth.NewKeyCache(deps.Cache, deps.HTTPClient, cfg.Cache.SigningKeyTTL, cfg.Cache.CompiledSize)
	authn := auth.NewAuthenticator(auth.NewOIDCVerifier(keys), auth.NewStaticKeyVerifier(deps.Cache))

	registry := handler.NewRegistry()
	registry.Register(model.ResponseStatic, handler.NewStatic(deps.Specs))
	if deps.Executor != nil {
		registry.Register(model.ResponseFunction, handler.NewFunction(deps.Specs, deps.Executor, cfg.Server.MaxBodySize))
	}

	g.spa = handler.NewSPA(deps.Specs, cfg.Server.Debug)
	g.api = middleware.NewChain(
		authn.Middleware(),
		auth.Authorize(),
		g.validator.Middleware(),
	).Then(handler.NewDispatcher(registry, cfg.Server.Debug))

	g.tenant = middleware.NewChain().
		UseIf(deps.Logs != nil, middleware.AccessLog(deps.Logs)).
		UseIf(cfg.Compression.Enabled, g.compress.Middleware()).
		Append(cors.Middleware(cors.NewCache(cfg.Cache.CompiledSize))).
		ThenFunc(g.route)

	return g, nil
}

// Handler returns the full pipeline.
func (g *Gateway) Handler() http.Handler {
	return middleware.NewChain(
		middleware.RecoveryWithConfig(middleware.RecoveryConfig{
			PrintStack: true,
			Debug:      g.cfg.Server.Debug,
			LogFunc:    middleware.DefaultRecoveryConfig.LogFunc,
		}),
		middleware.RequestID(),
		g.realIP.Middleware,
	).UseIf(g.metrics != nil, middleware.Metrics(g.metrics)).
		ThenFunc(g.serveHTTP)
}

func (g *Gateway) serveHTTP(w http.ResponseWriter, r *http.Request) {
	varCtx := variables.GetFromRequest(r)

	if g.isHealthCheck(r) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "Healthy")
		return
	}

	sp, err := g.resolveTenant(r)
	if err != nil {
		if errors.Is(err, spec.ErrNotPublished) {
			g.fail(w, varCtx, gwerrors.ErrAppNotFound)
			return
		}
		g.fail(w, varCtx, gwerrors.ErrInternalServer.Because(err))
		return
	}
	varCtx.Spec = sp

	g.tenant.ServeHTTP(w, r)
}

func (g *Gateway) isHealthCheck(r *http.Request) bool {
	return r.URL.Path == g.cfg.Health.Path &&
		model.NormalizeHost(realip.HostFromContext(r)) == model.NormalizeHost(g.cfg.Server.Host)
}

// resolveTenant performs exactly one specification lookup.
func (g *Gateway) resolveTenant(r *http.Request) (*model.AppSpecification, error) {
	ctx := r.Context()
	host := model.NormalizeHost(realip.HostFromContext(r))

	if g.cfg.Tenant.Source == config.TenantSourceSubdomain {
		if slug, ok := subdomainSlug(host, g.cfg.Tenant.BaseDomain); ok {
			return g.specs.GetBySlug(ctx, slug)
		}
		return g.specs.GetByCustomDomain(ctx, host)
	}

	if slug := strings.TrimSpace(r.Header.Get(g.cfg.Tenant.Header)); slug != "" {
		return g.specs.GetBySlug(ctx, strings.ToLower(slug))
	}
	return g.specs.GetByCustomDomain(ctx, host)
}

// subdomainSlug returns the single label in front of base.
func subdomainSlug(host, base string) (string, bool) {
	base = model.NormalizeHost(base)
	if base == "" || !strings.HasSuffix(host, "."+base) {
		return "", false
	}
	slug := strings.TrimSuffix(host, "."+base)
	if slug == "" || strings.Contains(slug, ".") {
		return "", false
	}
	return slug, true
}

// route runs the outer routing stage and enters the target pipeline.
func (g *Gateway) route(w http.ResponseWriter, r *http.Request) {
	varCtx := variables.GetFromRequest(r)
	sp := varCtx.Spec

	compiled, err := g.routes.Get(sp)
	if err != nil {
		logging.Error("failed to compile routing",
			zap.String("app_id", sp.ID),
			zap.Int64("version", sp.Version),
			zap.Error(err),
		)
		g.fail(w, varCtx, gwerrors.ErrInternalServer.Because(err))
		return
	}

	res, ok := compiled.Outer.Match(r.URL.Path)
	if !ok {
		g.fail(w, varCtx, gwerrors.ErrRouteNotFound)
		return
	}
	varCtx.Resolution = res

	switch res.Rule.Target.Type {
	case model.TargetStatic:
		g.spa.ServeHTTP(w, r)
	case model.TargetAPI:
		g.serveAPI(w, r, varCtx, compiled.API)
	default:
		g.fail(w, varCtx, gwerrors.ErrInternalServer.WithDetails("unknown target type "+string(res.Rule.Target.Type)))
	}
}

// serveAPI matches the inner route, loads its metadata and runs the API
// pipeline.
func (g *Gateway) serveAPI(w http.ResponseWriter, r *http.Request, varCtx *variables.Context, api *router.APITable) {
	m, err := api.Match(r.Method, varCtx.Resolution.Path)
	switch {
	case errors.Is(err, router.ErrNoRoute):
		g.fail(w, varCtx, gwerrors.ErrRouteNotFound)
		return
	case errors.Is(err, router.ErrAmbiguous):
		logging.Warn("ambiguous API route",
			zap.String("app_id", varCtx.AppID()),
			zap.String("method", r.Method),
			zap.String("path", varCtx.Resolution.Path),
		)
		g.fail(w, varCtx, gwerrors.ErrAmbiguousRoute.Because(err))
		return
	case err != nil:
		g.fail(w, varCtx, gwerrors.ErrInternalServer.Because(err))
		return
	}
	varCtx.APIRoute = m.Route
	varCtx.PathParams = m.Params

	sp := varCtx.Spec
	if sp.ActiveAPIDeploymentID == nil || *sp.ActiveAPIDeploymentID == "" {
		g.fail(w, varCtx, gwerrors.ErrNoDeployment)
		return
	}
	md, err := g.specs.GetRouteMetadata(r.Context(), *sp.ActiveAPIDeploymentID, m.Route.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			g.fail(w, varCtx, gwerrors.ErrContentMissing.WithDetails(m.Route.ID).Because(err))
			return
		}
		g.fail(w, varCtx, gwerrors.ErrInternalServer.Because(err))
		return
	}
	varCtx.RouteMetadata = md

	g.api.ServeHTTP(w, r)
}

func (g *Gateway) fail(w http.ResponseWriter, varCtx *variables.Context, err error) {
	gwerrors.Respond(w, err, varCtx.RequestID, g.cfg.Server.Debug)
}

// Stats returns pipeline counters for the admin listener.
func (g *Gateway) Stats() map[string]any {
	return map[string]any{
		"real_ip":     g.realIP.Stats(),
		"validation":  g.validator.GetMetrics().Snapshot(),
		"compression": g.compress.Stats(),
	}
}
