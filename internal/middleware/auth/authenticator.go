// Package auth identifies callers with the tenant's configured schemes and
// enforces per-route authorization.
package auth

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	gwerrors "github.com/wudi/appgate/internal/errors"
	"github.com/wudi/appgate/internal/logging"
	"github.com/wudi/appgate/internal/middleware"
	"github.com/wudi/appgate/internal/model"
	"github.com/wudi/appgate/variables"
)

// Authenticator tries each of a tenant's schemes in order.
type Authenticator struct {
	oidc   *OIDCVerifier
	static *StaticKeyVerifier
}

// NewAuthenticator creates an authenticator.
func NewAuthenticator(oidc *OIDCVerifier, static *StaticKeyVerifier) *Authenticator {
	return &Authenticator{oidc: oidc, static: static}
}

// Authenticate returns the identity from the first scheme that accepts the
// request. A missing, malformed or rejected credential yields nil; the
// request then continues unauthenticated.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request, sp *model.AppSpecification) *variables.Identity {
	for _, scheme := range sp.AuthSchemes {
		var (
			identity *variables.Identity
			err      error
		)
		switch scheme.Type {
		case model.AuthSchemeOIDC:
			if a.oidc == nil {
				continue
			}
			identity, err = a.oidc.Verify(ctx, r, scheme)
		case model.AuthSchemeStaticKey:
			if a.static == nil {
				continue
			}
			identity, err = a.static.Verify(ctx, r, sp.ID, scheme)
		default:
			logging.Warn("unknown auth scheme type",
				zap.String("app_id", sp.ID),
				zap.String("scheme", scheme.Name),
				zap.String("type", string(scheme.Type)),
			)
			continue
		}

		if err == nil {
			return identity
		}
		if !errors.Is(err, errNoCredential) {
			logging.Debug("credential rejected",
				zap.String("app_id", sp.ID),
				zap.String("scheme", scheme.Name),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Middleware records the caller's identity on the request context.
func (a *Authenticator) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			varCtx := variables.GetFromRequest(r)
			if varCtx.Spec != nil && len(varCtx.Spec.AuthSchemes) > 0 {
				varCtx.Identity = a.Authenticate(r.Context(), r, varCtx.Spec)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Authorize rejects unauthenticated requests to routes that require
// authorization.
func Authorize() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			varCtx := variables.GetFromRequest(r)
			if varCtx.RouteMetadata != nil && varCtx.RouteMetadata.RequireAuthorization && !varCtx.Authenticated() {
				w.Header().Set("WWW-Authenticate", "Bearer")
				gwerrors.Respond(w, gwerrors.ErrUnauthorized, varCtx.RequestID, false)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
