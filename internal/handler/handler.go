// Package handler produces responses for matched routes: API routes
// through a registry of response handlers keyed by response type, and
// SPA bundles straight from the active deployment.
package handler

import (
	"context"
	"errors"
	"net/http"
	"sync"

	gwerrors "github.com/wudi/appgate/internal/errors"
	"github.com/wudi/appgate/internal/model"
	"github.com/wudi/appgate/internal/storage"
	"github.com/wudi/appgate/variables"
)

// Content reads deployment files. spec.Store satisfies it.
type Content interface {
	GetDeploymentFileContent(ctx context.Context, deploymentID, path string) ([]byte, error)
	StatDeploymentFile(ctx context.Context, deploymentID, path string) (model.DeploymentFile, error)
}

// ResponseHandler writes the response of an API route. A returned error
// has not been written yet.
type ResponseHandler interface {
	Handle(w http.ResponseWriter, r *http.Request, vc *variables.Context) error
}

// HandlerFunc adapts a function to ResponseHandler.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, vc *variables.Context) error

// Handle calls f.
func (f HandlerFunc) Handle(w http.ResponseWriter, r *http.Request, vc *variables.Context) error {
	return f(w, r, vc)
}

// Registry maps response types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[model.ResponseType]ResponseHandler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[model.ResponseType]ResponseHandler)}
}

// Register sets the handler for t, replacing any previous one.
func (reg *Registry) Register(t model.ResponseType, h ResponseHandler) {
	reg.mu.Lock()
	reg.handlers[t] = h
	reg.mu.Unlock()
}

// Lookup returns the handler for t.
func (reg *Registry) Lookup(t model.ResponseType) (ResponseHandler, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	h, ok := reg.handlers[t]
	return h, ok
}

// Dispatcher is the last stage of the API pipeline. It hands the matched
// route to the handler registered for its response type.
type Dispatcher struct {
	registry *Registry
	debug    bool
}

// NewDispatcher creates a dispatcher over reg. In debug mode error
// details are written to clients.
func NewDispatcher(reg *Registry, debug bool) *Dispatcher {
	return &Dispatcher{registry: reg, debug: debug}
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	vc := variables.GetFromRequest(r)
	if vc.APIRoute == nil {
		gwerrors.Respond(w, gwerrors.ErrRouteNotFound, vc.RequestID, d.debug)
		return
	}

	h, ok := d.registry.Lookup(vc.APIRoute.ResponseType)
	if !ok {
		gwerrors.Respond(w, gwerrors.ErrUnsupportedResponseType.WithDetails(string(vc.APIRoute.ResponseType)), vc.RequestID, d.debug)
		return
	}
	if err := h.Handle(w, r, vc); err != nil {
		gwerrors.Respond(w, err, vc.RequestID, d.debug)
	}
}

// apiDeployment returns the active API deployment of the request's app.
func apiDeployment(vc *variables.Context) (string, error) {
	if vc.Spec == nil || vc.Spec.ActiveAPIDeploymentID == nil || *vc.Spec.ActiveAPIDeploymentID == "" {
		return "", gwerrors.ErrNoDeployment
	}
	return *vc.Spec.ActiveAPIDeploymentID, nil
}

// contentError maps a failed read of required route content.
func contentError(err error, routeID string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return gwerrors.ErrContentMissing.WithDetails(routeID).Because(err)
	}
	return gwerrors.ErrInternalServer.Because(err)
}
