package handler

import (
	"net/http"

	"github.com/wudi/appgate/internal/spec"
	"github.com/wudi/appgate/variables"
)

// Static answers with a fixed payload: status and headers from the
// route metadata, body from the route's content file.
type Static struct {
	content Content
}

// NewStatic creates the static response handler.
func NewStatic(content Content) *Static {
	return &Static{content: content}
}

// Handle implements ResponseHandler.
func (s *Static) Handle(w http.ResponseWriter, r *http.Request, vc *variables.Context) error {
	deploymentID, err := apiDeployment(vc)
	if err != nil {
		return err
	}
	routeID := vc.RouteID()

	body, err := s.content.GetDeploymentFileContent(r.Context(), deploymentID, spec.RouteContentPath(routeID))
	if err != nil {
		return contentError(err, routeID)
	}

	status := http.StatusOK
	if md := vc.RouteMetadata; md != nil {
		for k, v := range md.Headers {
			w.Header().Set(k, v)
		}
		status = md.Status()
	}
	w.WriteHeader(status)
	if r.Method != http.MethodHead {
		w.Write(body)
	}
	return nil
}
