package handler

import (
	"bytes"
	"errors"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	gwerrors "github.com/wudi/appgate/internal/errors"
	"github.com/wudi/appgate/internal/model"
	"github.com/wudi/appgate/internal/storage"
	"github.com/wudi/appgate/variables"
)

const indexFile = "index.html"

// SPA serves the files of an app's active SPA deployment.
type SPA struct {
	content Content
	debug   bool
}

// NewSPA creates the SPA handler.
func NewSPA(content Content, debug bool) *SPA {
	return &SPA{content: content, debug: debug}
}

func (s *SPA) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	vc := variables.GetFromRequest(r)
	if err := s.serve(w, r, vc); err != nil {
		gwerrors.Respond(w, err, vc.RequestID, s.debug)
	}
}

func (s *SPA) serve(w http.ResponseWriter, r *http.Request, vc *variables.Context) error {
	if vc.Spec == nil || vc.Spec.ActiveSPADeploymentID == nil || *vc.Spec.ActiveSPADeploymentID == "" {
		return gwerrors.ErrNoDeployment
	}
	deploymentID := *vc.Spec.ActiveSPADeploymentID

	p := r.URL.Path
	if vc.Resolution != nil {
		p = vc.Resolution.Path
	}
	if p == "" || strings.HasSuffix(p, "/") {
		p += indexFile
	}

	f, err := s.content.StatDeploymentFile(r.Context(), deploymentID, p)
	if errors.Is(err, storage.ErrNotFound) && vc.Resolution != nil && vc.Resolution.Fallback() != "" {
		f, err = s.content.StatDeploymentFile(r.Context(), deploymentID, vc.Resolution.Fallback())
	}
	if errors.Is(err, storage.ErrNotFound) {
		return gwerrors.ErrRouteNotFound
	}
	if err != nil {
		return gwerrors.ErrInternalServer.Because(err)
	}

	data, err := s.content.GetDeploymentFileContent(r.Context(), deploymentID, f.Path)
	if err != nil {
		return gwerrors.ErrContentMissing.WithDetails(f.Path).Because(err)
	}

	w.Header().Set("Content-Type", contentType(f))
	w.Header().Set("ETag", `"`+f.BlobHash+`"`)
	if path.Base(f.Path) == indexFile {
		w.Header().Set("Cache-Control", "no-cache")
	}
	// Handles conditional and range requests against the content hash.
	http.ServeContent(w, r, f.Path, time.Time{}, bytes.NewReader(data))
	return nil
}

func contentType(f model.DeploymentFile) string {
	if f.ContentType != "" {
		return f.ContentType
	}
	if ct := mime.TypeByExtension(path.Ext(f.Path)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
