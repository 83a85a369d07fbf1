// Package validation checks API request bodies against the route's JSON
// schema before dispatch.
package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/wudi/appgate/internal/errors"
	"github.com/wudi/appgate/internal/logging"
	"github.com/wudi/appgate/internal/middleware"
	"github.com/wudi/appgate/variables"
)

// Metrics tracks validation counters.
type Metrics struct {
	RequestsValidated atomic.Int64
	RequestsFailed    atomic.Int64
	SchemaErrors      atomic.Int64
}

// Snapshot returns a copy of the metrics.
func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"requests_validated": m.RequestsValidated.Load(),
		"requests_failed":    m.RequestsFailed.Load(),
		"schema_errors":      m.SchemaErrors.Load(),
	}
}

// Compile compiles one JSON schema document.
func Compile(raw json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse JSON schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("body.json", doc); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	schema, err := c.Compile("body.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return schema, nil
}

// Validator holds compiled body schemas. Deployments are immutable, so a
// schema compiled for a deployment's route never changes.
type Validator struct {
	schemas     *lru.Cache[string, *jsonschema.Schema]
	maxBodySize int64
	metrics     *Metrics
}

// New creates a validator caching up to size compiled schemas.
func New(size int, maxBodySize int64) *Validator {
	if size <= 0 {
		size = 1024
	}
	schemas, _ := lru.New[string, *jsonschema.Schema](size)
	return &Validator{
		schemas:     schemas,
		maxBodySize: maxBodySize,
		metrics:     &Metrics{},
	}
}

// GetMetrics returns the validation metrics.
func (v *Validator) GetMetrics() *Metrics {
	return v.metrics
}

func (v *Validator) schema(key string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if s, ok := v.schemas.Get(key); ok {
		return s, nil
	}
	s, err := Compile(raw)
	if err != nil {
		return nil, err
	}
	v.schemas.Add(key, s)
	return s, nil
}

// Validate reads the request body, restores it for downstream handlers and
// validates it against schema.
func (v *Validator) Validate(r *http.Request, schema *jsonschema.Schema) error {
	v.metrics.RequestsValidated.Add(1)

	var body []byte
	if r.Body != nil {
		reader := io.Reader(r.Body)
		if v.maxBodySize > 0 {
			reader = io.LimitReader(r.Body, v.maxBodySize+1)
		}
		var err error
		body, err = io.ReadAll(reader)
		r.Body.Close()
		if err != nil {
			v.metrics.RequestsFailed.Add(1)
			return fmt.Errorf("failed to read request body")
		}
		if v.maxBodySize > 0 && int64(len(body)) > v.maxBodySize {
			v.metrics.RequestsFailed.Add(1)
			return fmt.Errorf("request body exceeds %d bytes", v.maxBodySize)
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	if len(body) == 0 {
		if err := schema.Validate(nil); err != nil {
			v.metrics.RequestsFailed.Add(1)
			return fmt.Errorf("validation failed: %s", err.Error())
		}
		return nil
	}

	if !isJSON(r.Header.Get("Content-Type")) {
		v.metrics.RequestsFailed.Add(1)
		return fmt.Errorf("request body must be application/json")
	}

	data, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		v.metrics.RequestsFailed.Add(1)
		return fmt.Errorf("invalid JSON body: %s", err.Error())
	}
	if err := schema.Validate(data); err != nil {
		v.metrics.RequestsFailed.Add(1)
		return fmt.Errorf("validation failed: %s", err.Error())
	}
	return nil
}

// A missing content type is accepted as JSON.
func isJSON(contentType string) bool {
	if contentType == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

// Middleware validates the body of requests whose route metadata carries
// a body schema. A schema that does not compile is the tenant's fault and
// surfaces as a 500.
func (v *Validator) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			varCtx := variables.GetFromRequest(r)
			meta := varCtx.RouteMetadata
			if meta == nil || len(meta.RequestSchemas.Body) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			key := varCtx.RouteID()
			if varCtx.Spec != nil && varCtx.Spec.ActiveAPIDeploymentID != nil {
				key = *varCtx.Spec.ActiveAPIDeploymentID + "/" + key
			}
			schema, err := v.schema(key, meta.RequestSchemas.Body)
			if err != nil {
				v.metrics.SchemaErrors.Add(1)
				logging.Error("invalid route body schema",
					zap.String("app_id", varCtx.AppID()),
					zap.String("route_id", varCtx.RouteID()),
					zap.Error(err),
				)
				errors.Respond(w, errors.ErrInternalServer.Because(err), varCtx.RequestID, false)
				return
			}

			if err := v.Validate(r, schema); err != nil {
				errors.Respond(w, errors.ErrBadRequest.WithDetails(err.Error()), varCtx.RequestID, false)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
