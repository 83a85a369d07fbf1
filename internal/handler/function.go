package handler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/wudi/appgate/internal/execution"
	gwerrors "github.com/wudi/appgate/internal/errors"
	"github.com/wudi/appgate/internal/model"
	"github.com/wudi/appgate/internal/spec"
	"github.com/wudi/appgate/variables"
)

// Executor runs function invocations. *execution.Executor satisfies it.
type Executor interface {
	Execute(ctx context.Context, inv execution.Invocation) (*model.FunctionResult, error)
}

// Function runs the route's source in a sandbox and writes the result.
type Function struct {
	content     Content
	executor    Executor
	maxBodySize int64
}

// NewFunction creates the function response handler. Request bodies
// larger than maxBodySize are rejected; zero means no limit.
func NewFunction(content Content, executor Executor, maxBodySize int64) *Function {
	return &Function{content: content, executor: executor, maxBodySize: maxBodySize}
}

// Handle implements ResponseHandler.
func (f *Function) Handle(w http.ResponseWriter, r *http.Request, vc *variables.Context) error {
	deploymentID, err := apiDeployment(vc)
	if err != nil {
		return err
	}
	routeID := vc.RouteID()

	source, err := f.content.GetDeploymentFileContent(r.Context(), deploymentID, spec.RouteContentPath(routeID))
	if err != nil {
		return contentError(err, routeID)
	}

	req, err := f.functionRequest(r, vc)
	if err != nil {
		return err
	}

	var runtime model.RuntimeType
	if vc.RouteMetadata != nil {
		runtime = vc.RouteMetadata.Runtime
	}
	if runtime == "" {
		runtime = execution.DefaultRuntime
	}

	result, err := f.executor.Execute(r.Context(), execution.Invocation{
		AppID:     vc.AppID(),
		RouteID:   routeID,
		RequestID: vc.RequestID,
		Runtime:   runtime,
		Source:    source,
		Request:   req,
		Variables: vc.Spec.Variables,
		Timeout:   vc.Spec.ExecutionTimeout(),
		Limits:    vc.Spec.Runtime,
	})
	if err != nil {
		return err
	}
	vc.FunctionLogs = result.Logs

	for k, v := range result.Headers {
		w.Header().Set(k, v)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Body)))
	w.WriteHeader(result.StatusCode)
	if r.Method != http.MethodHead {
		io.WriteString(w, result.Body)
	}
	return nil
}

func (f *Function) functionRequest(r *http.Request, vc *variables.Context) (execution.FunctionRequest, error) {
	req := execution.FunctionRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Params: vc.PathParams,
	}
	if vc.Resolution != nil {
		req.Path = vc.Resolution.Path
	}
	if q := r.URL.Query(); len(q) > 0 {
		req.Query = q
	}
	if len(r.Header) > 0 {
		req.Headers = make(map[string]string, len(r.Header))
		for k, v := range r.Header {
			req.Headers[strings.ToLower(k)] = strings.Join(v, ", ")
		}
	}

	if r.Body == nil || r.Body == http.NoBody {
		return req, nil
	}
	var body io.Reader = r.Body
	if f.maxBodySize > 0 {
		body = io.LimitReader(r.Body, f.maxBodySize+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return req, gwerrors.ErrBadRequest.WithDetails("failed to read request body")
	}
	if f.maxBodySize > 0 && int64(len(data)) > f.maxBodySize {
		return req, gwerrors.ErrBadRequest.WithDetails(fmt.Sprintf("request body exceeds %d bytes", f.maxBodySize))
	}
	req.Body = string(data)
	return req, nil
}
