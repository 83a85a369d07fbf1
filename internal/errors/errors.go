package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/wudi/appgate/internal/logging"
)

// GatewayError represents an error that can be returned to clients
type GatewayError struct {
	Code       int    `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	underlying error
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// Is matches wrapped copies of the same base error: an error built from
// ErrAmbiguousRoute via WithDetails still satisfies errors.Is(err, ErrAmbiguousRoute).
func (e *GatewayError) Is(target error) bool {
	t, ok := target.(*GatewayError)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Message == t.Message
}

// WriteJSON writes the error as JSON to the response.
// For base errors (no details/requestID), uses pre-serialized JSON to avoid allocations.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Error taxonomy. Messages never carry internal details.
var (
	ErrAppNotFound = &GatewayError{
		Code:    http.StatusNotFound,
		Message: "App not found",
	}

	ErrRouteNotFound = &GatewayError{
		Code:    http.StatusNotFound,
		Message: "Route not found",
	}

	ErrNoDeployment = &GatewayError{
		Code:    http.StatusNotFound,
		Message: "No deployment available",
	}

	ErrAmbiguousRoute = &GatewayError{
		Code:    http.StatusInternalServerError,
		Message: "Ambiguous route",
	}

	ErrUnauthorized = &GatewayError{
		Code:    http.StatusUnauthorized,
		Message: "Unauthorized",
	}

	ErrUnsupportedResponseType = &GatewayError{
		Code:    http.StatusInternalServerError,
		Message: "Response type not supported",
	}

	ErrUnsupportedRuntime = &GatewayError{
		Code:    http.StatusInternalServerError,
		Message: "Runtime not supported",
	}

	ErrContentMissing = &GatewayError{
		Code:    http.StatusInternalServerError,
		Message: "Content missing",
	}

	ErrBadRequest = &GatewayError{
		Code:    http.StatusBadRequest,
		Message: "Bad Request",
	}

	ErrInternalServer = &GatewayError{
		Code:    http.StatusInternalServerError,
		Message: "Internal Server Error",
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*GatewayError][]byte

func init() {
	bases := []*GatewayError{
		ErrAppNotFound, ErrRouteNotFound, ErrNoDeployment, ErrAmbiguousRoute,
		ErrUnauthorized, ErrUnsupportedResponseType, ErrUnsupportedRuntime,
		ErrContentMissing, ErrBadRequest, ErrInternalServer,
	}
	preSerialized = make(map[*GatewayError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new GatewayError
func New(code int, message string) *GatewayError {
	return &GatewayError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, code int, message string) *GatewayError {
	return &GatewayError{
		Code:       code,
		Message:    message,
		underlying: err,
	}
}

// Because returns a copy of a base error carrying the internal cause.
// The cause is logged, never written to clients.
func (e *GatewayError) Because(err error) *GatewayError {
	return &GatewayError{
		Code:       e.Code,
		Message:    e.Message,
		Details:    e.Details,
		RequestID:  e.RequestID,
		underlying: err,
	}
}

// WithDetails adds details to the error
func (e *GatewayError) WithDetails(details string) *GatewayError {
	return &GatewayError{
		Code:       e.Code,
		Message:    e.Message,
		Details:    details,
		RequestID:  e.RequestID,
		underlying: e.underlying,
	}
}

// WithRequestID adds a request ID to the error
func (e *GatewayError) WithRequestID(requestID string) *GatewayError {
	return &GatewayError{
		Code:       e.Code,
		Message:    e.Message,
		Details:    e.Details,
		RequestID:  requestID,
		underlying: e.underlying,
	}
}

// IsGatewayError reports whether err is, or wraps, a GatewayError.
func IsGatewayError(err error) (*GatewayError, bool) {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// Respond writes err to w. GatewayErrors keep their code and message;
// anything else becomes a generic 500. Client errors keep their details;
// server errors expose details only in debug mode and are always logged.
func Respond(w http.ResponseWriter, err error, requestID string, debug bool) {
	ge, ok := IsGatewayError(err)
	if !ok {
		ge = ErrInternalServer.Because(err)
	}

	if ge.Code >= http.StatusInternalServerError {
		fields := []zap.Field{
			zap.Int("status", ge.Code),
			zap.String("request_id", requestID),
		}
		if cause := ge.Unwrap(); cause != nil {
			fields = append(fields, zap.Error(cause))
		}
		logging.Error(ge.Message, fields...)
	}

	out := &GatewayError{Code: ge.Code, Message: ge.Message, RequestID: requestID}
	if ge.Code < http.StatusInternalServerError || debug {
		out.Details = ge.Details
	}
	if debug && out.Details == "" && ge.underlying != nil {
		out.Details = ge.underlying.Error()
	}
	if out.Details == "" && out.RequestID == "" {
		if base, isBase := baseOf(out); isBase {
			base.WriteJSON(w)
			return
		}
	}
	out.WriteJSON(w)
}

func baseOf(ge *GatewayError) (*GatewayError, bool) {
	for base := range preSerialized {
		if base.Code == ge.Code && base.Message == ge.Message {
			return base, true
		}
	}
	return nil, false
}
