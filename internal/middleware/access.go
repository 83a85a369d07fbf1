package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/wudi/appgate/internal/metrics"
	"github.com/wudi/appgate/internal/middleware/realip"
	"github.com/wudi/appgate/internal/model"
	"github.com/wudi/appgate/variables"
)

// LogSink accepts finished access log entries. Offer must not block.
type LogSink interface {
	Offer(entry *model.AccessLog)
}

// AccessLog records every tenant request once the downstream handler has
// returned and hands it to sink. Requests that never resolved a tenant are
// not recorded.
func AccessLog(sink LogSink) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := acquireRecorder(w)
			defer releaseRecorder(rec)

			next.ServeHTTP(rec, r)

			varCtx := variables.GetFromRequest(r)
			varCtx.Status = rec.status
			varCtx.BodyBytesSent = rec.bytes
			if varCtx.Spec == nil || sink == nil {
				return
			}
			sink.Offer(buildEntry(varCtx, r, time.Now()))
		})
	}
}

func buildEntry(varCtx *variables.Context, r *http.Request, now time.Time) *model.AccessLog {
	start := varCtx.StartTime
	if start.IsZero() {
		start = now
	}
	entry := &model.AccessLog{
		ID:           uuid.NewString(),
		AppID:        varCtx.AppID(),
		RouteID:      varCtx.RouteID(),
		RequestID:    varCtx.RequestID,
		Method:       r.Method,
		Path:         r.URL.Path,
		Host:         realip.HostFromContext(r),
		StatusCode:   varCtx.Status,
		Duration:     now.Sub(start),
		BytesWritten: varCtx.BodyBytesSent,
		ClientIP:     variables.ExtractClientIP(r),
		UserAgent:    r.UserAgent(),
		FunctionLogs: varCtx.FunctionLogs,
		CreatedAt:    now.UTC(),
	}
	if varCtx.Identity != nil {
		entry.AuthScheme = varCtx.Identity.Scheme
	}
	return entry
}

// Metrics counts every request by response code.
func Metrics(c *metrics.Collector) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := acquireRecorder(w)
			defer releaseRecorder(rec)

			next.ServeHTTP(rec, r)
			c.RecordRequest(rec.status, time.Since(start))
		})
	}
}
