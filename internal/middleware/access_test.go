package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/wudi/appgate/internal/metrics"
	"github.com/wudi/appgate/internal/model"
	"github.com/wudi/appgate/variables"
)

type captureSink struct {
	mu      sync.Mutex
	entries []*model.AccessLog
}

func (s *captureSink) Offer(e *model.AccessLog) {
	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()
}

func TestAccessLogRecordsTenantRequest(t *testing.T) {
	sink := &captureSink{}
	resolveTenant := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			varCtx := variables.GetFromRequest(r)
			varCtx.Spec = &model.AppSpecification{ID: "app-1"}
			next.ServeHTTP(w, r)
		})
	}
	handler := func(w http.ResponseWriter, r *http.Request) {
		varCtx := variables.GetFromRequest(r)
		varCtx.APIRoute = &model.ApiRouteSummary{ID: "route-9"}
		varCtx.Identity = &variables.Identity{Scheme: "partners"}
		varCtx.FunctionLogs = []model.FunctionLogEntry{{Message: "hello"}}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("created"))
	}

	req := httptest.NewRequest("POST", "/api/items", nil)
	req.Header.Set("User-Agent", "test-agent")
	req.Header.Set(RequestIDHeader, "rid-1")
	NewChain(RequestID(), resolveTenant, AccessLog(sink)).ThenFunc(handler).
		ServeHTTP(httptest.NewRecorder(), req)

	if len(sink.entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(sink.entries))
	}
	e := sink.entries[0]
	if e.AppID != "app-1" || e.RouteID != "route-9" || e.RequestID != "rid-1" {
		t.Errorf("unexpected ids: %+v", e)
	}
	if e.StatusCode != http.StatusCreated || e.BytesWritten != int64(len("created")) {
		t.Errorf("unexpected status/bytes: %d/%d", e.StatusCode, e.BytesWritten)
	}
	if e.Method != "POST" || e.Path != "/api/items" || e.UserAgent != "test-agent" {
		t.Errorf("unexpected request fields: %+v", e)
	}
	if e.AuthScheme != "partners" || len(e.FunctionLogs) != 1 {
		t.Errorf("expected auth scheme and function logs, got %+v", e)
	}
	if e.ID == "" || e.CreatedAt.IsZero() {
		t.Error("expected id and timestamp")
	}
}

func TestAccessLogSkipsUnresolvedTenant(t *testing.T) {
	sink := &captureSink{}
	NewChain(RequestID(), AccessLog(sink)).ThenFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	if len(sink.entries) != 0 {
		t.Errorf("expected no entries, got %d", len(sink.entries))
	}
}

func TestBuildEntryDuration(t *testing.T) {
	req := httptest.NewRequest("GET", "/x", nil)
	varCtx := &variables.Context{
		StartTime: time.Unix(100, 0),
		Spec:      &model.AppSpecification{ID: "a"},
		Status:    200,
	}
	e := buildEntry(varCtx, req, time.Unix(102, 0))
	if e.Duration != 2*time.Second {
		t.Errorf("expected 2s, got %v", e.Duration)
	}
	if e.Host != "example.com" {
		t.Errorf("expected request host, got %q", e.Host)
	}
}

func TestRecorderKeepsFirstStatus(t *testing.T) {
	rr := httptest.NewRecorder()
	rec := acquireRecorder(rr)
	rec.Write([]byte("ok"))
	rec.WriteHeader(http.StatusInternalServerError)

	if rec.status != http.StatusOK {
		t.Errorf("implicit 200 should stick, got %d", rec.status)
	}
	releaseRecorder(rec)
}

func TestMetricsMiddleware(t *testing.T) {
	c := metrics.NewCollector()
	Metrics(c)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if n, err := testutil.GatherAndCount(c.Registry(), "appgate_requests_total"); err != nil || n != 1 {
		t.Errorf("expected one requests_total series, got %d (%v)", n, err)
	}
}
