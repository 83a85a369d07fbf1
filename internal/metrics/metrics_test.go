package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorRecordRequest(t *testing.T) {
	c := NewCollector()

	c.RecordRequest(200, 100*time.Millisecond)
	c.RecordRequest(200, 200*time.Millisecond)
	c.RecordRequest(500, 50*time.Millisecond)

	if got := testutil.ToFloat64(c.requestsTotal.WithLabelValues("200")); got != 2 {
		t.Errorf("expected 2 requests with code 200, got %v", got)
	}
	if got := testutil.ToFloat64(c.requestsTotal.WithLabelValues("500")); got != 1 {
		t.Errorf("expected 1 request with code 500, got %v", got)
	}
	if n := testutil.CollectAndCount(c.requestDuration); n != 1 {
		t.Errorf("expected one duration histogram, got %d", n)
	}
}

func TestCollectorJobs(t *testing.T) {
	c := NewCollector()

	c.SetJobs(3, 7)
	c.RecordJobTimeout()
	c.RecordJobTimeout()

	if got := testutil.ToFloat64(c.jobsRunning); got != 3 {
		t.Errorf("expected 3 running, got %v", got)
	}
	if got := testutil.ToFloat64(c.jobsPending); got != 7 {
		t.Errorf("expected 7 pending, got %v", got)
	}
	if got := testutil.ToFloat64(c.jobsTimedOut); got != 2 {
		t.Errorf("expected 2 timeouts, got %v", got)
	}
}

func TestCollectorAccessLog(t *testing.T) {
	c := NewCollector()

	c.RecordLogsDropped(5)
	c.RecordLogsDropped(1)
	c.RecordFlushFailure()

	if got := testutil.ToFloat64(c.logsDropped); got != 6 {
		t.Errorf("expected 6 dropped, got %v", got)
	}
	if got := testutil.ToFloat64(c.logFlushFailures); got != 1 {
		t.Errorf("expected 1 flush failure, got %v", got)
	}
}

func TestCollectorHandler(t *testing.T) {
	c := NewCollector()
	c.RecordRequest(404, time.Millisecond)
	c.RecordSandbox("node", 2*time.Second)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	out := string(body)
	for _, want := range []string{
		`appgate_requests_total{code="404"} 1`,
		"appgate_request_duration_seconds_bucket",
		`appgate_sandbox_duration_seconds_count{runtime="node"} 1`,
		"appgate_jobs_running 0",
		"go_goroutines",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestCollectorsAreIndependent(t *testing.T) {
	a := NewCollector()
	b := NewCollector()

	a.RecordRequest(200, time.Millisecond)

	if got := testutil.ToFloat64(b.requestsTotal.WithLabelValues("200")); got != 0 {
		t.Errorf("collectors should not share state, got %v", got)
	}
}
