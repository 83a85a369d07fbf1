package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRecovery(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	rr := httptest.NewRecorder()
	Recovery()(handler).ServeHTTP(rr, httptest.NewRequest("GET", "/test", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "test panic") {
		t.Error("panic value must not leak outside debug mode")
	}
}

func TestRecoveryDebugDetails(t *testing.T) {
	var loggedErr interface{}
	var loggedStack []byte
	cfg := RecoveryConfig{
		PrintStack: true,
		Debug:      true,
		LogFunc: func(r *http.Request, err interface{}, stack []byte) {
			loggedErr = err
			loggedStack = stack
		},
	}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("custom panic")
	})

	rr := httptest.NewRecorder()
	RecoveryWithConfig(cfg)(handler).ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))

	if loggedErr != "custom panic" {
		t.Errorf("expected logged panic value, got %v", loggedErr)
	}
	if len(loggedStack) == 0 {
		t.Error("expected a stack trace")
	}

	var body struct {
		Code    int    `json:"code"`
		Details string `json:"details"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Code != 500 || !strings.Contains(body.Details, "custom panic") {
		t.Errorf("unexpected body %+v", body)
	}
}

func TestRecoveryNoPanic(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rr := httptest.NewRecorder()
	Recovery()(handler).ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))

	if rr.Code != http.StatusTeapot {
		t.Errorf("expected 418, got %d", rr.Code)
	}
}

func TestRecoveryCarriesRequestID(t *testing.T) {
	chain := NewChain(Recovery(), RequestID())
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(RequestIDHeader, "req-42")

	rr := httptest.NewRecorder()
	chain.ThenFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}).ServeHTTP(rr, req)

	if !strings.Contains(rr.Body.String(), `"request_id":"req-42"`) {
		t.Errorf("expected request id in body, got %s", rr.Body.String())
	}
}

func TestRecoveryRepanicsAbort(t *testing.T) {
	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Errorf("expected ErrAbortHandler to propagate, got %v", rec)
		}
	}()
	Recovery()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	})).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
}
