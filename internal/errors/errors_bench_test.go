package errors

import (
	"fmt"
	"net/http/httptest"
	"testing"
)

func BenchmarkRespondBase(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		Respond(httptest.NewRecorder(), ErrAppNotFound, "", false)
	}
}

func BenchmarkRespondWrapped(b *testing.B) {
	err := fmt.Errorf("resolve: %w", ErrRouteNotFound.WithDetails("GET /missing"))
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		Respond(httptest.NewRecorder(), err, "req-1", false)
	}
}
