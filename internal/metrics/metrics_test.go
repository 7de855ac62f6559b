package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/books/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/books/42", nil))
	}

	got := testutil.ToFloat64(m.requests.WithLabelValues("GET", "/books/{id}", "418"))
	if got != 2 {
		t.Errorf("expected 2 requests recorded, got %v", got)
	}
}

func TestGenerationCounters(t *testing.T) {
	m := New()
	m.ObserveLLMCall("ok")
	m.ObserveLLMCall("rate_limited")
	m.ObserveLLMCall("ok")
	m.ObserveGeneration("ok", 12)

	if got := testutil.ToFloat64(m.llmCalls.WithLabelValues("ok")); got != 2 {
		t.Errorf("expected 2 ok calls, got %v", got)
	}
	if got := testutil.ToFloat64(m.generatedItems); got != 12 {
		t.Errorf("expected 12 items, got %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "qbank_generations_total") {
		t.Error("exposition should include qbank_generations_total")
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveLLMCall("ok")
	m.ObserveGeneration("ok", 1)

	called := false
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !called {
		t.Error("nil middleware should pass through")
	}
}
