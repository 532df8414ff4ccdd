package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/receipt-idp/internal/core/domain"
)

func scrape(t *testing.T, handler http.Handler) string {
	t.Helper()
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("scrape status %d", res.Code)
	}
	return res.Body.String()
}

func expectSample(t *testing.T, exposition, sample string) {
	t.Helper()
	if !strings.Contains(exposition, sample) {
		t.Fatalf("expected sample %q in exposition:\n%s", sample, exposition)
	}
}

func TestNormalizePath(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{in: "/v1/documents", want: "/v1/documents"},
		{in: "/v1/documents/01HQ0000000000000000000001", want: "/v1/documents/{id}"},
		{in: "/v1/documents/01HQ0000000000000000000001/history", want: "/v1/documents/{id}/history"},
		{in: "/healthz", want: "/healthz"},
	}
	for _, tc := range cases {
		if got := normalizePath(tc.in); got != tc.want {
			t.Fatalf("normalizePath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestPipelineMetricsCountsEvents(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewPipelineMetrics(registry, "worker")

	m.ObserveTransition("", domain.StateIngested)
	m.ObserveTransition(domain.StateIngested, domain.StateExtracting)
	m.ObserveExtractionAttempt("unavailable")
	m.ObserveExtractionAttempt("success")
	m.ObserveDecision(domain.DecisionAutoAccept)

	hooks := m.ResilienceHooks()
	hooks.OnRetry("nats.publish", 1, errors.New("timeout"))
	hooks.OnBreakerStateChange("ollama.generate", "closed", "open")

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	out := scrape(t, handler)
	expectSample(t, out, `receipts_pipeline_transitions_total{from="none",service="worker",to="ingested"} 1`)
	expectSample(t, out, `receipts_pipeline_extraction_attempts_total{outcome="unavailable",service="worker"} 1`)
	expectSample(t, out, `receipts_pipeline_routing_decisions_total{decision="auto_accept",service="worker"} 1`)
	expectSample(t, out, `receipts_resilience_retries_total{operation="nats.publish",service="worker"} 1`)
	expectSample(t, out, `receipts_resilience_breaker_open{operation="ollama.generate",service="worker"} 1`)

	hooks.OnBreakerStateChange("ollama.generate", "half-open", "closed")
	expectSample(t, scrape(t, handler), `receipts_resilience_breaker_open{operation="ollama.generate",service="worker"} 0`)
}

func TestHTTPMiddlewareRecordsStatus(t *testing.T) {
	m := NewHTTPServerMetrics("api")
	handler := m.Middleware("api", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/documents", nil))
	m.RecordSubmission("api", "upload")

	out := scrape(t, m.Handler())
	expectSample(t, out, `receipts_http_requests_total{method="POST",path="/v1/documents",service="api",status="202"} 1`)
	expectSample(t, out, `receipts_api_documents_submitted_total{origin="upload",service="api"} 1`)
}

func TestWorkerMetricsTracksOutcome(t *testing.T) {
	m := NewWorkerMetrics("worker")
	m.StartDocument()
	m.FinishDocument("worker", 0, errors.New("boom"))

	out := scrape(t, m.Handler())
	expectSample(t, out, `receipts_worker_document_process_total{service="worker",status="error"} 1`)
	expectSample(t, out, `receipts_worker_document_process_in_flight{service="worker"} 0`)
}

func TestProcessStatus(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{err: nil, want: "success"},
		{err: context.DeadlineExceeded, want: "interrupted"},
		{err: domain.WrapError(domain.ErrStoreContention, "commit", errors.New("x")), want: "contention"},
		{err: errors.New("boom"), want: "error"},
	}
	for _, tc := range cases {
		if got := processStatus(tc.err); got != tc.want {
			t.Fatalf("processStatus(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
