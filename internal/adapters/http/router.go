package httpadapter

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/kirillkom/receipt-idp/internal/adapters/http/api"
	"github.com/kirillkom/receipt-idp/internal/config"
	"github.com/kirillkom/receipt-idp/internal/core/ports"
)

// SubmissionRecorder counts accepted submissions; metrics are optional.
type SubmissionRecorder interface {
	RecordSubmission(service, origin string)
	RecordExport(service string, err error)
}

type Router struct {
	cfg       config.Config
	submitter ports.DocumentSubmitter
	reader    ports.DocumentReader
	lifecycle ports.DocumentLifecycle
	exporter  ports.AcceptedExporter
	recorder  SubmissionRecorder
	validator *openAPIValidator
}

func NewRouter(
	cfg config.Config,
	submitter ports.DocumentSubmitter,
	reader ports.DocumentReader,
	lifecycle ports.DocumentLifecycle,
	exporter ports.AcceptedExporter,
) (*Router, error) {
	validator, err := newOpenAPIValidator()
	if err != nil {
		return nil, err
	}
	return &Router{
		cfg:       cfg,
		submitter: submitter,
		reader:    reader,
		lifecycle: lifecycle,
		exporter:  exporter,
		validator: validator,
	}, nil
}

func (rt *Router) WithRecorder(recorder SubmissionRecorder) *Router {
	rt.recorder = recorder
	return rt
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	mux.HandleFunc("GET /v1/openapi.yaml", rt.openAPISpec)

	mux.HandleFunc("POST /v1/documents", rt.submitDocument)
	mux.HandleFunc("GET /v1/documents", rt.listDocuments)
	mux.HandleFunc("GET /v1/documents/{id}", rt.getDocument)
	mux.HandleFunc("DELETE /v1/documents/{id}", rt.deleteDocument)
	mux.HandleFunc("GET /v1/documents/{id}/history", rt.documentHistory)
	mux.HandleFunc("POST /v1/documents/{id}/cancel", rt.cancelDocument)
	mux.HandleFunc("POST /v1/documents/{id}/resubmit", rt.resubmitDocument)
	mux.HandleFunc("POST /v1/documents/{id}/review", rt.reviewDocument)
	mux.HandleFunc("GET /v1/exports/accepted.xlsx", rt.exportAccepted)

	var handler http.Handler = rt.validator.middleware(mux)
	handler = backpressureMiddleware(handler, rt.cfg.APIMaxInFlight, rt.cfg.APIBackpressureWait)
	handler = rateLimitMiddleware(handler, rt.cfg.APIRateLimitRPS, rt.cfg.APIRateLimitBurst)
	handler = accessLogMiddleware(handler)
	return requestIDMiddleware(handler)
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) openAPISpec(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.Header().Set("Content-Length", fmt.Sprint(len(api.OpenAPISpec)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(api.OpenAPISpec)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
