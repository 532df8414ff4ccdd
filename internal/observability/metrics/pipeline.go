package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kirillkom/receipt-idp/internal/core/domain"
	"github.com/kirillkom/receipt-idp/internal/infrastructure/resilience"
)

// PipelineMetrics records state transitions, extraction attempts, routing
// decisions and resilience events of the document pipeline.
type PipelineMetrics struct {
	service string

	transitionsTotal *prometheus.CounterVec
	attemptsTotal    *prometheus.CounterVec
	decisionsTotal   *prometheus.CounterVec
	retriesTotal     *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec
}

func NewPipelineMetrics(registerer prometheus.Registerer, service string) *PipelineMetrics {
	m := &PipelineMetrics{
		service: service,
		transitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "transitions_total",
				Help:      "Document state transitions.",
			},
			[]string{"service", "from", "to"},
		),
		attemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "extraction_attempts_total",
				Help:      "Extraction attempts by outcome.",
			},
			[]string{"service", "outcome"},
		),
		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "routing_decisions_total",
				Help:      "Routing decisions by kind.",
			},
			[]string{"service", "decision"},
		),
		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "resilience",
				Name:      "retries_total",
				Help:      "Retried upstream calls by operation.",
			},
			[]string{"service", "operation"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "resilience",
				Name:      "breaker_open",
				Help:      "1 while the circuit breaker for an operation is open or half-open.",
			},
			[]string{"service", "operation"},
		),
	}
	registerer.MustRegister(m.transitionsTotal, m.attemptsTotal, m.decisionsTotal, m.retriesTotal, m.breakerState)
	return m
}

func (m *PipelineMetrics) ObserveTransition(from, to domain.DocumentState) {
	fromLabel := string(from)
	if fromLabel == "" {
		fromLabel = "none"
	}
	m.transitionsTotal.WithLabelValues(m.service, fromLabel, string(to)).Inc()
}

func (m *PipelineMetrics) ObserveExtractionAttempt(outcome string) {
	m.attemptsTotal.WithLabelValues(m.service, outcome).Inc()
}

func (m *PipelineMetrics) ObserveDecision(decision domain.Decision) {
	m.decisionsTotal.WithLabelValues(m.service, string(decision)).Inc()
}

// ResilienceHooks feeds executor retry and breaker events into these metrics.
func (m *PipelineMetrics) ResilienceHooks() resilience.Hooks {
	return resilience.Hooks{
		OnRetry: func(operation string, _ int, _ error) {
			m.retriesTotal.WithLabelValues(m.service, operation).Inc()
		},
		OnBreakerStateChange: func(operation, _, to string) {
			open := 0.0
			if to != "closed" {
				open = 1
			}
			m.breakerState.WithLabelValues(m.service, operation).Set(open)
		},
	}
}
