// Package route turns a validation verdict and field confidences into a routing decision.
package route

import (
	"fmt"

	"github.com/kirillkom/receipt-idp/internal/core/domain"
)

const (
	DefaultThreshold = 0.85

	ReasonVerdictPass       = "verdict_pass"
	ReasonConfidenceMissing = "confidence_missing"
	reasonLowConfidence     = "low_confidence"
)

type Config struct {
	// Threshold is the inclusive minimum confidence for auto-accept. Zero selects
	// DefaultThreshold; configuration loading rejects values outside (0, 1].
	Threshold float64
}

type Router struct {
	threshold float64
}

func New(cfg Config) *Router {
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Router{threshold: threshold}
}

// Route decides the document's disposition. A warn violation always wins over a
// low-confidence field as the human_review reason.
func (r *Router) Route(verdict domain.ValidationVerdict, fields []domain.NormalizedField) domain.RoutingDecision {
	if verdict.Result == domain.VerdictFail {
		reason := "validation_failed"
		if v, ok := verdict.FirstBlocking(); ok {
			reason = v.Rule
		}
		return domain.RoutingDecision{Decision: domain.DecisionRejected, Reason: reason}
	}

	lowest, minConfidence, defined := lowestConfidence(fields)
	confident := defined && minConfidence >= r.threshold
	if verdict.Result == domain.VerdictPass && confident {
		return domain.RoutingDecision{Decision: domain.DecisionAutoAccept, Reason: ReasonVerdictPass}
	}

	if v, ok := verdict.FirstWarning(); ok {
		return domain.RoutingDecision{Decision: domain.DecisionHumanReview, Reason: v.Rule}
	}
	if !defined {
		return domain.RoutingDecision{Decision: domain.DecisionHumanReview, Reason: ReasonConfidenceMissing}
	}
	return domain.RoutingDecision{
		Decision: domain.DecisionHumanReview,
		Reason:   fmt.Sprintf("%s:%s", reasonLowConfidence, lowest),
	}
}

// lowestConfidence ignores fields without a confidence; ties keep the earliest field.
func lowestConfidence(fields []domain.NormalizedField) (domain.FieldName, float64, bool) {
	var (
		name    domain.FieldName
		minimum float64
		found   bool
	)
	for _, f := range fields {
		if f.Confidence == nil {
			continue
		}
		if !found || *f.Confidence < minimum {
			name, minimum, found = f.Name, *f.Confidence, true
		}
	}
	return name, minimum, found
}
