package route

import (
	"strings"
	"testing"
	"time"

	"github.com/kirillkom/receipt-idp/internal/core/domain"
	"github.com/kirillkom/receipt-idp/internal/core/normalize"
	"github.com/kirillkom/receipt-idp/internal/core/validate"
)

type fieldSpec struct {
	name       domain.FieldName
	value      string
	confidence float64
}

func cafeRoma(lineItemConfidence float64) []fieldSpec {
	return []fieldSpec{
		{domain.FieldMerchant, "Cafe Roma", 0.95},
		{domain.FieldDate, "2024-03-01", 0.97},
		{domain.FieldCurrency, "USD", 0.99},
		{domain.FieldLineItem, "$4.50", lineItemConfidence},
		{domain.FieldTotal, "$4.50", 0.98},
	}
}

func evaluate(t *testing.T, specs []fieldSpec) (domain.ValidationVerdict, domain.RoutingDecision) {
	t.Helper()
	extracted := make([]domain.ExtractedField, 0, len(specs))
	for _, s := range specs {
		extracted = append(extracted, domain.ExtractedField{Name: s.name, Value: s.value, Confidence: domain.Confidence(s.confidence)})
	}
	fields := normalize.New(normalize.Config{}).NormalizeAll(extracted)

	cfg := validate.DefaultConfig()
	cfg.Now = func() time.Time { return time.Date(2024, time.March, 2, 9, 0, 0, 0, time.UTC) }
	verdict := validate.New(cfg).Validate(fields)
	return verdict, New(Config{Threshold: 0.85}).Route(verdict, fields)
}

func TestRouteAutoAccept(t *testing.T) {
	verdict, decision := evaluate(t, cafeRoma(0.96))
	if verdict.Result != domain.VerdictPass {
		t.Fatalf("expected pass verdict, got %s %+v", verdict.Result, verdict.Violations)
	}
	if decision.Decision != domain.DecisionAutoAccept {
		t.Fatalf("expected auto_accept, got %+v", decision)
	}
}

func TestRouteHumanReviewOnLowConfidence(t *testing.T) {
	verdict, decision := evaluate(t, cafeRoma(0.40))
	if verdict.Result != domain.VerdictPass {
		t.Fatalf("expected pass verdict, got %s", verdict.Result)
	}
	if decision.Decision != domain.DecisionHumanReview {
		t.Fatalf("expected human_review, got %+v", decision)
	}
	if !strings.Contains(decision.Reason, string(domain.FieldLineItem)) {
		t.Fatalf("expected reason to reference line_item, got %q", decision.Reason)
	}
}

func TestRouteRejectsUnreconciledTotal(t *testing.T) {
	verdict, decision := evaluate(t, []fieldSpec{
		{domain.FieldMerchant, "Cafe Roma", 0.95},
		{domain.FieldDate, "2024-03-01", 0.97},
		{domain.FieldCurrency, "USD", 0.99},
		{domain.FieldLineItem, "$6.00", 0.96},
		{domain.FieldLineItem, "$4.00", 0.96},
		{domain.FieldTax, "$0.00", 0.96},
		{domain.FieldTotal, "$12.00", 0.98},
	})
	if verdict.Result != domain.VerdictFail {
		t.Fatalf("expected fail verdict, got %s", verdict.Result)
	}
	if decision.Decision != domain.DecisionRejected || decision.Reason != validate.RuleTotalReconciliation {
		t.Fatalf("expected rejected by total_reconciliation, got %+v", decision)
	}
}

func TestRouteWarnViolationWinsOverLowConfidence(t *testing.T) {
	verdict := domain.NewVerdict([]domain.Violation{{Rule: validate.RulePlausibleDate, Reason: "future"}})
	fields := []domain.NormalizedField{
		{Name: domain.FieldMerchant, Status: domain.NormalizationOK, Confidence: domain.Confidence(0.2)},
	}
	decision := New(Config{}).Route(verdict, fields)
	if decision.Decision != domain.DecisionHumanReview || decision.Reason != validate.RulePlausibleDate {
		t.Fatalf("expected warn rule as reason, got %+v", decision)
	}
}

func TestRouteWarnWithHighConfidenceStillNeedsReview(t *testing.T) {
	verdict := domain.NewVerdict([]domain.Violation{{Rule: validate.RuleMerchantMissing}})
	fields := []domain.NormalizedField{{Name: domain.FieldTotal, Confidence: domain.Confidence(0.99)}}
	if decision := New(Config{}).Route(verdict, fields); decision.Decision != domain.DecisionHumanReview {
		t.Fatalf("warn verdict must not auto-accept, got %+v", decision)
	}
}

func TestRouteThresholdIsInclusive(t *testing.T) {
	fields := []domain.NormalizedField{
		{Name: domain.FieldTotal, Confidence: domain.Confidence(0.85)},
		{Name: domain.FieldMerchant},
	}
	decision := New(Config{Threshold: 0.85}).Route(domain.NewVerdict(nil), fields)
	if decision.Decision != domain.DecisionAutoAccept {
		t.Fatalf("confidence equal to threshold should auto-accept, got %+v", decision)
	}
}

func TestRouteWithoutAnyConfidence(t *testing.T) {
	decision := New(Config{}).Route(domain.NewVerdict(nil), []domain.NormalizedField{{Name: domain.FieldTotal}})
	if decision.Decision != domain.DecisionHumanReview || decision.Reason != ReasonConfidenceMissing {
		t.Fatalf("expected review for missing confidences, got %+v", decision)
	}
}

func TestRouteLowestConfidenceTieKeepsFirstField(t *testing.T) {
	fields := []domain.NormalizedField{
		{Name: domain.FieldMerchant, Confidence: domain.Confidence(0.5)},
		{Name: domain.FieldTotal, Confidence: domain.Confidence(0.5)},
	}
	decision := New(Config{}).Route(domain.NewVerdict(nil), fields)
	if decision.Reason != "low_confidence:merchant" {
		t.Fatalf("expected first lowest field, got %q", decision.Reason)
	}
}
