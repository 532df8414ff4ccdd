// Package validate applies receipt business rules to normalized fields.
package validate

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kirillkom/receipt-idp/internal/core/domain"
)

// Rule identifiers reported in violations and routing reasons.
const (
	RuleUnknownField        = "unknown_field"
	RuleAmountUnparseable   = "amount_unparseable"
	RuleCurrencyRecognized  = "currency_recognized"
	RulePlausibleDate       = "plausible_date"
	RuleTotalReconciliation = "total_reconciliation"
	RuleLineItemsMissing    = "line_items_missing"
	RuleSubtotalConsistency = "subtotal_consistency"
	RuleNegativeTotal       = "negative_total"
	RuleMerchantMissing     = "merchant_missing"
)

type Config struct {
	CurrencyAllowList []string
	// MaxAge is the retention horizon for receipt dates; zero disables the check.
	MaxAge    time.Duration
	ClockSkew time.Duration
	Tolerance decimal.Decimal
	Now       func() time.Time
}

func DefaultConfig() Config {
	return Config{
		CurrencyAllowList: []string{"USD", "EUR", "GBP", "CAD", "AUD", "MXN", "COP", "JPY"},
		MaxAge:            5 * 365 * 24 * time.Hour,
		ClockSkew:         24 * time.Hour,
		Tolerance:         decimal.New(2, -2),
		Now:               time.Now,
	}
}

type Validator struct {
	allowed   map[string]struct{}
	maxAge    time.Duration
	clockSkew time.Duration
	tolerance decimal.Decimal
	now       func() time.Time
}

func New(cfg Config) *Validator {
	allowed := make(map[string]struct{}, len(cfg.CurrencyAllowList))
	for _, code := range cfg.CurrencyAllowList {
		allowed[strings.ToUpper(strings.TrimSpace(code))] = struct{}{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Validator{
		allowed:   allowed,
		maxAge:    cfg.MaxAge,
		clockSkew: cfg.ClockSkew,
		tolerance: cfg.Tolerance.Abs(),
		now:       now,
	}
}

// Validate is deterministic for a fixed clock: rules run in a fixed order and
// violations are reported in that order.
func (v *Validator) Validate(fields []domain.NormalizedField) domain.ValidationVerdict {
	r := collect(fields)
	var violations []domain.Violation

	for _, name := range r.unknown {
		violations = append(violations, warn(RuleUnknownField, fmt.Sprintf("field %q is not recognized", name)))
	}
	for _, f := range r.unparseable {
		violations = append(violations, block(RuleAmountUnparseable, fmt.Sprintf("%s %q could not be parsed as an amount", f.Name, f.Raw)))
	}
	violations = append(violations, v.checkCurrency(r)...)
	violations = append(violations, v.checkDate(r)...)
	violations = append(violations, v.checkTotals(r)...)
	if r.merchant == nil || !r.merchant.OK() {
		violations = append(violations, warn(RuleMerchantMissing, "merchant name missing or unreadable"))
	}

	return domain.NewVerdict(violations)
}

type receipt struct {
	merchant    *domain.NormalizedField
	date        *domain.NormalizedField
	currency    *domain.NormalizedField
	subtotal    *domain.NormalizedField
	tax         *domain.NormalizedField
	total       *domain.NormalizedField
	lineItems   []decimal.Decimal
	unknown     []domain.FieldName
	unparseable []domain.NormalizedField
}

// collect keeps the first occurrence of every single-valued field.
func collect(fields []domain.NormalizedField) receipt {
	var r receipt
	first := func(slot **domain.NormalizedField, f domain.NormalizedField) {
		if *slot == nil {
			field := f
			*slot = &field
		}
	}
	for _, f := range fields {
		if !f.Name.Known() {
			r.unknown = append(r.unknown, f.Name)
			continue
		}
		if f.Name.IsAmount() && !f.OK() {
			r.unparseable = append(r.unparseable, f)
			continue
		}
		switch f.Name {
		case domain.FieldMerchant:
			first(&r.merchant, f)
		case domain.FieldDate:
			first(&r.date, f)
		case domain.FieldCurrency:
			first(&r.currency, f)
		case domain.FieldSubtotal:
			first(&r.subtotal, f)
		case domain.FieldTax:
			first(&r.tax, f)
		case domain.FieldTotal:
			first(&r.total, f)
		case domain.FieldLineItem:
			r.lineItems = append(r.lineItems, *f.Value.Amount)
		}
	}
	return r
}

func (v *Validator) checkCurrency(r receipt) []domain.Violation {
	if r.currency == nil {
		return []domain.Violation{block(RuleCurrencyRecognized, "currency missing")}
	}
	if !r.currency.OK() {
		return []domain.Violation{block(RuleCurrencyRecognized, fmt.Sprintf("currency %q not recognized", r.currency.Raw))}
	}
	if _, ok := v.allowed[r.currency.Value.Currency]; !ok {
		return []domain.Violation{block(RuleCurrencyRecognized, fmt.Sprintf("currency %s is not allowed", r.currency.Value.Currency))}
	}
	return nil
}

func (v *Validator) checkDate(r receipt) []domain.Violation {
	if r.date == nil {
		return []domain.Violation{block(RulePlausibleDate, "date missing")}
	}
	if !r.date.OK() || r.date.Value.Date == nil {
		return []domain.Violation{block(RulePlausibleDate, fmt.Sprintf("date %q could not be normalized", r.date.Raw))}
	}

	date := *r.date.Value.Date
	now := v.now().UTC()
	if date.After(now.Add(v.clockSkew)) {
		return []domain.Violation{warn(RulePlausibleDate, fmt.Sprintf("date %s is in the future", date.Format(time.DateOnly)))}
	}
	if v.maxAge > 0 && date.Before(now.Add(-v.maxAge)) {
		return []domain.Violation{warn(RulePlausibleDate, fmt.Sprintf("date %s is older than the retention horizon", date.Format(time.DateOnly)))}
	}
	return nil
}

func (v *Validator) checkTotals(r receipt) []domain.Violation {
	var out []domain.Violation
	if r.total == nil {
		for _, f := range r.unparseable {
			if f.Name == domain.FieldTotal {
				return out
			}
		}
		return append(out, block(RuleTotalReconciliation, "total missing"))
	}
	total := *r.total.Value.Amount
	if total.IsNegative() {
		out = append(out, warn(RuleNegativeTotal, fmt.Sprintf("total %s is negative", total.String())))
	}
	if len(r.unparseable) > 0 {
		// Sums over partially parsed amounts are meaningless; the parse failure already blocks.
		return out
	}

	tax := decimal.Zero
	if r.tax != nil {
		tax = *r.tax.Value.Amount
	}

	var base decimal.Decimal
	switch {
	case len(r.lineItems) > 0:
		base = decimal.Sum(decimal.Zero, r.lineItems...)
		if r.subtotal != nil && !v.within(base, *r.subtotal.Value.Amount) {
			out = append(out, warn(RuleSubtotalConsistency, fmt.Sprintf("line items sum to %s but subtotal is %s", base.String(), r.subtotal.Value.Amount.String())))
		}
	case r.subtotal != nil:
		base = *r.subtotal.Value.Amount
	default:
		return append(out, warn(RuleLineItemsMissing, "no line items or subtotal to reconcile against the total"))
	}

	expected := base.Add(tax)
	if !v.within(expected, total) {
		out = append(out, block(RuleTotalReconciliation, fmt.Sprintf("items plus tax come to %s but total is %s", expected.StringFixed(2), total.StringFixed(2))))
	}
	return out
}

// within reports |a-b| <= tolerance; the boundary itself passes.
func (v *Validator) within(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(v.tolerance)
}

func block(rule, reason string) domain.Violation {
	return domain.Violation{Rule: rule, Reason: reason, Blocking: true}
}

func warn(rule, reason string) domain.Violation {
	return domain.Violation{Rule: rule, Reason: reason}
}
