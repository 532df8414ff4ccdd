// Package normalize turns raw extracted receipt strings into typed values.
// It never fails: unparseable input yields a field tagged failed or ambiguous.
package normalize

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/kirillkom/receipt-idp/internal/core/domain"
)

type Config struct {
	// DateLayouts is tried in order; the first layout that parses wins.
	DateLayouts []string
}

func DefaultDateLayouts() []string {
	return []string{
		"2006-01-02",
		"2006/01/02",
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02 15:04",
		"01/02/2006",
		"1/2/2006",
		"01-02-2006",
		"02.01.2006",
		"2.1.2006",
		"Jan 2, 2006",
		"January 2, 2006",
		"Jan 2 2006",
		"2 Jan 2006",
		"02 Jan 2006",
		"2 January 2006",
		"01/02/06",
		"1/2/06",
	}
}

type Normalizer struct {
	layouts []string
}

func New(cfg Config) *Normalizer {
	layouts := cfg.DateLayouts
	if len(layouts) == 0 {
		layouts = DefaultDateLayouts()
	}
	return &Normalizer{layouts: append([]string(nil), layouts...)}
}

// NormalizeAll maps every extracted field onto exactly one normalized field, preserving order.
func (n *Normalizer) NormalizeAll(fields []domain.ExtractedField) []domain.NormalizedField {
	out := make([]domain.NormalizedField, 0, len(fields))
	for _, field := range fields {
		out = append(out, n.Normalize(field))
	}
	return out
}

func (n *Normalizer) Normalize(field domain.ExtractedField) domain.NormalizedField {
	out := domain.NormalizedField{
		Name:       field.Name,
		Raw:        field.Value,
		Confidence: checkConfidence(field.Confidence),
	}

	var (
		value *domain.FieldValue
		err   error
	)
	switch field.Name {
	case domain.FieldMerchant:
		value, err = normalizeMerchant(field.Value)
	case domain.FieldDate:
		value, err = n.normalizeDate(field.Value)
		if err != nil {
			out.Status = domain.NormalizationAmbiguous
			out.Reason = err.Error()
			return out
		}
	case domain.FieldCurrency:
		value, err = normalizeCurrency(field.Value)
	case domain.FieldLineItem:
		value, err = normalizeLineItem(field.Value)
	case domain.FieldSubtotal, domain.FieldTax, domain.FieldTotal:
		value, err = normalizeAmount(field.Value)
	default:
		err = fmt.Errorf("unknown field %q", field.Name)
	}
	if err != nil {
		out.Status = domain.NormalizationFailed
		out.Reason = err.Error()
		return out
	}

	out.Status = domain.NormalizationOK
	out.Value = value
	return out
}

// checkConfidence keeps a confidence only when it lies in [0, 1]; anything else
// is treated as undefined rather than coerced into range.
func checkConfidence(c *float64) *float64 {
	if c == nil || math.IsNaN(*c) || *c < 0 || *c > 1 {
		return nil
	}
	v := *c
	return &v
}

func normalizeMerchant(raw string) (*domain.FieldValue, error) {
	text := strings.Join(strings.Fields(raw), " ")
	if text == "" {
		return nil, errors.New("empty merchant")
	}
	return &domain.FieldValue{Text: text}, nil
}

func (n *Normalizer) normalizeDate(raw string) (*domain.FieldValue, error) {
	text := strings.Join(strings.Fields(raw), " ")
	if text == "" {
		return nil, errors.New("empty date")
	}
	for _, layout := range n.layouts {
		parsed, err := time.ParseInLocation(layout, text, time.UTC)
		if err != nil {
			continue
		}
		day := time.Date(parsed.Year(), parsed.Month(), parsed.Day(), 0, 0, 0, 0, time.UTC)
		return &domain.FieldValue{Date: &day}, nil
	}
	return nil, fmt.Errorf("no date layout matched %q", text)
}

var currencySymbols = map[string]string{
	"$":   "USD",
	"US$": "USD",
	"€":   "EUR",
	"£":   "GBP",
	"¥":   "JPY",
	"C$":  "CAD",
	"CA$": "CAD",
	"A$":  "AUD",
	"AU$": "AUD",
	"MX$": "MXN",
}

func normalizeCurrency(raw string) (*domain.FieldValue, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if iso, ok := currencySymbols[code]; ok {
		return &domain.FieldValue{Currency: iso}, nil
	}
	if len(code) != 3 {
		return nil, fmt.Errorf("unrecognized currency %q", raw)
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return nil, fmt.Errorf("unrecognized currency %q", raw)
		}
	}
	return &domain.FieldValue{Currency: code}, nil
}

func normalizeAmount(raw string) (*domain.FieldValue, error) {
	amount, err := ParseAmount(raw)
	if err != nil {
		return nil, err
	}
	return &domain.FieldValue{Amount: &amount}, nil
}

var (
	quantityPattern = regexp.MustCompile(`^\s*(\d+(?:[.,]\d+)?)\s*[xX×@*]\s*(.+)$`)
	amountToken     = regexp.MustCompile(`\(?[-−]?(?:[A-Z]{0,2}[$€£¥])?[-−]?\d[\d.,]*\)?-?`)
	// A minus sign counts only when attached to the number or its currency symbol,
	// so a separator dash as in "Pepsi - $1.99" is not read as a negative amount.
	attachedMinus   = regexp.MustCompile(`[-−](?:[A-Z]{0,3}[$€£¥]?)\d|[$€£¥][-−]\d|\d\)?[-−]$`)
)

func normalizeLineItem(raw string) (*domain.FieldValue, error) {
	text := strings.TrimSpace(raw)
	if m := quantityPattern.FindStringSubmatch(text); m != nil {
		qty, err := ParseAmount(m[1])
		if err != nil {
			return nil, err
		}
		unit, desc, err := splitAmount(m[2])
		if err != nil {
			return nil, err
		}
		total := unit.Mul(qty)
		return &domain.FieldValue{Text: desc, Amount: &total, Quantity: &qty}, nil
	}

	amount, desc, err := splitAmount(text)
	if err != nil {
		return nil, err
	}
	return &domain.FieldValue{Text: desc, Amount: &amount}, nil
}

// splitAmount takes the last amount-looking token as the price and the rest as description.
func splitAmount(text string) (decimal.Decimal, string, error) {
	locs := amountToken.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return decimal.Decimal{}, "", fmt.Errorf("no amount in %q", text)
	}
	last := locs[len(locs)-1]
	amount, err := ParseAmount(text[last[0]:last[1]])
	if err != nil {
		return decimal.Decimal{}, "", err
	}
	desc := strings.Join(strings.Fields(text[:last[0]]+" "+text[last[1]:]), " ")
	return amount, desc, nil
}

// ParseAmount converts a formatted money string into a fixed-point decimal.
// Currency symbols, codes and grouping separators are dropped; the rightmost
// of '.' or ',' is the decimal separator when both appear.
func ParseAmount(raw string) (decimal.Decimal, error) {
	text := strings.TrimSpace(raw)
	negative := (strings.HasPrefix(text, "(") && strings.HasSuffix(text, ")")) || attachedMinus.MatchString(text)

	var digits strings.Builder
	seenDigit := false
	for _, r := range text {
		switch {
		case unicode.IsDigit(r):
			seenDigit = true
			digits.WriteRune(r)
		case r == '.' || r == ',':
			if seenDigit {
				digits.WriteRune(r)
			}
		}
	}
	if !seenDigit {
		return decimal.Decimal{}, fmt.Errorf("no digits in amount %q", raw)
	}

	number := canonicalSeparators(strings.TrimRight(digits.String(), ".,"))
	amount, err := decimal.NewFromString(number)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse amount %q: %w", raw, err)
	}
	if negative {
		amount = amount.Neg()
	}
	return amount, nil
}

func canonicalSeparators(number string) string {
	lastDot := strings.LastIndex(number, ".")
	lastComma := strings.LastIndex(number, ",")

	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			number = strings.ReplaceAll(number, ".", "")
			return strings.Replace(number, ",", ".", 1)
		}
		return strings.ReplaceAll(number, ",", "")
	case lastComma >= 0:
		if strings.Count(number, ",") == 1 && len(number)-lastComma-1 <= 2 {
			return strings.Replace(number, ",", ".", 1)
		}
		return strings.ReplaceAll(number, ",", "")
	case strings.Count(number, ".") > 1:
		return strings.ReplaceAll(number, ".", "")
	default:
		return number
	}
}
