package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type FieldName string

const (
	FieldMerchant FieldName = "merchant"
	FieldDate     FieldName = "date"
	FieldCurrency FieldName = "currency"
	FieldLineItem FieldName = "line_item"
	FieldSubtotal FieldName = "subtotal"
	FieldTax      FieldName = "tax"
	FieldTotal    FieldName = "total"
)

func (n FieldName) Known() bool {
	switch n {
	case FieldMerchant, FieldDate, FieldCurrency, FieldLineItem, FieldSubtotal, FieldTax, FieldTotal:
		return true
	default:
		return false
	}
}

func (n FieldName) IsAmount() bool {
	switch n {
	case FieldLineItem, FieldSubtotal, FieldTax, FieldTotal:
		return true
	default:
		return false
	}
}

// ExtractedField is one candidate value reported by the extraction capability.
// Region is opaque and passed through untouched.
type ExtractedField struct {
	Name       FieldName       `json:"name"`
	Value      string          `json:"value"`
	Confidence *float64        `json:"confidence,omitempty"`
	Region     json.RawMessage `json:"region,omitempty"`
}

func (f ExtractedField) clone() ExtractedField {
	out := f
	if f.Confidence != nil {
		c := *f.Confidence
		out.Confidence = &c
	}
	if f.Region != nil {
		out.Region = append(json.RawMessage(nil), f.Region...)
	}
	return out
}

// Confidence is a convenience constructor for optional confidence scores.
func Confidence(v float64) *float64 {
	return &v
}

type NormalizationStatus string

const (
	NormalizationOK        NormalizationStatus = "ok"
	NormalizationFailed    NormalizationStatus = "failed"
	NormalizationAmbiguous NormalizationStatus = "ambiguous"
)

// NormalizedField is the typed form of exactly one ExtractedField.
// Value is nil whenever Status is not ok.
type NormalizedField struct {
	Name       FieldName           `json:"name"`
	Raw        string              `json:"raw"`
	Status     NormalizationStatus `json:"status"`
	Value      *FieldValue         `json:"value"`
	Confidence *float64            `json:"confidence,omitempty"`
	Reason     string              `json:"reason,omitempty"`
}

func (f NormalizedField) OK() bool {
	return f.Status == NormalizationOK && f.Value != nil
}

type FieldValue struct {
	Text     string           `json:"text,omitempty"`
	Date     *time.Time       `json:"date,omitempty"`
	Amount   *decimal.Decimal `json:"amount,omitempty"`
	Quantity *decimal.Decimal `json:"quantity,omitempty"`
	Currency string           `json:"currency,omitempty"`
}
