package fieldjson

import (
	"testing"

	"github.com/kirillkom/receipt-idp/internal/core/domain"
)

func TestDecodeKeepsOrderAndLiterals(t *testing.T) {
	raw := []byte(`{"fields":[
		{"name":"Merchant","value":"Cafe Roma","confidence":0.97},
		{"name":"line_item","value":"2 x Espresso 3.00"},
		{"name":"total","value":12.50,"confidence":0.91,"region":{"x":10,"y":20}}
	]}`)

	fields, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(fields) != 3 {
		t.Fatalf("expected 3 fields, got %d", len(fields))
	}
	if fields[0].Name != domain.FieldMerchant || fields[0].Value != "Cafe Roma" {
		t.Fatalf("unexpected first field: %+v", fields[0])
	}
	if fields[1].Confidence != nil {
		t.Fatalf("missing confidence must stay undefined")
	}
	if fields[2].Value != "12.50" {
		t.Fatalf("expected numeric literal preserved, got %q", fields[2].Value)
	}
	if string(fields[2].Region) != `{"x":10,"y":20}` {
		t.Fatalf("expected region passthrough, got %s", fields[2].Region)
	}
}

func TestDecodeRejectsSchemaViolations(t *testing.T) {
	cases := map[string]string{
		"not json":      `total: 12`,
		"missing field": `{"items":[]}`,
		"missing value": `{"fields":[{"name":"total"}]}`,
		"empty name":    `{"fields":[{"name":"","value":"1"}]}`,
		"bad value":     `{"fields":[{"name":"total","value":{"amount":1}}]}`,
		"percent conf":  `{"fields":[{"name":"total","value":"1","confidence":95}]}`,
		"negative conf": `{"fields":[{"name":"total","value":"1","confidence":-0.2}]}`,
	}
	for name, raw := range cases {
		if _, err := Decode([]byte(raw)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestDecodeAcceptsConfidenceBounds(t *testing.T) {
	fields, err := Decode([]byte(`{"fields":[
		{"name":"total","value":"1","confidence":0},
		{"name":"tax","value":"0.1","confidence":1},
		{"name":"merchant","value":"Cafe","confidence":null}
	]}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if *fields[0].Confidence != 0 || *fields[1].Confidence != 1 || fields[2].Confidence != nil {
		t.Fatalf("unexpected confidences: %+v", fields)
	}
}

func TestExtractObject(t *testing.T) {
	got := ExtractObject("Here you go:\n{\"fields\":[]}\nThanks")
	if got != `{"fields":[]}` {
		t.Fatalf("unexpected object %q", got)
	}
}
