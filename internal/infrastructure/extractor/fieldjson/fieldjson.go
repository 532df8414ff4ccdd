// Package fieldjson decodes extraction payloads of the form
// {"fields":[{"name":..,"value":..,"confidence":..,"region":..}]}
// after checking them against a JSON schema.
package fieldjson

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kirillkom/receipt-idp/internal/core/domain"
)

const schemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["fields"],
  "properties": {
    "fields": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "value"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "value": {"type": ["string", "number"]},
          "confidence": {"type": ["number", "null"], "minimum": 0, "maximum": 1},
          "region": {}
        }
      }
    }
  }
}`

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("extraction.json", strings.NewReader(schemaJSON)); err != nil {
			compileErr = fmt.Errorf("add schema: %w", err)
			return
		}
		compiled, compileErr = compiler.Compile("extraction.json")
	})
	return compiled, compileErr
}

type wireField struct {
	Name       string          `json:"name"`
	Value      json.RawMessage `json:"value"`
	Confidence *float64        `json:"confidence"`
	Region     json.RawMessage `json:"region"`
}

// Decode validates raw against the extraction schema and returns the fields in
// document order. Numeric values keep their literal text.
func Decode(raw []byte) ([]domain.ExtractedField, error) {
	s, err := schema()
	if err != nil {
		return nil, err
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("decode extraction json: %w", err)
	}
	if err := s.Validate(generic); err != nil {
		return nil, fmt.Errorf("extraction json does not match schema: %w", err)
	}

	var payload struct {
		Fields []wireField `json:"fields"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode extraction fields: %w", err)
	}

	fields := make([]domain.ExtractedField, 0, len(payload.Fields))
	for _, wf := range payload.Fields {
		field := domain.ExtractedField{
			Name:       domain.FieldName(strings.ToLower(strings.TrimSpace(wf.Name))),
			Value:      valueText(wf.Value),
			Confidence: wf.Confidence,
		}
		if len(wf.Region) > 0 && !bytes.Equal(wf.Region, []byte("null")) {
			field.Region = append(json.RawMessage(nil), wf.Region...)
		}
		fields = append(fields, field)
	}
	return fields, nil
}

func valueText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

// ExtractObject trims any prose a model wraps around its JSON answer.
func ExtractObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}
