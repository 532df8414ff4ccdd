package extractor

import (
	"context"
	"errors"
	"testing"

	"github.com/kirillkom/receipt-idp/internal/core/domain"
)

type recordingExtractor struct {
	name  string
	calls *[]string
}

func (r recordingExtractor) Extract(_ context.Context, ref string) ([]domain.ExtractedField, error) {
	*r.calls = append(*r.calls, r.name+":"+ref)
	return []domain.ExtractedField{{Name: domain.FieldMerchant, Value: r.name}}, nil
}

func TestDispatcherRoutesByInputType(t *testing.T) {
	var calls []string
	d := NewDispatcher().
		Register(domain.InputImage, recordingExtractor{name: "vision", calls: &calls}).
		Register(domain.InputPDF, recordingExtractor{name: "pdf", calls: &calls}).
		Register(domain.InputJSON, recordingExtractor{name: "sidecar", calls: &calls})

	for _, ref := range []string{"a.JPG", "b.pdf", "c.json", "d.webp"} {
		if _, err := d.Extract(context.Background(), ref); err != nil {
			t.Fatalf("Extract(%s) error = %v", ref, err)
		}
	}
	want := []string{"vision:a.JPG", "pdf:b.pdf", "sidecar:c.json", "vision:d.webp"}
	if len(calls) != len(want) {
		t.Fatalf("expected %v, got %v", want, calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, calls)
		}
	}
}

func TestDispatcherRejectsUnsupportedType(t *testing.T) {
	_, err := NewDispatcher().Extract(context.Background(), "notes.txt")
	if !errors.Is(err, domain.ErrExtractionMalformedInput) {
		t.Fatalf("expected malformed input, got %v", err)
	}
}
