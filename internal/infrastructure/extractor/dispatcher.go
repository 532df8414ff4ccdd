// Package extractor routes extraction requests to the adapter that handles
// the document's input type.
package extractor

import (
	"context"
	"fmt"

	"github.com/kirillkom/receipt-idp/internal/core/domain"
	"github.com/kirillkom/receipt-idp/internal/core/ports"
)

type Dispatcher struct {
	byType map[domain.InputType]ports.FieldExtractor
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{byType: make(map[domain.InputType]ports.FieldExtractor)}
}

// Register binds an adapter to an input type. Later registrations win.
func (d *Dispatcher) Register(inputType domain.InputType, extractor ports.FieldExtractor) *Dispatcher {
	if extractor != nil {
		d.byType[inputType] = extractor
	}
	return d
}

func (d *Dispatcher) Extract(ctx context.Context, imageRef string) ([]domain.ExtractedField, error) {
	inputType := domain.InputTypeFromRef(imageRef)
	extractor, ok := d.byType[inputType]
	if !ok {
		return nil, domain.WrapError(
			domain.ErrExtractionMalformedInput,
			"dispatch extraction",
			fmt.Errorf("unsupported input type %q for %s", inputType, imageRef),
		)
	}
	return extractor.Extract(ctx, imageRef)
}
