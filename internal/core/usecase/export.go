package usecase

import (
	"context"
	"fmt"
	"io"

	"github.com/kirillkom/receipt-idp/internal/core/domain"
	"github.com/kirillkom/receipt-idp/internal/core/ports"
)

type ExportAcceptedUseCase struct {
	store    ports.DocumentStore
	exporter ports.ReceiptExporter
	maxRows  int
}

func NewExportAcceptedUseCase(store ports.DocumentStore, exporter ports.ReceiptExporter, maxRows int) *ExportAcceptedUseCase {
	if maxRows <= 0 {
		maxRows = 10000
	}
	return &ExportAcceptedUseCase{store: store, exporter: exporter, maxRows: maxRows}
}

// ExportAccepted writes every visible accepted document, newest first, up to maxRows.
func (uc *ExportAcceptedUseCase) ExportAccepted(ctx context.Context, w io.Writer) error {
	var docs []domain.Document
	filter := domain.ListFilter{State: domain.StateAccepted, Limit: MaxListLimit}
	for len(docs) < uc.maxRows {
		page, err := uc.store.List(ctx, filter)
		if err != nil {
			return fmt.Errorf("list accepted documents: %w", err)
		}
		docs = append(docs, page.Items...)
		if page.NextCursor == "" {
			break
		}
		filter.Cursor = page.NextCursor
	}
	if len(docs) > uc.maxRows {
		docs = docs[:uc.maxRows]
	}

	if err := uc.exporter.Write(w, docs); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	return nil
}
