package ports

import (
	"context"
	"io"
	"time"

	"github.com/kirillkom/receipt-idp/internal/core/domain"
)

// DocumentStore is the sole owner of document state. Update is a conditional
// write: it fails with domain.ErrVersionConflict when the stored version differs
// from expectedVersion and with domain.ErrInvalidTransition when the state change
// is not a lifecycle edge. On success doc.Version is advanced.
type DocumentStore interface {
	Create(ctx context.Context, doc *domain.Document) error
	GetByID(ctx context.Context, id string) (*domain.Document, error)
	Update(ctx context.Context, doc *domain.Document, expectedVersion int64) error
	MarkDeleted(ctx context.Context, id string, expectedVersion int64, at time.Time) error
	List(ctx context.Context, filter domain.ListFilter) (domain.DocumentPage, error)
	ListStale(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Document, error)
	Transitions(ctx context.Context, id string) ([]domain.Transition, error)
}

// FieldExtractor invokes the external extraction capability on a stored image.
// Errors are domain.ErrExtractionUnavailable (retryable) or
// domain.ErrExtractionMalformedInput (permanent).
type FieldExtractor interface {
	Extract(ctx context.Context, imageRef string) ([]domain.ExtractedField, error)
}

// ObjectStorage stores source images.
type ObjectStorage interface {
	Save(ctx context.Context, key string, data io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// MessageQueue publishes/consumes submission events.
type MessageQueue interface {
	PublishDocumentSubmitted(ctx context.Context, documentID string) error
	SubscribeDocumentSubmitted(ctx context.Context, handler func(context.Context, string) error) error
}

// Notifier announces documents that reached a terminal state.
type Notifier interface {
	PublishFinalized(ctx context.Context, event domain.FinalizedEvent) error
}

// PipelineObserver receives pipeline telemetry. Implementations must be cheap and non-blocking.
type PipelineObserver interface {
	ObserveTransition(from, to domain.DocumentState)
	ObserveExtractionAttempt(outcome string)
	ObserveDecision(decision domain.Decision)
}

// ReceiptExporter renders accepted documents into a spreadsheet.
type ReceiptExporter interface {
	Write(w io.Writer, docs []domain.Document) error
}
