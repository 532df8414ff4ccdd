package ports

import (
	"context"
	"io"

	"github.com/kirillkom/receipt-idp/internal/core/domain"
)

type SubmitRequest struct {
	ImageRef      string
	CorrelationID string
}

// DocumentSubmitter is the inbound contract for starting document processing.
type DocumentSubmitter interface {
	Submit(ctx context.Context, req SubmitRequest) (*domain.Document, error)
	Upload(ctx context.Context, filename string, body io.Reader, correlationID string) (*domain.Document, error)
	Resubmit(ctx context.Context, parentID, imageRef, correlationID string) (*domain.Document, error)
}

// DocumentReader is the inbound read model for document state and output.
type DocumentReader interface {
	GetByID(ctx context.Context, id string) (*domain.Document, error)
	List(ctx context.Context, filter domain.ListFilter) (domain.DocumentPage, error)
	History(ctx context.Context, id string) ([]domain.Transition, error)
}

// DocumentProcessor is the inbound contract for asynchronous document processing.
type DocumentProcessor interface {
	ProcessByID(ctx context.Context, documentID string) error
}

// DocumentLifecycle covers operator actions on existing documents.
type DocumentLifecycle interface {
	Cancel(ctx context.Context, id string) (*domain.Document, error)
	Delete(ctx context.Context, id string) error
	Resolve(ctx context.Context, id string, resolution domain.ReviewResolution) (*domain.Document, error)
}

type AcceptedExporter interface {
	ExportAccepted(ctx context.Context, w io.Writer) error
}
