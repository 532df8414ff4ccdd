package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/kirillkom/receipt-idp/internal/core/domain"
	"github.com/kirillkom/receipt-idp/internal/core/ports"
)

type IngestDocumentUseCase struct {
	store   ports.DocumentStore
	storage ports.ObjectStorage
	queue   ports.MessageQueue
	now     func() time.Time
}

func NewIngestDocumentUseCase(
	store ports.DocumentStore,
	storage ports.ObjectStorage,
	queue ports.MessageQueue,
	now func() time.Time,
) *IngestDocumentUseCase {
	if now == nil {
		now = time.Now
	}
	return &IngestDocumentUseCase{
		store:   store,
		storage: storage,
		queue:   queue,
		now:     now,
	}
}

func (uc *IngestDocumentUseCase) Submit(ctx context.Context, req ports.SubmitRequest) (*domain.Document, error) {
	ref := strings.TrimSpace(req.ImageRef)
	if ref == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "submit document", errors.New("image_ref is required"))
	}
	return uc.create(ctx, uc.newDocument(ref, req.CorrelationID))
}

func (uc *IngestDocumentUseCase) Upload(
	ctx context.Context,
	filename string,
	body io.Reader,
	correlationID string,
) (*domain.Document, error) {
	now := uc.now().UTC()
	id := domain.NewDocumentID(now)
	storageKey := fmt.Sprintf("%s_%s", id, sanitizeFilename(filename))

	if err := uc.storage.Save(ctx, storageKey, body); err != nil {
		return nil, fmt.Errorf("save to object storage: %w", err)
	}

	doc := uc.newDocument(storageKey, correlationID)
	doc.ID = id
	return uc.create(ctx, doc)
}

// Resubmit starts a fresh document for a terminal parent. The parent is never
// mutated; the new document points back at it.
func (uc *IngestDocumentUseCase) Resubmit(
	ctx context.Context,
	parentID, imageRef, correlationID string,
) (*domain.Document, error) {
	parent, err := uc.store.GetByID(ctx, parentID)
	if err != nil {
		return nil, fmt.Errorf("fetch parent document: %w", err)
	}
	if parent.IsDeleted() {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "resubmit document", fmt.Errorf("document %s is deleted", parentID))
	}
	if !parent.State.IsTerminal() {
		return nil, domain.WrapError(
			domain.ErrInvalidTransition,
			"resubmit document",
			fmt.Errorf("document %s is still %s", parentID, parent.State),
		)
	}

	ref := strings.TrimSpace(imageRef)
	if ref == "" {
		ref = parent.ImageRef
	}
	if correlationID == "" {
		correlationID = parent.CorrelationID
	}
	doc := uc.newDocument(ref, correlationID)
	doc.ParentID = parent.ID
	doc.Origin = domain.OriginResubmission
	return uc.create(ctx, doc)
}

func (uc *IngestDocumentUseCase) newDocument(imageRef, correlationID string) *domain.Document {
	now := uc.now().UTC()
	return &domain.Document{
		ID:            domain.NewDocumentID(now),
		Origin:        domain.OriginSubmission,
		ImageRef:      imageRef,
		InputType:     domain.InputTypeFromRef(imageRef),
		CorrelationID: correlationID,
		State:         domain.StateIngested,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func (uc *IngestDocumentUseCase) create(ctx context.Context, doc *domain.Document) (*domain.Document, error) {
	if err := uc.store.Create(ctx, doc); err != nil {
		return nil, fmt.Errorf("create document record: %w", err)
	}
	if err := uc.queue.PublishDocumentSubmitted(ctx, doc.ID); err != nil {
		return nil, fmt.Errorf("publish submission event: %w", err)
	}
	return doc, nil
}

func sanitizeFilename(name string) string {
	base := filepath.Base(name)
	base = strings.ReplaceAll(base, " ", "_")
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if base == "" || base == "." || base == string(filepath.Separator) {
		return "receipt.bin"
	}
	return base
}
