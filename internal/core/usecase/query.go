package usecase

import (
	"context"
	"fmt"

	"github.com/kirillkom/receipt-idp/internal/core/domain"
	"github.com/kirillkom/receipt-idp/internal/core/ports"
)

const (
	DefaultListLimit = 30
	MaxListLimit     = 100
)

type QueryDocumentUseCase struct {
	store ports.DocumentStore
}

func NewQueryDocumentUseCase(store ports.DocumentStore) *QueryDocumentUseCase {
	return &QueryDocumentUseCase{store: store}
}

func (uc *QueryDocumentUseCase) GetByID(ctx context.Context, id string) (*domain.Document, error) {
	if !domain.ValidDocumentID(id) {
		return nil, domain.WrapError(domain.ErrInvalidInput, "get document", fmt.Errorf("malformed id %q", id))
	}
	doc, err := uc.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc.IsDeleted() {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("document %s is deleted", id))
	}
	return doc, nil
}

// List returns visible documents newest first.
func (uc *QueryDocumentUseCase) List(ctx context.Context, filter domain.ListFilter) (domain.DocumentPage, error) {
	if filter.State != "" && !filter.State.Valid() {
		return domain.DocumentPage{}, domain.WrapError(domain.ErrInvalidInput, "list documents", fmt.Errorf("unknown state %q", filter.State))
	}
	if filter.Cursor != "" && !domain.ValidDocumentID(filter.Cursor) {
		return domain.DocumentPage{}, domain.WrapError(domain.ErrInvalidInput, "list documents", fmt.Errorf("malformed cursor %q", filter.Cursor))
	}
	switch {
	case filter.Limit <= 0:
		filter.Limit = DefaultListLimit
	case filter.Limit > MaxListLimit:
		filter.Limit = MaxListLimit
	}

	page, err := uc.store.List(ctx, filter)
	if err != nil {
		return domain.DocumentPage{}, fmt.Errorf("list documents: %w", err)
	}
	if page.Items == nil {
		page.Items = []domain.Document{}
	}
	return page, nil
}

func (uc *QueryDocumentUseCase) History(ctx context.Context, id string) ([]domain.Transition, error) {
	if _, err := uc.GetByID(ctx, id); err != nil {
		return nil, err
	}
	transitions, err := uc.store.Transitions(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load transitions: %w", err)
	}
	return transitions, nil
}
