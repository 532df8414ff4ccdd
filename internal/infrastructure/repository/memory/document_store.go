// Package memory is an in-process document store used by tests and by
// single-node deployments without postgres.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kirillkom/receipt-idp/internal/core/domain"
)

type DocumentStore struct {
	mu          sync.RWMutex
	docs        map[string]*domain.Document
	transitions map[string][]domain.Transition
}

func NewDocumentStore() *DocumentStore {
	return &DocumentStore{
		docs:        make(map[string]*domain.Document),
		transitions: make(map[string][]domain.Transition),
	}
}

func (s *DocumentStore) Create(_ context.Context, doc *domain.Document) error {
	if doc == nil || doc.ID == "" {
		return domain.WrapError(domain.ErrInvalidInput, "create document", fmt.Errorf("document id is required"))
	}
	if !doc.State.Valid() {
		return domain.WrapError(domain.ErrInvalidInput, "create document", fmt.Errorf("invalid state %q", doc.State))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.docs[doc.ID]; exists {
		return domain.WrapError(domain.ErrVersionConflict, "create document", fmt.Errorf("document %s already exists", doc.ID))
	}
	if doc.Origin == domain.OriginReview {
		for _, existing := range s.docs {
			if existing.Origin == domain.OriginReview && existing.ParentID == doc.ParentID {
				return domain.WrapError(domain.ErrAlreadyResolved, "create document",
					fmt.Errorf("document %s already has a review resolution", doc.ParentID))
			}
		}
	}
	doc.Version = 1
	s.docs[doc.ID] = doc.Clone()
	s.transitions[doc.ID] = append(s.transitions[doc.ID], domain.Transition{
		DocumentID: doc.ID,
		To:         doc.State,
		Version:    doc.Version,
		At:         doc.CreatedAt,
	})
	return nil
}

func (s *DocumentStore) GetByID(_ context.Context, id string) (*domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id %s", id))
	}
	return doc.Clone(), nil
}

func (s *DocumentStore) Update(_ context.Context, doc *domain.Document, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.docs[doc.ID]
	if !ok {
		return domain.WrapError(domain.ErrDocumentNotFound, "update document", fmt.Errorf("id %s", doc.ID))
	}
	if err := domain.CheckConditionalUpdate(stored, doc.State, expectedVersion); err != nil {
		return err
	}

	doc.Version = expectedVersion + 1
	if stored.State != doc.State {
		s.transitions[doc.ID] = append(s.transitions[doc.ID], domain.Transition{
			DocumentID: doc.ID,
			From:       stored.State,
			To:         doc.State,
			Version:    doc.Version,
			At:         doc.UpdatedAt,
		})
	}
	next := doc.Clone()
	next.CreatedAt = stored.CreatedAt
	next.DeletedAt = stored.DeletedAt
	s.docs[doc.ID] = next
	return nil
}

func (s *DocumentStore) MarkDeleted(_ context.Context, id string, expectedVersion int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.docs[id]
	if !ok || stored.IsDeleted() {
		return domain.WrapError(domain.ErrDocumentNotFound, "delete document", fmt.Errorf("id %s", id))
	}
	if stored.Version != expectedVersion {
		return domain.WrapError(domain.ErrVersionConflict, "delete document", fmt.Errorf("id %s", id))
	}
	if !stored.State.IsTerminal() {
		return domain.WrapError(domain.ErrInvalidTransition, "delete document", fmt.Errorf("id %s is %s", id, stored.State))
	}

	deletedAt := at.UTC()
	stored.DeletedAt = &deletedAt
	stored.UpdatedAt = deletedAt
	stored.Version++
	return nil
}

func (s *DocumentStore) List(_ context.Context, filter domain.ListFilter) (domain.DocumentPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.docs))
	for id, doc := range s.docs {
		if doc.IsDeleted() {
			continue
		}
		if filter.State != "" && doc.State != filter.State {
			continue
		}
		if filter.Cursor != "" && id >= filter.Cursor {
			continue
		}
		ids = append(ids, id)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))

	page := domain.DocumentPage{Items: []domain.Document{}}
	limit := filter.Limit
	if limit <= 0 || limit > len(ids) {
		limit = len(ids)
	}
	for _, id := range ids[:limit] {
		page.Items = append(page.Items, *s.docs[id].Clone())
	}
	if limit < len(ids) {
		page.NextCursor = ids[limit-1]
	}
	return page, nil
}

func (s *DocumentStore) ListStale(_ context.Context, updatedBefore time.Time, limit int) ([]domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Document
	for _, doc := range s.docs {
		if doc.IsDeleted() || doc.State.IsTerminal() || !doc.UpdatedAt.Before(updatedBefore) {
			continue
		}
		out = append(out, *doc.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *DocumentStore) Transitions(_ context.Context, id string) ([]domain.Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.docs[id]; !ok {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "list transitions", fmt.Errorf("id %s", id))
	}
	return append([]domain.Transition(nil), s.transitions[id]...), nil
}
