package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/receipt-idp/internal/core/domain"
)

var now = time.Date(2024, time.May, 1, 10, 0, 0, 0, time.UTC)

func newDoc(t *testing.T, s *DocumentStore) *domain.Document {
	t.Helper()
	doc := &domain.Document{
		ID:        domain.NewDocumentID(now),
		ImageRef:  "a.jpg",
		State:     domain.StateIngested,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.Create(context.Background(), doc); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return doc
}

func TestUpdateRequiresMatchingVersion(t *testing.T) {
	s := NewDocumentStore()
	doc := newDoc(t, s)

	stale := doc.Clone()
	next := doc.Clone()
	next.State = domain.StateExtracting
	if err := s.Update(context.Background(), next, doc.Version); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if next.Version != 2 {
		t.Fatalf("expected version 2, got %d", next.Version)
	}

	stale.State = domain.StateFailed
	if err := s.Update(context.Background(), stale, stale.Version); !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
}

func TestUpdateRejectsSkipsAndTerminalWrites(t *testing.T) {
	s := NewDocumentStore()
	doc := newDoc(t, s)

	skip := doc.Clone()
	skip.State = domain.StateRouted
	if err := s.Update(context.Background(), skip, doc.Version); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	failed := doc.Clone()
	failed.State = domain.StateFailed
	if err := s.Update(context.Background(), failed, doc.Version); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	late := failed.Clone()
	late.Error = "late duplicate"
	if err := s.Update(context.Background(), late, failed.Version); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("terminal document must reject updates, got %v", err)
	}
}

func TestConcurrentUpdatesSerializePerDocument(t *testing.T) {
	s := NewDocumentStore()
	doc := newDoc(t, s)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := doc.Clone()
			next.State = domain.StateExtracting
			if err := s.Update(context.Background(), next, doc.Version); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if successes != 1 {
		t.Fatalf("expected exactly one winner, got %d", successes)
	}
	transitions, _ := s.Transitions(context.Background(), doc.ID)
	if len(transitions) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(transitions))
	}
}

func TestReturnedDocumentsAreCopies(t *testing.T) {
	s := NewDocumentStore()
	doc := newDoc(t, s)

	got, _ := s.GetByID(context.Background(), doc.ID)
	got.State = domain.StateRejected
	got.ImageRef = "changed"

	again, _ := s.GetByID(context.Background(), doc.ID)
	if again.State != domain.StateIngested || again.ImageRef != "a.jpg" {
		t.Fatalf("store state leaked through returned pointer: %+v", again)
	}
}

func TestMarkDeletedAndListVisibility(t *testing.T) {
	s := NewDocumentStore()
	doc := newDoc(t, s)
	other := newDoc(t, s)

	if err := s.MarkDeleted(context.Background(), doc.ID, doc.Version, now); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("non-terminal delete must fail, got %v", err)
	}

	failed := doc.Clone()
	failed.State = domain.StateFailed
	if err := s.Update(context.Background(), failed, doc.Version); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if err := s.MarkDeleted(context.Background(), doc.ID, failed.Version, now); err != nil {
		t.Fatalf("MarkDeleted() error = %v", err)
	}

	page, err := s.List(context.Background(), domain.ListFilter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != other.ID {
		t.Fatalf("deleted document must be hidden, got %+v", page.Items)
	}

	got, err := s.GetByID(context.Background(), doc.ID)
	if err != nil || !got.IsDeleted() {
		t.Fatalf("deleted document remains readable for audit, got %+v %v", got, err)
	}
}

func TestListStaleSkipsTerminal(t *testing.T) {
	s := NewDocumentStore()
	active := newDoc(t, s)
	finished := newDoc(t, s)
	next := finished.Clone()
	next.State = domain.StateFailed
	if err := s.Update(context.Background(), next, finished.Version); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	stale, err := s.ListStale(context.Background(), now.Add(time.Second), 10)
	if err != nil {
		t.Fatalf("ListStale() error = %v", err)
	}
	if len(stale) != 1 || stale[0].ID != active.ID {
		t.Fatalf("expected only the active document, got %+v", stale)
	}
}

func TestCreateAllowsOneReviewChildPerParent(t *testing.T) {
	s := NewDocumentStore()
	parent := newDoc(t, s)
	child := func() *domain.Document {
		return &domain.Document{
			ID:        domain.NewDocumentID(now),
			ParentID:  parent.ID,
			Origin:    domain.OriginReview,
			State:     domain.StateAccepted,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	if err := s.Create(context.Background(), child()); err != nil {
		t.Fatalf("first review child: %v", err)
	}
	if err := s.Create(context.Background(), child()); !errors.Is(err, domain.ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
	resubmitted := child()
	resubmitted.Origin = domain.OriginResubmission
	resubmitted.State = domain.StateIngested
	if err := s.Create(context.Background(), resubmitted); err != nil {
		t.Fatalf("resubmission child must not be limited: %v", err)
	}
}
