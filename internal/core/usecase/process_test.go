package usecase

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/receipt-idp/internal/core/domain"
	"github.com/kirillkom/receipt-idp/internal/infrastructure/repository/memory"
)

var testNow = time.Date(2024, time.March, 2, 9, 0, 0, 0, time.UTC)

func testPipelineConfig() PipelineConfig {
	cfg := DefaultPipelineConfig()
	cfg.Now = func() time.Time { return testNow }
	cfg.Validate.Now = cfg.Now
	cfg.Extraction = RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Multiplier:     2,
	}
	return cfg
}

func cafeRomaFields(lineItemConfidence float64) []domain.ExtractedField {
	return []domain.ExtractedField{
		{Name: domain.FieldMerchant, Value: "Cafe Roma", Confidence: domain.Confidence(0.95)},
		{Name: domain.FieldDate, Value: "2024-03-01", Confidence: domain.Confidence(0.97)},
		{Name: domain.FieldCurrency, Value: "USD", Confidence: domain.Confidence(0.99)},
		{Name: domain.FieldLineItem, Value: "$4.50", Confidence: domain.Confidence(lineItemConfidence)},
		{Name: domain.FieldTotal, Value: "$4.50", Confidence: domain.Confidence(0.98)},
	}
}

type extractorFake struct {
	mu     sync.Mutex
	calls  int
	errs   []error
	fields []domain.ExtractedField
	hook   func(call int)
}

func (f *extractorFake) Extract(context.Context, string) ([]domain.ExtractedField, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	var err error
	if call <= len(f.errs) {
		err = f.errs[call-1]
	} else if len(f.errs) > 0 && f.fields == nil {
		err = f.errs[len(f.errs)-1]
	}
	f.mu.Unlock()

	if f.hook != nil {
		f.hook(call)
	}
	if err != nil {
		return nil, err
	}
	return f.fields, nil
}

type notifierFake struct {
	mu     sync.Mutex
	events []domain.FinalizedEvent
}

func (f *notifierFake) PublishFinalized(_ context.Context, event domain.FinalizedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

type observerFake struct {
	mu          sync.Mutex
	transitions []domain.DocumentState
	attempts    []string
	decisions   []domain.Decision
}

func (f *observerFake) ObserveTransition(_, to domain.DocumentState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions = append(f.transitions, to)
}

func (f *observerFake) ObserveExtractionAttempt(outcome string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, outcome)
}

func (f *observerFake) ObserveDecision(decision domain.Decision) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decisions = append(f.decisions, decision)
}

// conflictStore fails the next n conditional updates with a version conflict.
type conflictStore struct {
	*memory.DocumentStore
	conflicts int
	updates   int
}

func (s *conflictStore) Update(ctx context.Context, doc *domain.Document, expectedVersion int64) error {
	s.updates++
	if s.conflicts > 0 {
		s.conflicts--
		return domain.WrapError(domain.ErrVersionConflict, "update document", errors.New("injected"))
	}
	return s.DocumentStore.Update(ctx, doc, expectedVersion)
}

func seedDocument(t *testing.T, store interface {
	Create(context.Context, *domain.Document) error
}, state domain.DocumentState, extracted []domain.ExtractedField) *domain.Document {
	t.Helper()
	doc := &domain.Document{
		ID:            domain.NewDocumentID(testNow),
		Origin:        domain.OriginSubmission,
		ImageRef:      "uploads/receipt.jpg",
		InputType:     domain.InputImage,
		CorrelationID: "req-1",
		State:         state,
		Extracted:     extracted,
		CreatedAt:     testNow,
		UpdatedAt:     testNow,
	}
	if err := store.Create(context.Background(), doc); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return doc
}

func historyStates(t *testing.T, store *memory.DocumentStore, id string) []domain.DocumentState {
	t.Helper()
	transitions, err := store.Transitions(context.Background(), id)
	if err != nil {
		t.Fatalf("Transitions() error = %v", err)
	}
	states := make([]domain.DocumentState, 0, len(transitions))
	for _, tr := range transitions {
		states = append(states, tr.To)
	}
	return states
}

func mustGet(t *testing.T, store *memory.DocumentStore, id string) *domain.Document {
	t.Helper()
	doc, err := store.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	return doc
}

func TestProcessByIDAutoAccepts(t *testing.T) {
	store := memory.NewDocumentStore()
	notifier := &notifierFake{}
	observer := &observerFake{}
	uc := NewProcessDocumentUseCase(store, &extractorFake{fields: cafeRomaFields(0.96)}, notifier, observer, testPipelineConfig())
	doc := seedDocument(t, store, domain.StateIngested, nil)

	if err := uc.ProcessByID(context.Background(), doc.ID); err != nil {
		t.Fatalf("ProcessByID() error = %v", err)
	}

	got := mustGet(t, store, doc.ID)
	if got.State != domain.StateAccepted {
		t.Fatalf("expected accepted, got %s", got.State)
	}
	if got.Verdict == nil || got.Verdict.Result != domain.VerdictPass {
		t.Fatalf("expected pass verdict, got %+v", got.Verdict)
	}
	if got.Decision == nil || got.Decision.Decision != domain.DecisionAutoAccept {
		t.Fatalf("expected auto_accept, got %+v", got.Decision)
	}
	if len(got.Normalized) != len(got.Extracted) {
		t.Fatalf("expected one normalized field per extracted field")
	}
	if got.ExtractionAttempts != 1 {
		t.Fatalf("expected 1 extraction attempt, got %d", got.ExtractionAttempts)
	}

	want := append(domain.PipelinePath(), domain.StateAccepted)
	if states := historyStates(t, store, doc.ID); !reflect.DeepEqual(states, want) {
		t.Fatalf("unexpected state path: %v", states)
	}
	if len(notifier.events) != 1 || notifier.events[0].Decision != domain.DecisionAutoAccept || notifier.events[0].CorrelationID != "req-1" {
		t.Fatalf("expected one finalized event, got %+v", notifier.events)
	}
	if !reflect.DeepEqual(observer.decisions, []domain.Decision{domain.DecisionAutoAccept}) {
		t.Fatalf("unexpected observed decisions: %v", observer.decisions)
	}
	if len(observer.transitions) != 6 {
		t.Fatalf("expected 6 observed transitions, got %v", observer.transitions)
	}
}

func TestProcessByIDRoutesLowConfidenceToReview(t *testing.T) {
	store := memory.NewDocumentStore()
	uc := NewProcessDocumentUseCase(store, &extractorFake{fields: cafeRomaFields(0.40)}, nil, nil, testPipelineConfig())
	doc := seedDocument(t, store, domain.StateIngested, nil)

	if err := uc.ProcessByID(context.Background(), doc.ID); err != nil {
		t.Fatalf("ProcessByID() error = %v", err)
	}
	got := mustGet(t, store, doc.ID)
	if got.State != domain.StateInReview {
		t.Fatalf("expected in_review, got %s", got.State)
	}
	if got.Decision.Reason != "low_confidence:line_item" {
		t.Fatalf("expected line_item reason, got %q", got.Decision.Reason)
	}
}

func TestProcessByIDRejectsUnreconciledTotal(t *testing.T) {
	store := memory.NewDocumentStore()
	fields := []domain.ExtractedField{
		{Name: domain.FieldMerchant, Value: "Cafe Roma", Confidence: domain.Confidence(0.95)},
		{Name: domain.FieldDate, Value: "2024-03-01", Confidence: domain.Confidence(0.97)},
		{Name: domain.FieldCurrency, Value: "USD", Confidence: domain.Confidence(0.99)},
		{Name: domain.FieldLineItem, Value: "$7.50", Confidence: domain.Confidence(0.96)},
		{Name: domain.FieldLineItem, Value: "$2.50", Confidence: domain.Confidence(0.96)},
		{Name: domain.FieldTax, Value: "$0.00", Confidence: domain.Confidence(0.96)},
		{Name: domain.FieldTotal, Value: "$12.00", Confidence: domain.Confidence(0.98)},
	}
	uc := NewProcessDocumentUseCase(store, &extractorFake{fields: fields}, nil, nil, testPipelineConfig())
	doc := seedDocument(t, store, domain.StateIngested, nil)

	if err := uc.ProcessByID(context.Background(), doc.ID); err != nil {
		t.Fatalf("ProcessByID() error = %v", err)
	}
	got := mustGet(t, store, doc.ID)
	if got.State != domain.StateRejected || got.Verdict.Result != domain.VerdictFail {
		t.Fatalf("expected rejected with fail verdict, got %s %+v", got.State, got.Verdict)
	}
	if got.Decision.Reason != "total_reconciliation" {
		t.Fatalf("expected reconciliation reason, got %q", got.Decision.Reason)
	}
}

func TestProcessByIDFailsAfterExactlyMaxAttempts(t *testing.T) {
	for _, maxAttempts := range []int{1, 3, 5} {
		store := memory.NewDocumentStore()
		extractor := &extractorFake{errs: []error{domain.ErrExtractionUnavailable}}
		notifier := &notifierFake{}
		cfg := testPipelineConfig()
		cfg.Extraction.MaxAttempts = maxAttempts
		uc := NewProcessDocumentUseCase(store, extractor, notifier, nil, cfg)
		doc := seedDocument(t, store, domain.StateIngested, nil)

		if err := uc.ProcessByID(context.Background(), doc.ID); err != nil {
			t.Fatalf("ProcessByID() error = %v", err)
		}
		if extractor.calls != maxAttempts {
			t.Fatalf("expected exactly %d attempts, got %d", maxAttempts, extractor.calls)
		}
		got := mustGet(t, store, doc.ID)
		if got.State != domain.StateFailed || got.FailureKind != domain.FailureExtractionUnavailable {
			t.Fatalf("expected failed/unavailable, got %s/%s", got.State, got.FailureKind)
		}
		if got.ExtractionAttempts != maxAttempts {
			t.Fatalf("expected %d recorded attempts, got %d", maxAttempts, got.ExtractionAttempts)
		}
		want := []domain.DocumentState{domain.StateIngested, domain.StateExtracting, domain.StateFailed}
		if states := historyStates(t, store, doc.ID); !reflect.DeepEqual(states, want) {
			t.Fatalf("unexpected state path: %v", states)
		}
		if len(notifier.events) != 1 || notifier.events[0].FailureKind != domain.FailureExtractionUnavailable {
			t.Fatalf("expected failure to be announced, got %+v", notifier.events)
		}
	}
}

func TestProcessByIDRecoversAfterTransientFailures(t *testing.T) {
	store := memory.NewDocumentStore()
	extractor := &extractorFake{
		errs:   []error{domain.ErrExtractionUnavailable, errors.New("connection reset")},
		fields: cafeRomaFields(0.96),
	}
	uc := NewProcessDocumentUseCase(store, extractor, nil, nil, testPipelineConfig())
	doc := seedDocument(t, store, domain.StateIngested, nil)

	if err := uc.ProcessByID(context.Background(), doc.ID); err != nil {
		t.Fatalf("ProcessByID() error = %v", err)
	}
	if extractor.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", extractor.calls)
	}
	if got := mustGet(t, store, doc.ID); got.State != domain.StateAccepted || got.ExtractionAttempts != 3 {
		t.Fatalf("expected accepted after 3 attempts, got %s/%d", got.State, got.ExtractionAttempts)
	}
}

func TestProcessByIDMalformedInputFailsWithoutRetry(t *testing.T) {
	store := memory.NewDocumentStore()
	extractor := &extractorFake{errs: []error{domain.WrapError(domain.ErrExtractionMalformedInput, "decode", errors.New("corrupt jpeg"))}}
	uc := NewProcessDocumentUseCase(store, extractor, nil, nil, testPipelineConfig())
	doc := seedDocument(t, store, domain.StateIngested, nil)

	if err := uc.ProcessByID(context.Background(), doc.ID); err != nil {
		t.Fatalf("ProcessByID() error = %v", err)
	}
	if extractor.calls != 1 {
		t.Fatalf("malformed input must not be retried, got %d calls", extractor.calls)
	}
	got := mustGet(t, store, doc.ID)
	if got.State != domain.StateFailed || got.FailureKind != domain.FailureMalformedInput {
		t.Fatalf("expected failed/malformed_input, got %s/%s", got.State, got.FailureKind)
	}
	if got.Error == "" {
		t.Fatalf("expected failure message")
	}
}

func TestProcessByIDRetriesVersionConflicts(t *testing.T) {
	store := &conflictStore{DocumentStore: memory.NewDocumentStore(), conflicts: 2}
	uc := NewProcessDocumentUseCase(store, &extractorFake{fields: cafeRomaFields(0.96)}, nil, nil, testPipelineConfig())
	doc := seedDocument(t, store, domain.StateIngested, nil)

	if err := uc.ProcessByID(context.Background(), doc.ID); err != nil {
		t.Fatalf("ProcessByID() error = %v", err)
	}
	if got := mustGet(t, store.DocumentStore, doc.ID); got.State != domain.StateAccepted {
		t.Fatalf("expected accepted, got %s", got.State)
	}
	if store.updates != 8 {
		t.Fatalf("expected 6 successful + 2 conflicting updates, got %d", store.updates)
	}
}

func TestProcessByIDSurfacesPersistentContention(t *testing.T) {
	store := &conflictStore{DocumentStore: memory.NewDocumentStore(), conflicts: 100}
	cfg := testPipelineConfig()
	cfg.ConflictRetries = 2
	uc := NewProcessDocumentUseCase(store, &extractorFake{fields: cafeRomaFields(0.96)}, nil, nil, cfg)
	doc := seedDocument(t, store, domain.StateIngested, nil)

	err := uc.ProcessByID(context.Background(), doc.ID)
	if !errors.Is(err, domain.ErrStoreContention) {
		t.Fatalf("expected store contention, got %v", err)
	}
	if store.updates != 3 {
		t.Fatalf("expected initial update plus 2 retries, got %d", store.updates)
	}
	if got := mustGet(t, store.DocumentStore, doc.ID); got.State != domain.StateIngested {
		t.Fatalf("expected document untouched, got %s", got.State)
	}
}

func TestProcessByIDIgnoresTerminalDocument(t *testing.T) {
	store := memory.NewDocumentStore()
	extractor := &extractorFake{fields: cafeRomaFields(0.96)}
	notifier := &notifierFake{}
	uc := NewProcessDocumentUseCase(store, extractor, notifier, nil, testPipelineConfig())
	doc := seedDocument(t, store, domain.StateIngested, nil)

	if err := uc.ProcessByID(context.Background(), doc.ID); err != nil {
		t.Fatalf("first ProcessByID() error = %v", err)
	}
	before := mustGet(t, store, doc.ID)
	if err := uc.ProcessByID(context.Background(), doc.ID); err != nil {
		t.Fatalf("duplicate ProcessByID() error = %v", err)
	}
	after := mustGet(t, store, doc.ID)
	if extractor.calls != 1 || len(notifier.events) != 1 {
		t.Fatalf("duplicate delivery must be a no-op, calls=%d events=%d", extractor.calls, len(notifier.events))
	}
	if after.Version != before.Version {
		t.Fatalf("terminal document version changed from %d to %d", before.Version, after.Version)
	}
}

func TestProcessByIDResumesFromStoredState(t *testing.T) {
	store := memory.NewDocumentStore()
	extractor := &extractorFake{errs: []error{errors.New("must not be called")}}
	uc := NewProcessDocumentUseCase(store, extractor, nil, nil, testPipelineConfig())
	doc := seedDocument(t, store, domain.StateIngested, cafeRomaFields(0.96))
	for _, state := range []domain.DocumentState{domain.StateExtracting, domain.StateExtracted} {
		next := mustGet(t, store, doc.ID)
		next.State = state
		if err := store.Update(context.Background(), next, next.Version); err != nil {
			t.Fatalf("Update() error = %v", err)
		}
	}

	if err := uc.ProcessByID(context.Background(), doc.ID); err != nil {
		t.Fatalf("ProcessByID() error = %v", err)
	}
	if extractor.calls != 0 {
		t.Fatalf("extraction must not rerun once extracted")
	}
	if got := mustGet(t, store, doc.ID); got.State != domain.StateAccepted {
		t.Fatalf("expected accepted, got %s", got.State)
	}
}

func TestProcessByIDStopsWhenCancelledDuringRetries(t *testing.T) {
	store := memory.NewDocumentStore()
	lifecycle := NewDocumentLifecycleUseCase(store, nil, testPipelineConfig())
	doc := seedDocument(t, store, domain.StateIngested, nil)

	extractor := &extractorFake{errs: []error{domain.ErrExtractionUnavailable}}
	extractor.hook = func(call int) {
		if call == 1 {
			if _, err := lifecycle.Cancel(context.Background(), doc.ID); err != nil {
				t.Errorf("Cancel() error = %v", err)
			}
		}
	}
	uc := NewProcessDocumentUseCase(store, extractor, nil, nil, testPipelineConfig())

	if err := uc.ProcessByID(context.Background(), doc.ID); err != nil {
		t.Fatalf("ProcessByID() error = %v", err)
	}
	if extractor.calls != 1 {
		t.Fatalf("expected retries to stop after cancellation, got %d calls", extractor.calls)
	}
	got := mustGet(t, store, doc.ID)
	if got.State != domain.StateFailed || got.FailureKind != domain.FailureCancelled {
		t.Fatalf("expected cancelled document, got %s/%s", got.State, got.FailureKind)
	}
}

func TestProcessByIDLeavesDocumentOnContextCancel(t *testing.T) {
	store := memory.NewDocumentStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	extractor := &extractorFake{errs: []error{domain.ErrExtractionUnavailable}}
	extractor.hook = func(int) { cancel() }
	uc := NewProcessDocumentUseCase(store, extractor, nil, nil, testPipelineConfig())
	doc := seedDocument(t, store, domain.StateIngested, nil)

	err := uc.ProcessByID(ctx, doc.ID)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	got := mustGet(t, store, doc.ID)
	if got.State != domain.StateExtracting {
		t.Fatalf("expected document left in extracting, got %s", got.State)
	}
	if got.ExtractionAttempts != 1 {
		t.Fatalf("interrupted attempt must still be recorded, got %d", got.ExtractionAttempts)
	}
}

func TestProcessByIDResumeKeepsAttemptBudget(t *testing.T) {
	store := memory.NewDocumentStore()
	extractor := &extractorFake{errs: []error{domain.ErrExtractionUnavailable}}
	doc := seedDocument(t, store, domain.StateIngested, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	extractor.hook = func(call int) {
		if call == 1 {
			time.AfterFunc(5*time.Millisecond, cancel)
		}
	}
	slow := testPipelineConfig()
	slow.Extraction.InitialBackoff = time.Hour
	slow.Extraction.MaxBackoff = time.Hour

	err := NewProcessDocumentUseCase(store, extractor, nil, nil, slow).ProcessByID(ctx, doc.ID)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected interruption during backoff, got %v", err)
	}
	if got := mustGet(t, store, doc.ID); got.State != domain.StateExtracting || got.ExtractionAttempts != 1 {
		t.Fatalf("expected extracting with 1 attempt, got %s/%d", got.State, got.ExtractionAttempts)
	}

	extractor.hook = nil
	if err := NewProcessDocumentUseCase(store, extractor, nil, nil, testPipelineConfig()).ProcessByID(context.Background(), doc.ID); err != nil {
		t.Fatalf("resumed ProcessByID() error = %v", err)
	}
	if extractor.calls != 3 {
		t.Fatalf("expected 3 calls across both runs, got %d", extractor.calls)
	}
	got := mustGet(t, store, doc.ID)
	if got.State != domain.StateFailed || got.FailureKind != domain.FailureExtractionUnavailable {
		t.Fatalf("expected failed/unavailable, got %s/%s", got.State, got.FailureKind)
	}
	if got.ExtractionAttempts != 3 {
		t.Fatalf("expected 3 recorded attempts, got %d", got.ExtractionAttempts)
	}
}

func TestProcessByIDFailsWhenBudgetAlreadySpent(t *testing.T) {
	store := memory.NewDocumentStore()
	doc := &domain.Document{
		ID:                 domain.NewDocumentID(testNow),
		Origin:             domain.OriginSubmission,
		ImageRef:           "uploads/receipt.jpg",
		InputType:          domain.InputImage,
		State:              domain.StateExtracting,
		ExtractionAttempts: 3,
		CreatedAt:          testNow,
		UpdatedAt:          testNow,
	}
	if err := store.Create(context.Background(), doc); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	extractor := &extractorFake{fields: cafeRomaFields(0.96)}

	if err := NewProcessDocumentUseCase(store, extractor, nil, nil, testPipelineConfig()).ProcessByID(context.Background(), doc.ID); err != nil {
		t.Fatalf("ProcessByID() error = %v", err)
	}
	if extractor.calls != 0 {
		t.Fatalf("spent budget must not call the extractor, got %d calls", extractor.calls)
	}
	got := mustGet(t, store, doc.ID)
	if got.State != domain.StateFailed || got.ExtractionAttempts != 3 {
		t.Fatalf("expected failed with 3 attempts, got %s/%d", got.State, got.ExtractionAttempts)
	}
}

func TestProcessByIDMissingDocument(t *testing.T) {
	uc := NewProcessDocumentUseCase(memory.NewDocumentStore(), &extractorFake{}, nil, nil, testPipelineConfig())
	err := uc.ProcessByID(context.Background(), domain.NewDocumentID(testNow))
	if !errors.Is(err, domain.ErrDocumentNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRetryPolicyBackoffSchedule(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, InitialBackoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond, Multiplier: 2}.normalize()
	wait := p.InitialBackoff
	var got []time.Duration
	for i := 0; i < 4; i++ {
		got = append(got, wait)
		wait = p.next(wait)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected schedule %v", got)
	}
}
