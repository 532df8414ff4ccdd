package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/receipt-idp/internal/core/domain"
	"github.com/kirillkom/receipt-idp/internal/core/normalize"
	"github.com/kirillkom/receipt-idp/internal/core/ports"
	"github.com/kirillkom/receipt-idp/internal/core/route"
	"github.com/kirillkom/receipt-idp/internal/core/validate"
)

// Extraction attempt outcomes reported to the observer.
const (
	AttemptSuccess     = "success"
	AttemptUnavailable = "unavailable"
	AttemptMalformed   = "malformed"
)

// attemptWriteTimeout bounds the write that records a spent attempt after the caller gave up.
const attemptWriteTimeout = 5 * time.Second

// errSuperseded means another writer moved the document on while we were working.
var errSuperseded = errors.New("document superseded")

// ProcessDocumentUseCase sequences extraction, normalization, validation and
// routing for one document, persisting every state change through the store.
type ProcessDocumentUseCase struct {
	store      ports.DocumentStore
	extractor  ports.FieldExtractor
	notifier   ports.Notifier
	observer   ports.PipelineObserver
	normalizer *normalize.Normalizer
	validator  *validate.Validator
	router     *route.Router
	cfg        PipelineConfig
}

func NewProcessDocumentUseCase(
	store ports.DocumentStore,
	extractor ports.FieldExtractor,
	notifier ports.Notifier,
	observer ports.PipelineObserver,
	cfg PipelineConfig,
) *ProcessDocumentUseCase {
	cfg = cfg.normalize()
	if observer == nil {
		observer = noopObserver{}
	}
	return &ProcessDocumentUseCase{
		store:      store,
		extractor:  extractor,
		notifier:   notifier,
		observer:   observer,
		normalizer: normalize.New(cfg.Normalize),
		validator:  validate.New(cfg.Validate),
		router:     route.New(cfg.Route),
		cfg:        cfg,
	}
}

// ProcessByID drives the document from its stored state to a terminal state.
// Terminal or deleted documents are left untouched, so duplicate deliveries are harmless.
// Context cancellation leaves the document where it is for a later resume.
func (uc *ProcessDocumentUseCase) ProcessByID(ctx context.Context, documentID string) error {
	doc, err := uc.store.GetByID(ctx, documentID)
	if err != nil {
		return fmt.Errorf("fetch document by id: %w", err)
	}

	for !doc.IsDeleted() && !doc.State.IsTerminal() {
		if err := ctx.Err(); err != nil {
			return err
		}
		next, err := uc.step(ctx, doc)
		if err != nil {
			return fmt.Errorf("process document %s in state %s: %w", doc.ID, doc.State, err)
		}
		doc = next
	}

	slog.Debug("pipeline_done", "document_id", doc.ID, "state", doc.State, "correlation_id", doc.CorrelationID)
	return nil
}

func (uc *ProcessDocumentUseCase) step(ctx context.Context, doc *domain.Document) (*domain.Document, error) {
	switch doc.State {
	case domain.StateIngested:
		return uc.commit(ctx, doc, func(d *domain.Document) { d.State = domain.StateExtracting })
	case domain.StateExtracting:
		return uc.runExtraction(ctx, doc)
	case domain.StateExtracted:
		return uc.commit(ctx, doc, func(d *domain.Document) { d.State = domain.StateNormalizing })
	case domain.StateNormalizing:
		normalized := uc.normalizer.NormalizeAll(doc.Extracted)
		return uc.commit(ctx, doc, func(d *domain.Document) {
			d.State = domain.StateValidating
			d.Normalized = normalized
		})
	case domain.StateValidating:
		verdict := uc.validator.Validate(doc.Normalized)
		decision := uc.router.Route(verdict, doc.Normalized)
		return uc.commit(ctx, doc, func(d *domain.Document) {
			d.State = domain.StateRouted
			d.Verdict = &verdict
			d.Decision = &decision
		})
	case domain.StateRouted:
		if doc.Decision == nil {
			return uc.fail(ctx, doc, domain.FailureInternal, errors.New("routed document has no decision"), 0)
		}
		decision := doc.Decision.Decision
		return uc.commit(ctx, doc, func(d *domain.Document) { d.State = decision.TerminalState() })
	default:
		return nil, domain.WrapError(domain.ErrInvalidTransition, "pipeline step", fmt.Errorf("unexpected state %q", doc.State))
	}
}

// runExtraction spends what is left of the document's attempt budget. Attempts
// are persisted as they happen, so a resumed run never gets a fresh budget.
func (uc *ProcessDocumentUseCase) runExtraction(ctx context.Context, doc *domain.Document) (*domain.Document, error) {
	remaining := uc.cfg.Extraction.MaxAttempts - doc.ExtractionAttempts
	if remaining <= 0 {
		return uc.fail(ctx, doc, domain.FailureExtractionUnavailable,
			fmt.Errorf("extraction budget of %d attempts already spent", uc.cfg.Extraction.MaxAttempts), 0)
	}

	fields, current, err := uc.extract(ctx, doc, remaining)
	switch {
	case err == nil:
		return uc.commit(ctx, current, func(d *domain.Document) {
			d.State = domain.StateExtracted
			d.Extracted = fields
			d.ExtractionAttempts++
		})
	case errors.Is(err, errSuperseded):
		return uc.store.GetByID(ctx, doc.ID)
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, domain.ErrExtractionMalformedInput):
		return uc.fail(ctx, current, domain.FailureMalformedInput, err, 1)
	default:
		slog.Error("extraction_exhausted",
			"document_id", doc.ID,
			"attempts", current.ExtractionAttempts,
			"correlation_id", doc.CorrelationID,
			"error", err,
		)
		return uc.fail(ctx, current, domain.FailureExtractionUnavailable, err, 0)
	}
}

// extract calls the extractor up to budget times with exponential backoff.
// Only unavailable errors are retried; anything unclassified counts as unavailable.
// Each failed attempt is recorded before the next one, and the returned document
// is the latest stored copy.
func (uc *ProcessDocumentUseCase) extract(
	ctx context.Context,
	doc *domain.Document,
	budget int,
) ([]domain.ExtractedField, *domain.Document, error) {
	policy := uc.cfg.Extraction
	wait := policy.InitialBackoff
	current := doc

	var lastErr error
	for attempt := 1; attempt <= budget; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, wait); err != nil {
				return nil, current, err
			}
			wait = policy.next(wait)
			if err := uc.ensureCurrent(ctx, current); err != nil {
				return nil, current, err
			}
		}

		fields, err := uc.extractor.Extract(ctx, current.ImageRef)
		if err == nil {
			uc.observer.ObserveExtractionAttempt(AttemptSuccess)
			return fields, current, nil
		}
		if errors.Is(err, domain.ErrExtractionMalformedInput) && ctx.Err() == nil {
			uc.observer.ObserveExtractionAttempt(AttemptMalformed)
			return nil, current, err
		}

		uc.observer.ObserveExtractionAttempt(AttemptUnavailable)
		recorded, recErr := uc.recordAttempt(ctx, current)
		if recErr != nil {
			return nil, current, recErr
		}
		current = recorded
		if ctx.Err() != nil {
			return nil, current, ctx.Err()
		}

		if !errors.Is(err, domain.ErrExtractionUnavailable) {
			err = domain.WrapError(domain.ErrExtractionUnavailable, "extract fields", err)
		}
		lastErr = err
		slog.Warn("extraction_attempt_failed",
			"document_id", doc.ID,
			"attempt", current.ExtractionAttempts,
			"max_attempts", policy.MaxAttempts,
			"correlation_id", doc.CorrelationID,
			"error", err,
		)
	}
	return nil, current, lastErr
}

// recordAttempt persists one more spent attempt without changing state. The
// write survives caller cancellation: an interrupted call still used the budget.
func (uc *ProcessDocumentUseCase) recordAttempt(ctx context.Context, doc *domain.Document) (*domain.Document, error) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), attemptWriteTimeout)
	defer cancel()

	next, err := uc.commit(writeCtx, doc, func(d *domain.Document) { d.ExtractionAttempts++ })
	if err != nil {
		return nil, fmt.Errorf("record extraction attempt: %w", err)
	}
	if next.State != domain.StateExtracting || next.IsDeleted() {
		return nil, errSuperseded
	}
	return next, nil
}

// ensureCurrent stops a retry loop once the document was cancelled or otherwise moved on.
func (uc *ProcessDocumentUseCase) ensureCurrent(ctx context.Context, doc *domain.Document) error {
	latest, err := uc.store.GetByID(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("re-read document: %w", err)
	}
	if latest.Version != doc.Version || latest.IsDeleted() {
		return errSuperseded
	}
	return nil
}

func (uc *ProcessDocumentUseCase) fail(
	ctx context.Context,
	doc *domain.Document,
	kind domain.FailureKind,
	cause error,
	attempts int,
) (*domain.Document, error) {
	return uc.commit(ctx, doc, func(d *domain.Document) {
		d.State = domain.StateFailed
		d.FailureKind = kind
		d.Error = cause.Error()
		d.ExtractionAttempts += attempts
	})
}

// commit applies mutate to a copy of doc and writes it conditionally on doc's
// version. On a conflict the latest stored copy is re-read: if it has moved to
// another state the caller resumes from there, otherwise the change is reapplied.
func (uc *ProcessDocumentUseCase) commit(
	ctx context.Context,
	doc *domain.Document,
	mutate func(*domain.Document),
) (*domain.Document, error) {
	current := doc
	for round := 0; ; round++ {
		next := current.Clone()
		mutate(next)
		next.UpdatedAt = uc.cfg.Now().UTC()

		err := uc.store.Update(ctx, next, current.Version)
		if err == nil {
			uc.afterTransition(ctx, current.State, next)
			return next, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) {
			return nil, fmt.Errorf("update document: %w", err)
		}
		if round >= uc.cfg.ConflictRetries {
			return nil, domain.WrapError(domain.ErrStoreContention, "update document", err)
		}

		latest, getErr := uc.store.GetByID(ctx, doc.ID)
		if getErr != nil {
			return nil, fmt.Errorf("re-read after conflict: %w", getErr)
		}
		slog.Info("pipeline_version_conflict",
			"document_id", doc.ID,
			"expected_version", current.Version,
			"stored_version", latest.Version,
			"stored_state", latest.State,
			"round", round+1,
		)
		if latest.State != current.State || latest.IsDeleted() {
			return latest, nil
		}
		current = latest
	}
}

func (uc *ProcessDocumentUseCase) afterTransition(ctx context.Context, from domain.DocumentState, doc *domain.Document) {
	if from == doc.State {
		return
	}
	uc.observer.ObserveTransition(from, doc.State)
	if from == domain.StateRouted && doc.Decision != nil {
		uc.observer.ObserveDecision(doc.Decision.Decision)
	}
	slog.Info("pipeline_transition",
		"document_id", doc.ID,
		"from", from,
		"to", doc.State,
		"version", doc.Version,
		"correlation_id", doc.CorrelationID,
	)
	if doc.State.IsTerminal() {
		publishFinalized(ctx, uc.notifier, doc, uc.cfg.Now())
	}
}

func publishFinalized(ctx context.Context, notifier ports.Notifier, doc *domain.Document, now time.Time) {
	if notifier == nil {
		return
	}
	event := domain.FinalizedEvent{
		DocumentID:    doc.ID,
		ParentID:      doc.ParentID,
		State:         doc.State,
		FailureKind:   doc.FailureKind,
		CorrelationID: doc.CorrelationID,
		At:            now.UTC(),
	}
	if doc.Decision != nil {
		event.Decision = doc.Decision.Decision
		event.Reason = doc.Decision.Reason
	}
	if err := notifier.PublishFinalized(ctx, event); err != nil {
		slog.Error("finalized_publish_failed", "document_id", doc.ID, "state", doc.State, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type noopObserver struct{}

func (noopObserver) ObserveTransition(domain.DocumentState, domain.DocumentState) {}
func (noopObserver) ObserveExtractionAttempt(string) {}
func (noopObserver) ObserveDecision(domain.Decision) {}
