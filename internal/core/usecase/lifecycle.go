package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kirillkom/receipt-idp/internal/core/domain"
	"github.com/kirillkom/receipt-idp/internal/core/normalize"
	"github.com/kirillkom/receipt-idp/internal/core/ports"
	"github.com/kirillkom/receipt-idp/internal/core/validate"
)

// DocumentLifecycleUseCase handles cancellation, logical deletion and
// human review resolution.
type DocumentLifecycleUseCase struct {
	store      ports.DocumentStore
	notifier   ports.Notifier
	normalizer *normalize.Normalizer
	validator  *validate.Validator
	cfg        PipelineConfig
}

func NewDocumentLifecycleUseCase(store ports.DocumentStore, notifier ports.Notifier, cfg PipelineConfig) *DocumentLifecycleUseCase {
	cfg = cfg.normalize()
	return &DocumentLifecycleUseCase{
		store:      store,
		notifier:   notifier,
		normalizer: normalize.New(cfg.Normalize),
		validator:  validate.New(cfg.Validate),
		cfg:        cfg,
	}
}

// Cancel moves a document that has not finished extraction to failed.
func (uc *DocumentLifecycleUseCase) Cancel(ctx context.Context, id string) (*domain.Document, error) {
	var cancelled *domain.Document
	err := uc.retryOnConflict(ctx, "cancel document", func() error {
		doc, err := uc.loadVisible(ctx, id)
		if err != nil {
			return err
		}
		if !doc.State.Cancellable() {
			return domain.WrapError(domain.ErrNotCancellable, "cancel document", fmt.Errorf("document %s is %s", id, doc.State))
		}

		next := doc.Clone()
		next.State = domain.StateFailed
		next.FailureKind = domain.FailureCancelled
		next.Error = "cancelled by request"
		next.UpdatedAt = uc.cfg.Now().UTC()
		if err := uc.store.Update(ctx, next, doc.Version); err != nil {
			return err
		}
		cancelled = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("document_cancelled", "document_id", id, "correlation_id", cancelled.CorrelationID)
	publishFinalized(ctx, uc.notifier, cancelled, uc.cfg.Now())
	return cancelled, nil
}

// Delete hides a terminal document. Its record and transition history are kept.
func (uc *DocumentLifecycleUseCase) Delete(ctx context.Context, id string) error {
	return uc.retryOnConflict(ctx, "delete document", func() error {
		doc, err := uc.loadVisible(ctx, id)
		if err != nil {
			return err
		}
		if !doc.State.IsTerminal() {
			return domain.WrapError(
				domain.ErrInvalidTransition,
				"delete document",
				fmt.Errorf("document %s is still %s", id, doc.State),
			)
		}
		return uc.store.MarkDeleted(ctx, id, doc.Version, uc.cfg.Now().UTC())
	})
}

// Resolve records a reviewer's decision as a new terminal document linked to
// the reviewed one. Corrections are normalized and validated again; a document
// with blocking violations cannot be accepted. The store admits one resolution
// per document; a second one fails with domain.ErrAlreadyResolved.
func (uc *DocumentLifecycleUseCase) Resolve(
	ctx context.Context,
	id string,
	resolution domain.ReviewResolution,
) (*domain.Document, error) {
	reviewer := strings.TrimSpace(resolution.Reviewer)
	if reviewer == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "resolve review", errors.New("reviewer is required"))
	}

	parent, err := uc.loadVisible(ctx, id)
	if err != nil {
		return nil, err
	}
	if parent.State != domain.StateInReview {
		return nil, domain.WrapError(
			domain.ErrInvalidTransition,
			"resolve review",
			fmt.Errorf("document %s is %s, not %s", id, parent.State, domain.StateInReview),
		)
	}

	extracted := applyCorrections(parent.Extracted, resolution.Corrections)
	normalized := uc.normalizer.NormalizeAll(extracted)
	verdict := uc.validator.Validate(normalized)

	decision := domain.RoutingDecision{Decision: domain.DecisionReviewerReject, Reason: "reviewer_rejected"}
	if resolution.Accept {
		if blocking, ok := verdict.FirstBlocking(); ok {
			return nil, domain.WrapError(
				domain.ErrInvalidInput,
				"resolve review",
				fmt.Errorf("cannot accept with blocking violation %s: %s", blocking.Rule, blocking.Reason),
			)
		}
		decision = domain.RoutingDecision{Decision: domain.DecisionReviewerAccept, Reason: "reviewer_accepted"}
	}

	now := uc.cfg.Now().UTC()
	doc := &domain.Document{
		ID:            domain.NewDocumentID(now),
		ParentID:      parent.ID,
		Origin:        domain.OriginReview,
		ImageRef:      parent.ImageRef,
		InputType:     parent.InputType,
		CorrelationID: parent.CorrelationID,
		State:         decision.Decision.TerminalState(),
		Extracted:     extracted,
		Normalized:    normalized,
		Verdict:       &verdict,
		Decision:      &decision,
		ReviewedBy:    reviewer,
		ReviewNote:    resolution.Note,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := uc.store.Create(ctx, doc); err != nil {
		return nil, fmt.Errorf("create reviewed document: %w", err)
	}

	slog.Info("review_resolved",
		"document_id", doc.ID,
		"parent_id", parent.ID,
		"decision", decision.Decision,
		"reviewer", reviewer,
	)
	publishFinalized(ctx, uc.notifier, doc, now)
	return doc, nil
}

func (uc *DocumentLifecycleUseCase) loadVisible(ctx context.Context, id string) (*domain.Document, error) {
	doc, err := uc.store.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetch document by id: %w", err)
	}
	if doc.IsDeleted() {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "fetch document by id", fmt.Errorf("document %s is deleted", id))
	}
	return doc, nil
}

func (uc *DocumentLifecycleUseCase) retryOnConflict(ctx context.Context, operation string, fn func() error) error {
	for round := 0; ; round++ {
		err := fn()
		if err == nil || !errors.Is(err, domain.ErrVersionConflict) {
			return err
		}
		if round >= uc.cfg.ConflictRetries {
			return domain.WrapError(domain.ErrStoreContention, operation, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
}

// applyCorrections replaces every extracted field whose name appears in the
// corrections, keeping receipt order for the rest. Corrections for names not
// present are appended.
func applyCorrections(extracted, corrections []domain.ExtractedField) []domain.ExtractedField {
	if len(corrections) == 0 {
		return cloneFields(extracted)
	}
	corrected := make(map[domain.FieldName]bool, len(corrections))
	for _, c := range corrections {
		corrected[c.Name] = true
	}

	out := make([]domain.ExtractedField, 0, len(extracted)+len(corrections))
	inserted := make(map[domain.FieldName]bool, len(corrections))
	for _, f := range extracted {
		if !corrected[f.Name] {
			out = append(out, f)
			continue
		}
		if inserted[f.Name] {
			continue
		}
		inserted[f.Name] = true
		for _, c := range corrections {
			if c.Name == f.Name {
				out = append(out, c)
			}
		}
	}
	for _, c := range corrections {
		if !inserted[c.Name] {
			out = append(out, c)
		}
	}
	return cloneFields(out)
}

func cloneFields(fields []domain.ExtractedField) []domain.ExtractedField {
	doc := domain.Document{Extracted: fields}
	return doc.Clone().Extracted
}
