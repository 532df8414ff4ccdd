package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/receipt-idp/internal/core/ports"
)

type RecoveryConfig struct {
	// GracePeriod keeps the sweep away from documents that are probably still in flight.
	GracePeriod time.Duration
	BatchSize   int
	Concurrency int
	Now         func() time.Time
}

// RecoverDocumentsUseCase re-drives documents stuck in a non-terminal state,
// e.g. after a worker crash. Processing resumes from the stored state.
type RecoverDocumentsUseCase struct {
	store     ports.DocumentStore
	processor ports.DocumentProcessor
	cfg       RecoveryConfig
}

func NewRecoverDocumentsUseCase(store ports.DocumentStore, processor ports.DocumentProcessor, cfg RecoveryConfig) *RecoverDocumentsUseCase {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &RecoverDocumentsUseCase{store: store, processor: processor, cfg: cfg}
}

// Recover processes one batch of stale documents and reports how many it picked up.
// Individual failures are logged; only store and context errors are returned.
func (uc *RecoverDocumentsUseCase) Recover(ctx context.Context) (int, error) {
	cutoff := uc.cfg.Now().UTC().Add(-uc.cfg.GracePeriod)
	stale, err := uc.store.ListStale(ctx, cutoff, uc.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale documents: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uc.cfg.Concurrency)
	for _, doc := range stale {
		id, state := doc.ID, doc.State
		g.Go(func() error {
			if err := uc.processor.ProcessByID(gctx, id); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				slog.Error("recovery_process_failed", "document_id", id, "state", state, "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return len(stale), err
	}

	slog.Info("recovery_sweep_done", "documents", len(stale), "cutoff", cutoff)
	return len(stale), nil
}

// Run sweeps immediately and then every interval until ctx is done. A full
// batch is followed by another sweep right away so a backlog drains without
// waiting for the next tick.
func (uc *RecoverDocumentsUseCase) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		uc.drain(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// drain caps consecutive sweeps so documents that keep failing cannot spin the loop.
func (uc *RecoverDocumentsUseCase) drain(ctx context.Context) {
	const maxSweeps = 10
	for i := 0; i < maxSweeps && ctx.Err() == nil; i++ {
		n, err := uc.Recover(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("recovery_sweep_failed", "error", err)
			}
			return
		}
		if n < uc.cfg.BatchSize {
			return
		}
	}
}
