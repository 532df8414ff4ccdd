package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kirillkom/receipt-idp/internal/config"
	"github.com/kirillkom/receipt-idp/internal/core/domain"
	"github.com/kirillkom/receipt-idp/internal/core/normalize"
	"github.com/kirillkom/receipt-idp/internal/core/ports"
	"github.com/kirillkom/receipt-idp/internal/core/route"
	"github.com/kirillkom/receipt-idp/internal/core/usecase"
	"github.com/kirillkom/receipt-idp/internal/core/validate"
	"github.com/kirillkom/receipt-idp/internal/infrastructure/export/xlsx"
	"github.com/kirillkom/receipt-idp/internal/infrastructure/extractor"
	"github.com/kirillkom/receipt-idp/internal/infrastructure/extractor/pdftext"
	"github.com/kirillkom/receipt-idp/internal/infrastructure/extractor/sidecar"
	"github.com/kirillkom/receipt-idp/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/receipt-idp/internal/infrastructure/queue/nats"
	"github.com/kirillkom/receipt-idp/internal/infrastructure/repository/memory"
	"github.com/kirillkom/receipt-idp/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/receipt-idp/internal/infrastructure/resilience"
	"github.com/kirillkom/receipt-idp/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/receipt-idp/internal/observability/metrics"
)

type App struct {
	Config config.Config

	Queue *nats.Queue
	Store ports.DocumentStore

	Submitter ports.DocumentSubmitter
	Reader    ports.DocumentReader
	Lifecycle ports.DocumentLifecycle
	Exporter  ports.AcceptedExporter
	Processor ports.DocumentProcessor
	Recovery  *usecase.RecoverDocumentsUseCase

	executors []*resilience.Executor
	closeFn   func()
}

// New wires every adapter and use case. Pipeline and resilience metrics are
// registered on registerer, which belongs to the calling process.
func New(ctx context.Context, cfg config.Config, service string, registerer prometheus.Registerer) (*App, error) {
	store, db, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	storage, err := localfs.New(cfg.StoragePath)
	if err != nil {
		closeDB(db)
		return nil, fmt.Errorf("init object storage: %w", err)
	}

	pipelineMetrics := metrics.NewPipelineMetrics(registerer, service)
	hooks := pipelineMetrics.ResilienceHooks()

	queueExecutor := resilience.NewExecutor(breakerConfig(cfg, 3, hooks))
	queue, err := nats.NewWithOptions(cfg.NATSURL, nats.Options{
		SubmittedSubject:   cfg.NATSSubmittedSubject,
		FinalizedSubject:   cfg.NATSFinalizedSubject,
		ResilienceExecutor: queueExecutor,
		MaxConcurrent:      cfg.WorkerConcurrency,
		HandlerTimeout:     cfg.WorkerHandlerTimeout,
	})
	if err != nil {
		closeDB(db)
		return nil, fmt.Errorf("init message queue: %w", err)
	}

	// Extraction attempts are counted by the pipeline, so the client itself never retries.
	modelExecutor := resilience.NewExecutor(breakerConfig(cfg, 1, hooks))
	ollamaClient := ollama.New(cfg.OllamaURL, cfg.OllamaVisionModel, cfg.OllamaTextModel).
		WithExecutor(modelExecutor)
	fieldExtractor := extractor.NewDispatcher().
		Register(domain.InputImage, ollama.NewReceiptExtractor(ollamaClient, storage)).
		Register(domain.InputPDF, pdftext.NewExtractor(storage, ollamaClient)).
		Register(domain.InputJSON, sidecar.NewExtractor(storage))

	pipeline := PipelineConfig(cfg)
	processUC := usecase.NewProcessDocumentUseCase(store, fieldExtractor, queue, pipelineMetrics, pipeline)
	recoveryUC := usecase.NewRecoverDocumentsUseCase(store, processUC, usecase.RecoveryConfig{
		GracePeriod: cfg.RecoveryGracePeriod,
		BatchSize:   cfg.RecoveryBatchSize,
		Concurrency: cfg.WorkerConcurrency,
		Now:         time.Now,
	})

	app := &App{
		Config: cfg,
		Queue:  queue,
		Store:  store,

		Submitter: usecase.NewIngestDocumentUseCase(store, storage, queue, time.Now),
		Reader:    usecase.NewQueryDocumentUseCase(store),
		Lifecycle: usecase.NewDocumentLifecycleUseCase(store, queue, pipeline),
		Exporter:  usecase.NewExportAcceptedUseCase(store, xlsx.NewExporter(), cfg.ExportMaxRows),
		Processor: processUC,
		Recovery:  recoveryUC,

		executors: []*resilience.Executor{queueExecutor, modelExecutor},

		closeFn: func() {
			queue.Close()
			closeDB(db)
		},
	}
	return app, nil
}

// BreakerStates reports every circuit breaker the process has opened so far.
func (a *App) BreakerStates() []resilience.BreakerState {
	var out []resilience.BreakerState
	for _, executor := range a.executors {
		out = append(out, executor.States()...)
	}
	return out
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}

// PipelineConfig maps process configuration onto the pipeline's knobs.
func PipelineConfig(cfg config.Config) usecase.PipelineConfig {
	pipeline := usecase.DefaultPipelineConfig()

	if len(cfg.DateLayouts) > 0 {
		pipeline.Normalize = normalize.Config{DateLayouts: cfg.DateLayouts}
	}
	pipeline.Validate = validate.Config{
		CurrencyAllowList: cfg.CurrencyAllowList,
		MaxAge:            cfg.DateMaxAge,
		ClockSkew:         cfg.DateClockSkew,
		Tolerance:         cfg.ReconciliationTolerance,
		Now:               time.Now,
	}
	if len(pipeline.Validate.CurrencyAllowList) == 0 {
		pipeline.Validate.CurrencyAllowList = validate.DefaultConfig().CurrencyAllowList
	}
	pipeline.Route = route.Config{Threshold: cfg.ConfidenceThreshold}
	pipeline.Extraction = usecase.RetryPolicy{
		MaxAttempts:    cfg.ExtractionMaxAttempts,
		InitialBackoff: cfg.ExtractionInitialBackoff,
		MaxBackoff:     cfg.ExtractionMaxBackoff,
		Multiplier:     cfg.ExtractionBackoffMultiplier,
	}
	pipeline.ConflictRetries = cfg.StoreConflictRetries
	return pipeline
}

func breakerConfig(cfg config.Config, attempts int, hooks resilience.Hooks) resilience.Config {
	rc := resilience.DefaultConfig()
	rc.RetryMaxAttempts = attempts
	if cfg.BreakerMinRequests > 0 {
		rc.BreakerMinRequests = uint32(cfg.BreakerMinRequests)
	}
	if cfg.BreakerFailureRatio > 0 {
		rc.BreakerFailureRatio = cfg.BreakerFailureRatio
	}
	if cfg.BreakerOpenTimeout > 0 {
		rc.BreakerOpenTimeout = cfg.BreakerOpenTimeout
	}
	rc.Hooks = hooks
	return rc
}

func openStore(ctx context.Context, cfg config.Config) (ports.DocumentStore, *sql.DB, error) {
	if cfg.StoreBackend == config.StoreBackendMemory {
		slog.Warn("document_store_in_memory", "reason", "STORE_BACKEND=memory; state is lost on restart")
		return memory.NewDocumentStore(), nil, nil
	}

	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	repo := postgres.NewDocumentRepository(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	return repo, db, nil
}

func closeDB(db *sql.DB) {
	if db != nil {
		_ = db.Close()
	}
}
