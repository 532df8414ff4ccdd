package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kirillkom/receipt-idp/internal/bootstrap"
	"github.com/kirillkom/receipt-idp/internal/config"
	"github.com/kirillkom/receipt-idp/internal/core/domain"
	"github.com/kirillkom/receipt-idp/internal/observability/logging"
	"github.com/kirillkom/receipt-idp/internal/observability/metrics"
)

const serviceName = "worker"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_load_failed", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logging.NewJSONLogger(serviceName, cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workerMetrics := metrics.NewWorkerMetrics(serviceName)
	app, err := bootstrap.New(ctx, cfg, serviceName, workerMetrics.Registry())
	if err != nil {
		slog.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", workerMetrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":   "ok",
			"breakers": app.BreakerStates(),
		})
	})
	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("worker_metrics_listening", "port", cfg.WorkerMetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("worker_metrics_failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	// Documents stranded mid-pipeline by a crash or an expired handler deadline
	// are re-driven periodically for as long as the worker runs.
	go func() {
		if err := app.Recovery.Run(ctx, cfg.RecoveryInterval); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("recovery_loop_stopped", "error", err)
		}
	}()

	slog.Info("worker_subscribed",
		"subject", cfg.NATSSubmittedSubject,
		"concurrency", cfg.WorkerConcurrency,
	)
	err = app.Queue.SubscribeDocumentSubmitted(ctx, func(handlerCtx context.Context, documentID string) error {
		if createdAt, ok := domain.DocumentIDTime(documentID); ok {
			workerMetrics.ObserveQueueLag(serviceName, time.Since(createdAt))
		}
		workerMetrics.StartDocument()
		started := time.Now()
		err := app.Processor.ProcessByID(handlerCtx, documentID)
		workerMetrics.FinishDocument(serviceName, time.Since(started), err)
		return err
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("worker_subscribe_failed", "error", err)
		os.Exit(1)
	}
}
