package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/receipt-idp/internal/core/domain"
	"github.com/kirillkom/receipt-idp/internal/infrastructure/resilience"
)

const (
	DefaultSubmittedSubject = "receipts.submitted"
	DefaultFinalizedSubject = "receipts.finalized"

	workerQueueGroup = "receipt-workers"
)

// Queue carries submission events to workers and announces finalized documents.
type Queue struct {
	conn             *nats.Conn
	submittedSubject string
	finalizedSubject string
	executor         *resilience.Executor
	maxConcurrent    int
	handlerTimeout   time.Duration
}

type Options struct {
	SubmittedSubject     string
	FinalizedSubject     string
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor

	// MaxConcurrent bounds in-flight handler invocations per subscriber.
	MaxConcurrent  int
	HandlerTimeout time.Duration
}

func New(url string) (*Queue, error) {
	return NewWithOptions(url, Options{})
}

func NewWithOptions(url string, options Options) (*Queue, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}

	conn, err := nats.Connect(
		url,
		nats.Name("receipt-idp"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	q := &Queue{
		conn:             conn,
		submittedSubject: options.SubmittedSubject,
		finalizedSubject: options.FinalizedSubject,
		executor:         options.ResilienceExecutor,
		maxConcurrent:    options.MaxConcurrent,
		handlerTimeout:   options.HandlerTimeout,
	}
	if q.submittedSubject == "" {
		q.submittedSubject = DefaultSubmittedSubject
	}
	if q.finalizedSubject == "" {
		q.finalizedSubject = DefaultFinalizedSubject
	}
	if q.maxConcurrent <= 0 {
		q.maxConcurrent = 1
	}
	return q, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

func (q *Queue) PublishDocumentSubmitted(ctx context.Context, documentID string) error {
	return q.publish(ctx, q.submittedSubject, []byte(documentID))
}

func (q *Queue) PublishFinalized(ctx context.Context, event domain.FinalizedEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal finalized event: %w", err)
	}
	return q.publish(ctx, q.finalizedSubject, payload)
}

func (q *Queue) publish(ctx context.Context, subject string, payload []byte) error {
	call := func(context.Context) error {
		return publishFailure(subject, q.conn.Publish(subject, payload))
	}
	if q.executor == nil {
		return call(ctx)
	}
	return q.executor.Execute(ctx, "nats.publish", call, nil)
}

// connectionErrors clear up once the client reconnects, so a publish that hit
// one is worth retrying.
var connectionErrors = []error{
	nats.ErrNoServers,
	nats.ErrTimeout,
	nats.ErrConnectionClosed,
	nats.ErrConnectionReconnecting,
	nats.ErrDisconnected,
	nats.ErrSlowConsumer,
}

// publishFailure marks connection-level failures domain.ErrTemporary; anything
// else, such as a bad subject or an oversized payload, is permanent.
func publishFailure(subject string, err error) error {
	if err == nil {
		return nil
	}
	for _, transient := range connectionErrors {
		if errors.Is(err, transient) {
			return domain.WrapError(domain.ErrTemporary, "nats publish "+subject, err)
		}
	}
	return fmt.Errorf("nats publish %s: %w", subject, err)
}

// SubscribeDocumentSubmitted blocks until ctx is done, running at most
// MaxConcurrent handlers at a time. In-flight handlers finish before it returns.
func (q *Queue) SubscribeDocumentSubmitted(ctx context.Context, handler func(context.Context, string) error) error {
	d := newDispatcher(ctx, q.maxConcurrent, q.handlerTimeout, handler)

	sub, err := q.conn.QueueSubscribe(q.submittedSubject, workerQueueGroup, func(msg *nats.Msg) {
		d.dispatch(string(msg.Data))
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	d.wait()
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

// dispatcher fans messages out to goroutines behind a counting semaphore.
// Acquiring the semaphore in the delivery callback applies backpressure to NATS.
type dispatcher struct {
	ctx     context.Context
	sem     chan struct{}
	timeout time.Duration
	handler func(context.Context, string) error
	wg      sync.WaitGroup
}

func newDispatcher(ctx context.Context, limit int, timeout time.Duration, handler func(context.Context, string) error) *dispatcher {
	if limit <= 0 {
		limit = 1
	}
	return &dispatcher{
		ctx:     ctx,
		sem:     make(chan struct{}, limit),
		timeout: timeout,
		handler: handler,
	}
}

func (d *dispatcher) dispatch(documentID string) {
	select {
	case <-d.ctx.Done():
		return
	case d.sem <- struct{}{}:
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() { <-d.sem }()

		handlerCtx, cancel := d.handlerContext()
		defer cancel()
		if err := d.handler(handlerCtx, documentID); err != nil {
			slog.Error("worker_handler_error", "document_id", documentID, "error", err)
		}
	}()
}

func (d *dispatcher) handlerContext() (context.Context, context.CancelFunc) {
	if d.timeout > 0 {
		return context.WithTimeout(d.ctx, d.timeout)
	}
	return context.WithCancel(d.ctx)
}

func (d *dispatcher) wait() {
	d.wg.Wait()
}
