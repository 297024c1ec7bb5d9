// Package notify delivers loan notifications to the NotificationSink in the
// background. Delivery is at-least-once: a task is retried until the sink
// accepts it, and sinks ignore a notification ID they already hold.
package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/boddenberg/iou-ledger-go/internal/domain"
	"github.com/boddenberg/iou-ledger-go/internal/infra/observability"
	"github.com/boddenberg/iou-ledger-go/internal/infra/resilience"
	"github.com/boddenberg/iou-ledger-go/internal/port"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrClosed is returned by Dispatch after Close.
	ErrClosed = errors.New("notification dispatcher closed")
	// ErrQueueFull is returned by Dispatch when every queue slot is taken.
	ErrQueueFull = errors.New("notification queue full")
)

// Dispatcher is the in-process port.NotificationDispatcher: a bounded channel
// drained by a fixed pool of workers.
type Dispatcher struct {
	sink    port.NotificationSink
	cfg     resilience.Config
	logger  *zap.Logger
	metrics *observability.Metrics

	queue   chan domain.Notification
	workers int

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewDispatcher creates a dispatcher. Call Start before dispatching.
func NewDispatcher(sink port.NotificationSink, workers, queueSize int, cfg resilience.Config, logger *zap.Logger, metrics *observability.Metrics) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		sink:    sink,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		queue:   make(chan domain.Notification, queueSize),
		workers: workers,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the worker pool.
func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
	d.logger.Info("notification dispatcher started",
		zap.Int("workers", d.workers),
		zap.Int("queue_size", cap(d.queue)),
	)
}

// Dispatch enqueues n without blocking. A full queue rejects n with ErrQueueFull.
func (d *Dispatcher) Dispatch(ctx context.Context, n domain.Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case d.queue <- n:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting tasks and waits for queued ones to be delivered.
// If ctx expires first, in-flight retries are abandoned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for n := range d.queue {
		Deliver(d.ctx, d.sink, d.cfg, n, d.logger, d.metrics)
	}
}

// Deliver appends n to sink with retries and records the outcome.
func Deliver(ctx context.Context, sink port.NotificationSink, cfg resilience.Config, n domain.Notification, logger *zap.Logger, metrics *observability.Metrics) error {
	err := resilience.RetryWithBackoff(ctx, cfg, func() error {
		return sink.AppendNotification(ctx, &n)
	})
	if err != nil {
		logger.Error("notification delivery failed",
			zap.String("notification_id", n.ID),
			zap.String("user_id", n.UserID),
			zap.String("type", string(n.Type)),
			zap.Error(err),
		)
		metrics.IncrNotification(n.Type, "failed")
		return err
	}
	metrics.IncrNotification(n.Type, "sent")
	return nil
}
