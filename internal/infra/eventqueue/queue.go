// Package eventqueue provides the in-memory multi-producer single-consumer
// queue connecting the event producers to the supervisor loop. It is
// deliberately non-persistent; all supervision state rebuilds from
// collaborators at startup.
package eventqueue

import (
	"context"
	"sync"
	"time"

	"github.com/orchestrant/bgworker/internal/domain/supervision"
	"github.com/orchestrant/bgworker/pkg/common/logger"
)

// DefaultCapacity bounds the queue buffer. Producers never block: an event
// arriving while the buffer is full is dropped with a warning, the same
// policy the supervisor applies elsewhere to full notification channels.
const DefaultCapacity = 256

// Metrics defines the metric operations the queue reports.
type Metrics interface {
	IncEventPublished(ctx context.Context, eventType string)
	IncEventDropped(ctx context.Context, eventType string)
}

var _ supervision.EventQueue = (*Queue)(nil)

// Queue implements supervision.EventQueue on a buffered channel. Per-producer
// FIFO order follows from channel send ordering within one goroutine; no
// ordering is guaranteed across producers.
type Queue struct {
	ch chan supervision.Event

	closeOnce sync.Once
	done      chan struct{}

	logger  *logger.Logger
	metrics Metrics
}

// New creates a queue with the given buffer capacity. A capacity of zero or
// less falls back to DefaultCapacity.
func New(capacity int, logger *logger.Logger, metrics Metrics) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		ch:      make(chan supervision.Event, capacity),
		done:    make(chan struct{}),
		logger:  logger.With("component", "event_queue"),
		metrics: metrics,
	}
}

// Publish enqueues evt without ever blocking the producer. On overflow the
// event is dropped and a warning logged; the supervisor recomputes its run
// decision from full state on every event, so a later event heals the gap.
func (q *Queue) Publish(ctx context.Context, evt supervision.Event) error {
	select {
	case <-q.done:
		return supervision.ErrQueueClosed
	default:
	}

	select {
	case q.ch <- evt:
		if q.metrics != nil {
			q.metrics.IncEventPublished(ctx, string(evt.EventType()))
		}
		return nil
	default:
		q.logger.Warn(ctx, "event queue full, dropping event", "event_type", evt.EventType())
		if q.metrics != nil {
			q.metrics.IncEventDropped(ctx, string(evt.EventType()))
		}
		return nil
	}
}

// Receive blocks up to timeout for the next event. Buffered events are
// drained even while the queue is closing so a pending Exit is never lost.
func (q *Queue) Receive(ctx context.Context, timeout time.Duration) (supervision.Event, error) {
	// Fast path: hand out anything already buffered.
	select {
	case evt := <-q.ch:
		return evt, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case evt := <-q.ch:
		return evt, nil
	case <-timer.C:
		return nil, supervision.ErrReceiveTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.done:
		return nil, supervision.ErrQueueClosed
	}
}

// Close marks the queue closed. Idempotent. The underlying channel is left
// open so a concurrent Publish can never panic; it observes done instead.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}
