package supervision

import (
	"context"
	"errors"
	"time"
)

// ErrReceiveTimeout is returned by EventQueue.Receive when no event arrived
// within the timeout. It is a liveness mechanism, not an error condition;
// the supervisor loops again.
var ErrReceiveTimeout = errors.New("event queue receive timed out")

// ErrQueueClosed is returned by queue operations after Close.
var ErrQueueClosed = errors.New("event queue closed")

// ErrLeafNotFound is returned by ConfigReader when the watched leaf does not
// exist. At seed time this is fatal: the supervisor cannot start without a
// known initial condition.
var ErrLeafNotFound = errors.New("config leaf not found")

// EventQueue is the only shared resource between the event producers and the
// supervisor. Multi-producer, single-consumer; per-producer FIFO; no ordering
// guarantee across producers. Publish never blocks the producer.
type EventQueue interface {
	// Publish enqueues an event. It never blocks; on overflow the event is
	// dropped and the implementation logs a warning.
	Publish(ctx context.Context, evt Event) error

	// Receive blocks up to timeout for the next event. It returns
	// ErrReceiveTimeout when the timeout elapses and ErrQueueClosed after
	// Close.
	Receive(ctx context.Context, timeout time.Duration) (Event, error)

	// Close releases the queue. Idempotent.
	Close() error
}

// Producer is a supervised event source with an explicit start/stop
// lifecycle. Stop is synchronous: once it returns, the producer has fully
// quiesced and publishes nothing further.
type Producer interface {
	Start(ctx context.Context) error
	Stop() error
}

// ConfigReader provides the point-in-time read of the boolean enable leaf
// used to seed the initial run condition.
type ConfigReader interface {
	// ReadBool returns the leaf's current value, or ErrLeafNotFound if the
	// path does not resolve.
	ReadBool(ctx context.Context, path string) (bool, error)
}

// ClusterInfo provides point-in-time cluster queries used to seed the
// initial run condition.
type ClusterInfo interface {
	// HAEnabled reports whether the node participates in an HA cluster.
	HAEnabled(ctx context.Context) (bool, error)

	// IsMaster reports whether the node currently holds the master role.
	// Only consulted when HAEnabled reports true.
	IsMaster(ctx context.Context) (bool, error)
}

// WorkerProcess is one OS-isolated execution of the caller-supplied worker.
// Process isolation exists so forced termination cannot be blocked by
// anything the worker does internally.
type WorkerProcess interface {
	// Start launches the process. Non-blocking.
	Start(ctx context.Context) error

	// Alive reports whether the process is still running.
	Alive() bool

	// Stop requests termination and waits up to the configured grace
	// period. A worker that outlives the grace period is logged and left
	// behind; the error is informational, never fatal.
	Stop(ctx context.Context) error
}

// WorkerFactory builds a fresh WorkerProcess for each start. Instances are
// single-use: once stopped, the supervisor discards the handle and asks the
// factory for a new one.
type WorkerFactory interface {
	NewWorker() (WorkerProcess, error)
}

// WorkerFactoryFunc adapts a function to the WorkerFactory interface.
type WorkerFactoryFunc func() (WorkerProcess, error)

// NewWorker calls f.
func (f WorkerFactoryFunc) NewWorker() (WorkerProcess, error) { return f() }
