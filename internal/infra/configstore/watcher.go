package configstore

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/orchestrant/bgworker/internal/domain/supervision"
	"github.com/orchestrant/bgworker/pkg/common/logger"
)

// DefaultPriority places the watcher ahead of typical dependents on the same
// path, mirroring the convention that enable-leaf subscribers run early.
const DefaultPriority = 101

var _ supervision.Producer = (*Watcher)(nil)

// Watcher subscribes to the boolean enable leaf and publishes exactly one
// ConfigEnabledEvent per commit that touches it. It surfaces no errors of
// its own; the store is an external, independently-restartable collaborator.
type Watcher struct {
	store    *Store
	path     string
	priority int
	queue    supervision.EventQueue

	mu    sync.Mutex
	subID int

	logger *logger.Logger
	tracer trace.Tracer
}

// NewWatcher creates a config watcher for the given leaf path.
func NewWatcher(store *Store, path string, priority int, queue supervision.EventQueue, log *logger.Logger, tracer trace.Tracer) *Watcher {
	return &Watcher{
		store:    store,
		path:     path,
		priority: priority,
		queue:    queue,
		logger:   log.With("component", "config_watcher", "path", path),
		tracer:   tracer,
	}
}

// Start registers the subscription and performs the initial synchronization
// pass: the leaf's current value is delivered once, as if a commit had just
// touched it.
func (w *Watcher) Start(ctx context.Context) error {
	ctx, span := w.tracer.Start(ctx, "config_watcher.start",
		trace.WithAttributes(attribute.String("path", w.path)))
	defer span.End()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.subID != 0 {
		return errors.New("config watcher already started")
	}

	w.subID = w.store.Register(w.path, w.priority, func(ctx context.Context, final bool) {
		w.publish(ctx, final)
	})

	initial, err := w.store.ReadBool(ctx, w.path)
	if err != nil {
		w.store.Unregister(w.subID)
		w.subID = 0
		span.RecordError(err)
		return err
	}
	w.publish(ctx, initial)

	w.store.Watch(ctx)
	w.logger.Info(ctx, "config watcher started", "initial_value", initial)
	return nil
}

// Stop deregisters the subscription. Synchronous: once Stop returns, no
// further events are published.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.subID == 0 {
		return nil
	}
	w.store.Unregister(w.subID)
	w.subID = 0
	w.logger.Info(context.Background(), "config watcher stopped")
	return nil
}

func (w *Watcher) publish(ctx context.Context, enabled bool) {
	if err := w.queue.Publish(ctx, supervision.NewConfigEnabledEvent(enabled)); err != nil {
		w.logger.Warn(ctx, "failed to publish config event", "error", err)
	}
}
