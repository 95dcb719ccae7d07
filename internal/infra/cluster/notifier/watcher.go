package notifier

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/orchestrant/bgworker/internal/domain/supervision"
	"github.com/orchestrant/bgworker/internal/infra/waitable"
	"github.com/orchestrant/bgworker/pkg/common/logger"
)

// streamReader is the slice of Client the watcher depends on.
type streamReader interface {
	Read() (Notification, error)
	Close() error
}

var _ supervision.Producer = (*Watcher)(nil)

// Watcher consumes the HA-info stream and publishes HaModeEvents. The main
// loop is a multiplexed wait over the notification channel and the watcher's
// own waitable signal; Stop sets the signal, which closes the stream and
// joins both goroutines, guaranteeing no event is published after Stop
// returns.
type Watcher struct {
	stream streamReader
	queue  supervision.EventQueue
	exit   *waitable.Signal

	wg       sync.WaitGroup
	startMu  sync.Mutex
	started  bool
	stopOnce sync.Once

	logger *logger.Logger
	tracer trace.Tracer
}

// NewWatcher creates a watcher over an established stream.
func NewWatcher(stream streamReader, queue supervision.EventQueue, log *logger.Logger, tracer trace.Tracer) *Watcher {
	return &Watcher{
		stream: stream,
		queue:  queue,
		exit:   waitable.New(),
		logger: log.With("component", "ha_role_watcher"),
		tracer: tracer,
	}
}

// Start launches the reader and the multiplexed wait loop.
func (w *Watcher) Start(ctx context.Context) error {
	ctx, span := w.tracer.Start(ctx, "ha_role_watcher.start")
	defer span.End()

	w.startMu.Lock()
	defer w.startMu.Unlock()
	if w.started {
		return errors.New("ha role watcher already started")
	}
	w.started = true

	notifCh := make(chan Notification)
	exitReady := w.exit.Ready()

	// Reader: blocks on the stream, forwards decoded notifications.
	// Malformed payloads are recoverable; transport errors are terminal and
	// close the channel so the main loop exits too.
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer close(notifCh)
		for {
			n, err := w.stream.Read()
			if err != nil {
				if errors.Is(err, ErrMalformedNotification) {
					w.logger.Warn(ctx, "dropping malformed notification", "error", err)
					continue
				}
				if !w.exit.IsSet() {
					w.logger.Error(ctx, "notification stream terminated", "error", err)
				}
				return
			}
			select {
			case notifCh <- n:
			case <-exitReady:
				return
			}
		}
	}()

	// Main loop: the multiplexed wait over {stream, exit signal}.
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { _ = w.stream.Close() }()
		for {
			select {
			case <-exitReady:
				return
			case n, ok := <-notifCh:
				if !ok {
					return
				}
				w.handle(ctx, n)
			}
		}
	}()

	w.logger.Info(ctx, "ha role watcher started")
	return nil
}

// Stop sets the exit signal, closes the stream, and joins the watcher
// goroutines. Safe to call once; returns only after full quiescence.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() {
		w.exit.Set()
		_ = w.stream.Close()
		w.wg.Wait()
		w.logger.Info(context.Background(), "ha role watcher stopped")
	})
	return nil
}

func (w *Watcher) handle(ctx context.Context, n Notification) {
	role, ok := supervision.ParseHaRole(n.Role)
	if !ok {
		// Unknown role values carry no defined failure semantics; the
		// previous HA state is retained.
		w.logger.Debug(ctx, "ignoring unrecognized ha role", "role", n.Role)
		return
	}

	if err := w.queue.Publish(ctx, supervision.NewHaModeEvent(role)); err != nil {
		w.logger.Warn(ctx, "failed to publish ha mode event", "error", err)
	}
}
