// Package supervision implements the supervisor: the single consumer of the
// event queue, sole owner of the aggregated run condition, and the only
// component that starts or stops the worker process.
package supervision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/orchestrant/bgworker/internal/domain/supervision"
	"github.com/orchestrant/bgworker/pkg/common"
	"github.com/orchestrant/bgworker/pkg/common/logger"
)

// DefaultReceiveTimeout bounds each queue receive. Purely a liveness
// re-check; correctness never depends on it.
const DefaultReceiveTimeout = 1 * time.Second

// SeedRunCondition builds the initial run condition from point-in-time reads
// of the collaborators. A configPath of "" means the worker is always
// enabled by configuration. Any failure here is fatal: the supervisor cannot
// start without a known initial condition.
func SeedRunCondition(ctx context.Context, cfg supervision.ConfigReader, cluster supervision.ClusterInfo, configPath string) (supervision.RunCondition, error) {
	var cond supervision.RunCondition

	if configPath == "" {
		cond.ConfigEnabled = true
	} else {
		enabled, err := cfg.ReadBool(ctx, configPath)
		if err != nil {
			return cond, fmt.Errorf("seeding run condition: %w", err)
		}
		cond.ConfigEnabled = enabled
	}

	if cluster == nil {
		return cond, nil
	}

	haEnabled, err := cluster.HAEnabled(ctx)
	if err != nil {
		return cond, fmt.Errorf("seeding run condition: querying ha state: %w", err)
	}
	cond.HAEnabled = haEnabled

	if haEnabled {
		isMaster, err := cluster.IsMaster(ctx)
		if err != nil {
			return cond, fmt.Errorf("seeding run condition: querying ha role: %w", err)
		}
		cond.IsMaster = isMaster
	}

	return cond, nil
}

// Supervisor drives the worker process to match the aggregated run
// condition. Run blocks its caller; Stop is called from elsewhere, exactly
// once, and returns only after producers, worker and the loop have fully
// quiesced.
type Supervisor struct {
	id string

	cond    supervision.RunCondition
	factory supervision.WorkerFactory
	queue   supervision.EventQueue

	// producers are the event sources owned by this supervisor; Stop tears
	// them down before terminating the worker.
	producers []supervision.Producer

	// mu guards the worker handle, which both the loop and Stop touch.
	mu     sync.Mutex
	worker supervision.WorkerProcess

	receiveTimeout time.Duration
	restartLimiter *common.RateLimiter

	stopping chan struct{}
	stopOnce sync.Once
	runDone  chan struct{}

	logger  *logger.Logger
	metrics SupervisionMetrics
	tracer  trace.Tracer
}

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithReceiveTimeout overrides the bounded queue receive timeout.
func WithReceiveTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.receiveTimeout = d
		}
	}
}

// WithRestartLimit overrides the worker restart throttle.
func WithRestartLimit(rps float64, burst int) Option {
	return func(s *Supervisor) {
		if rps > 0 && burst > 0 {
			s.restartLimiter = common.NewRateLimiter(rps, burst)
		}
	}
}

// New creates a supervisor seeded with cond. The producers are started by
// Run and stopped by Stop; the supervisor owns their lifecycle.
func New(
	id string,
	cond supervision.RunCondition,
	factory supervision.WorkerFactory,
	queue supervision.EventQueue,
	producers []supervision.Producer,
	log *logger.Logger,
	metrics SupervisionMetrics,
	tracer trace.Tracer,
	opts ...Option,
) *Supervisor {
	s := &Supervisor{
		id:             id,
		cond:           cond,
		factory:        factory,
		queue:          queue,
		producers:      producers,
		receiveTimeout: DefaultReceiveTimeout,
		// Burst covers the initial start plus a couple of crash restarts;
		// beyond that a crashing worker is relaunched at most once per
		// period, retried on later loop iterations.
		restartLimiter: common.NewRateLimiter(1, 3),
		stopping:       make(chan struct{}),
		runDone:        make(chan struct{}),
		logger:         log.With("component", "supervisor", "supervisor_id", id),
		metrics:        metrics,
		tracer:         tracer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run starts the producers and blocks in the event loop until Stop is
// invoked from another goroutine or ctx is canceled. The run decision is
// recomputed from full aggregated state on every iteration; events from
// different producers arrive unordered.
func (s *Supervisor) Run(ctx context.Context) error {
	defer close(s.runDone)

	ctx, span := s.tracer.Start(ctx, "supervisor.run",
		trace.WithAttributes(attribute.String("supervisor_id", s.id)))
	defer span.End()

	for i, p := range s.producers {
		if err := p.Start(ctx); err != nil {
			span.RecordError(err)
			for _, started := range s.producers[:i] {
				_ = started.Stop()
			}
			return fmt.Errorf("starting event producer: %w", err)
		}
	}

	s.logger.Info(ctx, "supervisor running", "initial_should_run", s.cond.ShouldRun())

	for {
		s.reconcile(ctx)

		evt, err := s.queue.Receive(ctx, s.receiveTimeout)
		switch {
		case errors.Is(err, supervision.ErrReceiveTimeout):
			// Stop posts an Exit event; checking the flag here too keeps
			// shutdown alive even if that event was dropped on overflow.
			select {
			case <-s.stopping:
				return nil
			default:
			}
			continue
		case errors.Is(err, supervision.ErrQueueClosed):
			s.teardown(ctx)
			return nil
		case err != nil:
			// Context cancellation.
			s.teardown(ctx)
			return err
		}

		s.logger.Debug(ctx, "got an event", "event_type", evt.EventType())

		switch e := evt.(type) {
		case supervision.ExitEvent:
			// Worker already stopped by Stop.
			s.logger.Info(ctx, "supervisor exiting")
			return nil
		case supervision.ConfigEnabledEvent:
			s.cond = s.cond.Apply(e)
			s.metrics.IncConfigReloads(ctx)
		case supervision.HaModeEvent:
			s.cond = s.cond.Apply(e)
			s.metrics.SetLeaderStatus(ctx, e.Role() == supervision.RoleMaster)
		default:
			s.logger.Warn(ctx, "dropping unknown event", "event_type", evt.EventType())
		}
	}
}

// Stop shuts the supervisor down: producers first, then the worker, then an
// Exit event so the loop wakes promptly instead of waiting out its receive
// timeout. Safe to call exactly once; blocks until Run has returned.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		ctx, span := s.tracer.Start(ctx, "supervisor.stop",
			trace.WithAttributes(attribute.String("supervisor_id", s.id)))
		defer span.End()

		// Block reconcile from starting a fresh worker underneath us.
		close(s.stopping)

		for _, p := range s.producers {
			if err := p.Stop(); err != nil {
				s.logger.Error(ctx, "failed to stop event producer", "error", err)
			}
		}

		s.stopWorker(ctx)

		if err := s.queue.Publish(ctx, supervision.NewExitEvent()); err != nil {
			s.logger.Warn(ctx, "failed to post exit event", "error", err)
		}

		<-s.runDone
		s.logger.Info(ctx, "supervisor stopped")
	})
	return nil
}

// teardown covers the early exits where Stop may never run: queue closure
// and context cancellation. It stops the producers and the worker unless
// Stop already owns that work.
func (s *Supervisor) teardown(ctx context.Context) {
	select {
	case <-s.stopping:
		return
	default:
	}

	for _, p := range s.producers {
		if err := p.Stop(); err != nil {
			s.logger.Error(ctx, "failed to stop event producer", "error", err)
		}
	}
	s.stopWorker(ctx)
}

// reconcile drives the worker toward the current run decision. Start
// failures are logged and retried on a later iteration; they never crash
// the loop.
func (s *Supervisor) reconcile(ctx context.Context) {
	shouldRun := s.cond.ShouldRun()

	s.mu.Lock()
	defer s.mu.Unlock()

	alive := s.worker != nil && s.worker.Alive()

	if shouldRun && !alive {
		select {
		case <-s.stopping:
			return
		default:
		}

		if !s.restartLimiter.Allow() {
			s.metrics.IncRestartsThrottled(ctx)
			s.logger.Warn(ctx, "worker restart throttled, retrying on a later iteration")
			return
		}

		s.logger.Info(ctx, "worker should run but is not running, starting")
		if s.worker != nil {
			s.stopWorkerLocked(ctx)
		}
		s.startWorkerLocked(ctx)
		return
	}

	if alive && !shouldRun {
		s.logger.Info(ctx, "worker is running but should not run, stopping")
		s.stopWorkerLocked(ctx)
	}
}

func (s *Supervisor) startWorkerLocked(ctx context.Context) {
	w, err := s.factory.NewWorker()
	if err != nil {
		s.metrics.IncWorkerStartErrors(ctx)
		s.logger.Error(ctx, "failed to build worker", "error", err)
		return
	}
	if err := w.Start(ctx); err != nil {
		s.metrics.IncWorkerStartErrors(ctx)
		s.logger.Error(ctx, "failed to start worker", "error", err)
		return
	}
	s.worker = w
	s.metrics.IncWorkerStarted(ctx)
	s.metrics.SetWorkerRunning(ctx, true)
}

func (s *Supervisor) stopWorker(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopWorkerLocked(ctx)
}

// stopWorkerLocked discards the tracked handle regardless of outcome: a
// worker that ignored termination beyond its grace period is logged and left
// behind, deliberately without escalation or retry.
func (s *Supervisor) stopWorkerLocked(ctx context.Context) {
	if s.worker == nil {
		return
	}
	if err := s.worker.Stop(ctx); err != nil {
		s.metrics.IncWorkerStopTimeouts(ctx)
		s.logger.Error(ctx, "worker did not stop cleanly, proceeding anyway", "error", err)
	} else {
		s.metrics.IncWorkerStopped(ctx)
	}
	s.worker = nil
	s.metrics.SetWorkerRunning(ctx, false)
}
