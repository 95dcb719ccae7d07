// Package worker runs the caller-supplied background work as an OS-isolated
// child process. Process isolation is the point: a runaway or blocked worker
// can always be terminated from outside, which no cooperative goroutine can
// guarantee.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/orchestrant/bgworker/internal/domain/supervision"
	"github.com/orchestrant/bgworker/pkg/common/logger"
)

// DefaultStopGrace bounds how long Stop waits for the process to exit after
// requesting termination.
const DefaultStopGrace = 1 * time.Second

// ErrStopTimeout reports a worker that outlived the termination grace
// period. Deliberately best-effort and non-fatal: the supervisor logs it and
// proceeds without escalating to a harder kill or retrying.
var ErrStopTimeout = errors.New("worker did not terminate within grace period")

// Command describes the worker entry point: the executable plus optional
// arguments, environment and working directory.
type Command struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

var _ supervision.WorkerProcess = (*Commander)(nil)

// Commander owns a single worker process execution. Instances are
// single-use: once the process has exited or been stopped, the supervisor
// discards the Commander and builds a fresh one.
type Commander struct {
	command Command
	grace   time.Duration

	mu      sync.Mutex
	cmd     *exec.Cmd
	started bool

	// done closes when the wait goroutine observes process exit.
	done    chan struct{}
	waitErr error

	logger *logger.Logger
	tracer trace.Tracer
}

// NewCommander creates a Commander for one execution of command. A grace of
// zero or less falls back to DefaultStopGrace.
func NewCommander(command Command, grace time.Duration, logger *logger.Logger, tracer trace.Tracer) *Commander {
	if grace <= 0 {
		grace = DefaultStopGrace
	}
	return &Commander{
		command: command,
		grace:   grace,
		done:    make(chan struct{}),
		logger:  logger.With("component", "worker_commander", "worker_path", command.Path),
		tracer:  tracer,
	}
}

// NewFactory returns a supervision.WorkerFactory producing fresh Commanders
// for the given command.
func NewFactory(command Command, grace time.Duration, log *logger.Logger, tracer trace.Tracer) supervision.WorkerFactory {
	return supervision.WorkerFactoryFunc(func() (supervision.WorkerProcess, error) {
		if command.Path == "" {
			return nil, errors.New("worker command path is required")
		}
		return NewCommander(command, grace, log, tracer), nil
	})
}

// Start launches the worker process. Non-blocking: a goroutine reaps the
// process and records its exit. Start may be called at most once.
func (c *Commander) Start(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "worker_commander.start",
		trace.WithAttributes(attribute.String("worker_path", c.command.Path)))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return errors.New("worker already started")
	}

	cmd := exec.Command(c.command.Path, c.command.Args...)
	cmd.Dir = c.command.Dir
	cmd.Env = c.command.Env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("starting worker process: %w", err)
	}
	c.cmd = cmd
	c.started = true

	c.logger.Info(ctx, "worker process started", "pid", cmd.Process.Pid)
	span.SetAttributes(attribute.Int("pid", cmd.Process.Pid))

	done := c.done
	go func() {
		err := cmd.Wait()
		c.mu.Lock()
		c.waitErr = err
		c.mu.Unlock()
		close(done)
	}()

	return nil
}

// Alive reports whether the process was started and has not yet exited.
// Worker crashes surface here: the supervisor checks liveness each loop
// iteration and restarts on the next pass if the worker should still run.
func (c *Commander) Alive() bool {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return false
	}

	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Stop requests termination and waits up to the grace period. A worker still
// alive afterwards yields a logged error and ErrStopTimeout; there is no
// retry and no harder kill.
func (c *Commander) Stop(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "worker_commander.stop",
		trace.WithAttributes(attribute.String("grace", c.grace.String())))
	defer span.End()

	c.mu.Lock()
	cmd := c.cmd
	started := c.started
	c.mu.Unlock()

	if !started {
		return nil
	}

	select {
	case <-c.done:
		// Already exited; nothing to terminate.
		return nil
	default:
	}

	c.logger.Info(ctx, "stopping worker process", "pid", cmd.Process.Pid)

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		span.RecordError(err)
		c.logger.Error(ctx, "failed to signal worker process", "pid", cmd.Process.Pid, "error", err)
	}

	timer := time.NewTimer(c.grace)
	defer timer.Stop()

	select {
	case <-c.done:
		c.logger.Info(ctx, "worker process stopped", "pid", cmd.Process.Pid, "wait_err", c.exitError())
		return nil
	case <-timer.C:
		span.AddEvent("worker_stop_timeout")
		c.logger.Error(ctx, "worker not terminated on time",
			"pid", cmd.Process.Pid,
			"alive", c.Alive(),
			"grace", c.grace,
		)
		return ErrStopTimeout
	}
}

// Pid returns the worker's process id, or zero before Start.
func (c *Commander) Pid() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

func (c *Commander) exitError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waitErr
}
