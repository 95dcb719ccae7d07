package supervision

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/orchestrant/bgworker/internal/domain/supervision"
	"github.com/orchestrant/bgworker/internal/infra/eventqueue"
	"github.com/orchestrant/bgworker/pkg/common/logger"
)

type fakeWorker struct {
	mu      sync.Mutex
	alive   bool
	stopErr error
	stops   int
}

func (f *fakeWorker) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive = true
	return nil
}

func (f *fakeWorker) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeWorker) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive = false
	f.stops++
	return f.stopErr
}

// crash simulates the process dying on its own.
func (f *fakeWorker) crash() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive = false
}

func (f *fakeWorker) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

type fakeFactory struct {
	mu      sync.Mutex
	workers []*fakeWorker
	stopErr error
}

func (f *fakeFactory) NewWorker() (supervision.WorkerProcess, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWorker{stopErr: f.stopErr}
	f.workers = append(f.workers, w)
	return w, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.workers)
}

func (f *fakeFactory) worker(i int) *fakeWorker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.workers[i]
}

type fakeProducer struct {
	mu       sync.Mutex
	started  bool
	stopped  bool
	startErr error
}

func (p *fakeProducer) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return p.startErr
	}
	p.started = true
	return nil
}

func (p *fakeProducer) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	return nil
}

func (p *fakeProducer) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

type testMetrics struct {
	mu           sync.Mutex
	stopTimeouts int
	throttled    int
}

func (m *testMetrics) IncEventPublished(ctx context.Context, eventType string) {}
func (m *testMetrics) IncEventDropped(ctx context.Context, eventType string)   {}
func (m *testMetrics) SetWorkerRunning(ctx context.Context, running bool)      {}
func (m *testMetrics) IncWorkerStarted(ctx context.Context)                    {}
func (m *testMetrics) IncWorkerStopped(ctx context.Context)                    {}
func (m *testMetrics) IncWorkerStartErrors(ctx context.Context)                {}
func (m *testMetrics) SetLeaderStatus(ctx context.Context, isLeader bool)      {}
func (m *testMetrics) IncConfigReloads(ctx context.Context)                    {}

func (m *testMetrics) IncWorkerStopTimeouts(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopTimeouts++
}

func (m *testMetrics) IncRestartsThrottled(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.throttled++
}

type harness struct {
	sup     *Supervisor
	queue   *eventqueue.Queue
	factory *fakeFactory
	metrics *testMetrics
	runErr  chan error
}

func newHarness(t *testing.T, cond supervision.RunCondition, producers ...supervision.Producer) *harness {
	t.Helper()

	queue := eventqueue.New(16, logger.Noop(), nil)
	factory := &fakeFactory{}
	metrics := &testMetrics{}

	sup := New("test-node", cond, factory, queue, producers,
		logger.Noop(), metrics, noop.NewTracerProvider().Tracer("test"),
		WithReceiveTimeout(10*time.Millisecond),
		WithRestartLimit(100, 100),
	)

	h := &harness{sup: sup, queue: queue, factory: factory, metrics: metrics, runErr: make(chan error, 1)}
	go func() { h.runErr <- sup.Run(context.Background()) }()
	t.Cleanup(func() {
		_ = sup.Stop(context.Background())
		select {
		case <-h.runErr:
		case <-time.After(5 * time.Second):
			t.Error("run never returned after stop")
		}
	})
	return h
}

func (h *harness) publish(t *testing.T, evt supervision.Event) {
	t.Helper()
	require.NoError(t, h.queue.Publish(context.Background(), evt))
}

func TestWorkerStartsWhenSeededEnabled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, supervision.RunCondition{ConfigEnabled: true})

	require.Eventually(t, func() bool {
		return h.factory.count() == 1 && h.factory.worker(0).Alive()
	}, 5*time.Second, 5*time.Millisecond, "an enabled seed must start the worker promptly")
}

func TestWorkerNotStartedWhenSeededDisabled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, supervision.RunCondition{})

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, h.factory.count())
}

func TestDisableEventStopsWorker(t *testing.T) {
	t.Parallel()

	h := newHarness(t, supervision.RunCondition{ConfigEnabled: true})

	require.Eventually(t, func() bool { return h.factory.count() == 1 },
		5*time.Second, 5*time.Millisecond)

	h.publish(t, supervision.NewConfigEnabledEvent(false))

	require.Eventually(t, func() bool { return !h.factory.worker(0).Alive() },
		5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.factory.worker(0).stopCount())
}

func TestLosingMastershipStopsWorker(t *testing.T) {
	t.Parallel()

	h := newHarness(t, supervision.RunCondition{
		ConfigEnabled: true,
		HAEnabled:     true,
		IsMaster:      true,
	})

	require.Eventually(t, func() bool { return h.factory.count() == 1 },
		5*time.Second, 5*time.Millisecond)

	h.publish(t, supervision.NewHaModeEvent(supervision.RoleNone))

	require.Eventually(t, func() bool { return !h.factory.worker(0).Alive() },
		5*time.Second, 5*time.Millisecond)
}

func TestRegainingMastershipStartsFreshWorker(t *testing.T) {
	t.Parallel()

	h := newHarness(t, supervision.RunCondition{ConfigEnabled: true, HAEnabled: true})

	time.Sleep(100 * time.Millisecond)
	require.Zero(t, h.factory.count(), "a non-master node must not run the worker")

	h.publish(t, supervision.NewHaModeEvent(supervision.RoleMaster))

	require.Eventually(t, func() bool {
		return h.factory.count() == 1 && h.factory.worker(0).Alive()
	}, 5*time.Second, 5*time.Millisecond)
}

func TestCrashedWorkerIsRestarted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, supervision.RunCondition{ConfigEnabled: true})

	require.Eventually(t, func() bool { return h.factory.count() == 1 },
		5*time.Second, 5*time.Millisecond)

	h.factory.worker(0).crash()

	require.Eventually(t, func() bool {
		return h.factory.count() == 2 && h.factory.worker(1).Alive()
	}, 5*time.Second, 5*time.Millisecond, "a dead worker that should run must be replaced")
}

func TestStopTearsDownInOrder(t *testing.T) {
	t.Parallel()

	producer := &fakeProducer{}
	queue := eventqueue.New(16, logger.Noop(), nil)
	factory := &fakeFactory{}
	sup := New("test-node", supervision.RunCondition{ConfigEnabled: true},
		factory, queue, []supervision.Producer{producer},
		logger.Noop(), &testMetrics{}, noop.NewTracerProvider().Tracer("test"),
		WithReceiveTimeout(10*time.Millisecond),
	)

	runErr := make(chan error, 1)
	go func() { runErr <- sup.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		factory.mu.Lock()
		defer factory.mu.Unlock()
		return len(factory.workers) == 1
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, sup.Stop(context.Background()))

	// Stop is synchronous: by the time it returns the producers are
	// stopped, the worker is down, and the loop has exited.
	assert.True(t, producer.isStopped())
	assert.False(t, factory.worker(0).Alive())

	select {
	case err := <-runErr:
		assert.NoError(t, err)
	default:
		t.Fatal("run had not returned when stop completed")
	}

	assert.NoError(t, sup.Stop(context.Background()), "repeat stop is a no-op")
}

func TestStopProceedsPastStubbornWorker(t *testing.T) {
	t.Parallel()

	queue := eventqueue.New(16, logger.Noop(), nil)
	factory := &fakeFactory{stopErr: errors.New("worker did not terminate within grace period")}
	metrics := &testMetrics{}
	sup := New("test-node", supervision.RunCondition{ConfigEnabled: true},
		factory, queue, nil,
		logger.Noop(), metrics, noop.NewTracerProvider().Tracer("test"),
		WithReceiveTimeout(10*time.Millisecond),
	)

	runErr := make(chan error, 1)
	go func() { runErr <- sup.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		factory.mu.Lock()
		defer factory.mu.Unlock()
		return len(factory.workers) == 1
	}, 5*time.Second, 5*time.Millisecond)

	// The stop failure is logged and counted, never escalated or retried.
	require.NoError(t, sup.Stop(context.Background()))

	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stop hung on a worker that refused to terminate")
	}

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, 1, metrics.stopTimeouts)
	assert.Equal(t, 1, factory.worker(0).stopCount(), "no second stop attempt")
}

func TestProducerStartFailureAbortsRun(t *testing.T) {
	t.Parallel()

	good := &fakeProducer{}
	bad := &fakeProducer{startErr: errors.New("dial failed")}
	queue := eventqueue.New(16, logger.Noop(), nil)
	sup := New("test-node", supervision.RunCondition{},
		&fakeFactory{}, queue, []supervision.Producer{good, bad},
		logger.Noop(), &testMetrics{}, noop.NewTracerProvider().Tracer("test"),
	)

	err := sup.Run(context.Background())
	require.Error(t, err)
	assert.True(t, good.isStopped(), "producers started before the failure are unwound")
}

func TestRunReturnsOnContextCancel(t *testing.T) {
	t.Parallel()

	producer := &fakeProducer{}
	queue := eventqueue.New(16, logger.Noop(), nil)
	factory := &fakeFactory{}
	sup := New("test-node", supervision.RunCondition{ConfigEnabled: true},
		factory, queue, []supervision.Producer{producer},
		logger.Noop(), &testMetrics{}, noop.NewTracerProvider().Tracer("test"),
		WithReceiveTimeout(10*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- sup.Run(ctx) }()

	require.Eventually(t, func() bool {
		factory.mu.Lock()
		defer factory.mu.Unlock()
		return len(factory.workers) == 1
	}, 5*time.Second, 5*time.Millisecond)

	cancel()

	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("run never returned after cancel")
	}
	assert.False(t, factory.worker(0).Alive(), "cancellation tears the worker down")
	assert.True(t, producer.isStopped(), "cancellation tears the producers down")
}

// Closing the queue out from under the loop, without calling Stop, must not
// leak the worker or the producers.
func TestQueueCloseTearsDownWorker(t *testing.T) {
	t.Parallel()

	producer := &fakeProducer{}
	queue := eventqueue.New(16, logger.Noop(), nil)
	factory := &fakeFactory{}
	sup := New("test-node", supervision.RunCondition{ConfigEnabled: true},
		factory, queue, []supervision.Producer{producer},
		logger.Noop(), &testMetrics{}, noop.NewTracerProvider().Tracer("test"),
		WithReceiveTimeout(10*time.Millisecond),
	)

	runErr := make(chan error, 1)
	go func() { runErr <- sup.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		factory.mu.Lock()
		defer factory.mu.Unlock()
		return len(factory.workers) == 1
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, queue.Close())

	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run never returned after queue close")
	}
	assert.False(t, factory.worker(0).Alive())
	assert.True(t, producer.isStopped())
}
