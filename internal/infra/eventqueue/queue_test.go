package eventqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestrant/bgworker/internal/domain/supervision"
	"github.com/orchestrant/bgworker/pkg/common/logger"
)

type countingMetrics struct {
	mu        sync.Mutex
	published int
	dropped   int
}

func (m *countingMetrics) IncEventPublished(ctx context.Context, eventType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published++
}

func (m *countingMetrics) IncEventDropped(ctx context.Context, eventType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped++
}

func TestPublishThenReceive(t *testing.T) {
	t.Parallel()

	q := New(4, logger.Noop(), nil)
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, supervision.NewConfigEnabledEvent(true)))

	evt, err := q.Receive(ctx, time.Second)
	require.NoError(t, err)

	enabled, ok := evt.(supervision.ConfigEnabledEvent)
	require.True(t, ok)
	assert.True(t, enabled.Enabled())
}

func TestReceiveTimesOutWhenEmpty(t *testing.T) {
	t.Parallel()

	q := New(4, logger.Noop(), nil)

	start := time.Now()
	evt, err := q.Receive(context.Background(), 50*time.Millisecond)
	assert.Nil(t, evt)
	assert.ErrorIs(t, err, supervision.ErrReceiveTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestReceiveWakesOnLatePublish(t *testing.T) {
	t.Parallel()

	q := New(4, logger.Noop(), nil)
	ctx := context.Background()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = q.Publish(ctx, supervision.NewHaModeEvent(supervision.RoleMaster))
	}()

	evt, err := q.Receive(ctx, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, supervision.EventTypeHaMode, evt.EventType())
}

func TestPerProducerOrderPreserved(t *testing.T) {
	t.Parallel()

	q := New(8, logger.Noop(), nil)
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, supervision.NewConfigEnabledEvent(true)))
	require.NoError(t, q.Publish(ctx, supervision.NewConfigEnabledEvent(false)))
	require.NoError(t, q.Publish(ctx, supervision.NewConfigEnabledEvent(true)))

	want := []bool{true, false, true}
	for i, expected := range want {
		evt, err := q.Receive(ctx, time.Second)
		require.NoError(t, err)
		assert.Equal(t, expected, evt.(supervision.ConfigEnabledEvent).Enabled(), "event %d out of order", i)
	}
}

func TestPublishDropsOnOverflowWithoutBlocking(t *testing.T) {
	t.Parallel()

	metrics := &countingMetrics{}
	q := New(2, logger.Noop(), metrics)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			_ = q.Publish(ctx, supervision.NewConfigEnabledEvent(true))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full queue")
	}

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, 2, metrics.published)
	assert.Equal(t, 8, metrics.dropped)
}

func TestCloseUnblocksReceiver(t *testing.T) {
	t.Parallel()

	q := New(4, logger.Noop(), nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Receive(context.Background(), time.Minute)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, supervision.ErrQueueClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("receiver never unblocked after Close")
	}
}

func TestBufferedEventsDrainAfterClose(t *testing.T) {
	t.Parallel()

	q := New(4, logger.Noop(), nil)
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, supervision.NewExitEvent()))
	require.NoError(t, q.Close())

	evt, err := q.Receive(ctx, time.Second)
	require.NoError(t, err, "events buffered before Close must still drain")
	assert.Equal(t, supervision.EventTypeExit, evt.EventType())

	require.NoError(t, q.Close(), "close is idempotent")
}

func TestPublishAfterCloseReturnsClosed(t *testing.T) {
	t.Parallel()

	q := New(4, logger.Noop(), nil)
	require.NoError(t, q.Close())

	err := q.Publish(context.Background(), supervision.NewConfigEnabledEvent(true))
	assert.ErrorIs(t, err, supervision.ErrQueueClosed)
}

func TestReceiveHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	q := New(4, logger.Noop(), nil)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := q.Receive(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}
