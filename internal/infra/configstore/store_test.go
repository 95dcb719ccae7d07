package configstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/orchestrant/bgworker/internal/domain/supervision"
	"github.com/orchestrant/bgworker/pkg/common/logger"
)

func writeConfigFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func newTestStore(t *testing.T, content string) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfigFile(t, path, content)

	store, err := NewStore(path, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	require.NoError(t, err)
	return store, path
}

// commit rewrites the config file and processes it as a single commit.
func commit(t *testing.T, store *Store, path, content string) {
	t.Helper()
	writeConfigFile(t, path, content)
	require.NoError(t, store.v.ReadInConfig())
	store.applyCommit(context.Background())
}

func TestNewStoreFailsOnMissingFile(t *testing.T) {
	t.Parallel()

	_, err := NewStore(filepath.Join(t.TempDir(), "missing.yaml"),
		logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	assert.Error(t, err)
}

func TestReadBool(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t, "worker:\n  enabled: true\n")
	ctx := context.Background()

	enabled, err := store.ReadBool(ctx, "worker.enabled")
	require.NoError(t, err)
	assert.True(t, enabled)

	_, err = store.ReadBool(ctx, "worker.missing")
	assert.ErrorIs(t, err, supervision.ErrLeafNotFound)
}

func TestCommitTouchingManyLeavesFiresHandlerOnce(t *testing.T) {
	t.Parallel()

	store, path := newTestStore(t, "worker:\n  enabled: false\n  threads: 1\n  name: a\n")

	var calls int
	var lastValue bool
	store.Register("worker.enabled", DefaultPriority, func(ctx context.Context, final bool) {
		calls++
		lastValue = final
	})

	// One commit flips the leaf and touches two sibling leaves.
	commit(t, store, path, "worker:\n  enabled: true\n  threads: 8\n  name: b\n")

	assert.Equal(t, 1, calls, "one commit must yield exactly one callback")
	assert.True(t, lastValue)
}

func TestCommitNotTouchingPathIsSilent(t *testing.T) {
	t.Parallel()

	store, path := newTestStore(t, "worker:\n  enabled: true\nother:\n  knob: 1\n")

	var calls int
	store.Register("worker.enabled", DefaultPriority, func(ctx context.Context, final bool) {
		calls++
	})

	commit(t, store, path, "worker:\n  enabled: true\nother:\n  knob: 2\n")

	assert.Zero(t, calls, "commits not touching the subscribed path must not fire")
}

func TestSubtreeSubscriptionSeesLeafChanges(t *testing.T) {
	t.Parallel()

	store, path := newTestStore(t, "worker:\n  enabled: false\n")

	var calls int
	store.Register("worker", DefaultPriority, func(ctx context.Context, final bool) {
		calls++
	})

	commit(t, store, path, "worker:\n  enabled: true\n")

	assert.Equal(t, 1, calls, "a parent-path subscription fires when a leaf beneath it changes")
}

func TestHandlersFireInAscendingPriorityOrder(t *testing.T) {
	t.Parallel()

	store, path := newTestStore(t, "worker:\n  enabled: false\n")

	var order []int
	for _, prio := range []int{300, 100, 200} {
		p := prio
		store.Register("worker.enabled", p, func(ctx context.Context, final bool) {
			order = append(order, p)
		})
	}

	commit(t, store, path, "worker:\n  enabled: true\n")

	assert.Equal(t, []int{100, 200, 300}, order)
}

func TestUnregisterStopsCallbacks(t *testing.T) {
	t.Parallel()

	store, path := newTestStore(t, "worker:\n  enabled: false\n")

	var calls int
	id := store.Register("worker.enabled", DefaultPriority, func(ctx context.Context, final bool) {
		calls++
	})
	store.Unregister(id)

	commit(t, store, path, "worker:\n  enabled: true\n")

	assert.Zero(t, calls)
}
