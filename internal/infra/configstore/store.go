// Package configstore adapts a viper-backed configuration file into the
// store contract the supervisor consumes: a point-in-time read of a boolean
// leaf plus prioritized push subscriptions delivering exactly one callback
// per commit that touches a subscribed path.
package configstore

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/orchestrant/bgworker/internal/domain/supervision"
	"github.com/orchestrant/bgworker/pkg/common/logger"
)

// Handler receives the subscribed leaf's final value, once per commit that
// touched the leaf.
type Handler func(ctx context.Context, finalValue bool)

type subscription struct {
	id       int
	path     string
	priority int
	handler  Handler
}

var _ supervision.ConfigReader = (*Store)(nil)

// Store wraps one configuration file. Every write to the file is one commit:
// the store diffs the flattened settings against its previous snapshot and
// notifies each touched subscription exactly once with the leaf's final
// value, in ascending priority order (lower priority runs first, ahead of
// its dependents).
type Store struct {
	v *viper.Viper

	mu       sync.Mutex
	subs     []subscription
	nextID   int
	snapshot map[string]any
	watching bool

	logger *logger.Logger
	tracer trace.Tracer
}

// NewStore reads the configuration file and takes the initial snapshot.
// A missing or unparsable file is fatal; the supervisor cannot start without
// a known initial condition.
func NewStore(configFile string, log *logger.Logger, tracer trace.Tracer) (*Store, error) {
	v := viper.New()
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", configFile, err)
	}

	return &Store{
		v:        v,
		snapshot: flatten("", v.AllSettings()),
		logger:   log.With("component", "config_store", "config_file", configFile),
		tracer:   tracer,
	}, nil
}

// ReadBool returns the leaf's current value, or ErrLeafNotFound when the
// path does not resolve.
func (s *Store) ReadBool(ctx context.Context, path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.v.IsSet(path) {
		return false, fmt.Errorf("path %q: %w", path, supervision.ErrLeafNotFound)
	}
	return s.v.GetBool(path), nil
}

// Register subscribes handler to commits touching path. Subscriptions fire
// in ascending priority order within a commit. The returned id deregisters
// via Unregister.
func (s *Store) Register(path string, priority int, handler Handler) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	s.subs = append(s.subs, subscription{id: s.nextID, path: path, priority: priority, handler: handler})
	sort.SliceStable(s.subs, func(i, j int) bool { return s.subs[i].priority < s.subs[j].priority })
	return s.nextID
}

// Unregister removes a subscription. Once Unregister returns, the handler
// will not be invoked again: commit processing holds the same lock.
func (s *Store) Unregister(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subs {
		if sub.id == id {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return
		}
	}
}

// Watch starts delivering commits. Idempotent; the underlying file watcher
// is owned by viper and lives until process exit.
func (s *Store) Watch(ctx context.Context) {
	s.mu.Lock()
	if s.watching {
		s.mu.Unlock()
		return
	}
	s.watching = true
	s.mu.Unlock()

	s.v.OnConfigChange(func(in fsnotify.Event) {
		s.applyCommit(ctx)
	})
	s.v.WatchConfig()
	s.logger.Info(ctx, "config store watching for commits")
}

// applyCommit processes one commit cycle: diff the flattened settings
// against the previous snapshot, then notify every subscription whose path
// was touched exactly once with the final leaf value. Debounce is inherent:
// however many sub-changes the commit carried, the value is computed once
// after the diff ("collect during iteration, emit once after").
func (s *Store) applyCommit(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "config_store.apply_commit")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	newSnapshot := flatten("", s.v.AllSettings())
	changed := diffKeys(s.snapshot, newSnapshot)
	s.snapshot = newSnapshot

	span.SetAttributes(attribute.Int("changed_keys", len(changed)))
	if len(changed) == 0 {
		return
	}

	for _, sub := range s.subs {
		if !touches(changed, sub.path) {
			continue
		}
		final := s.v.GetBool(sub.path)
		s.logger.Debug(ctx, "commit touched subscribed path",
			"path", sub.path, "priority", sub.priority, "final_value", final)
		sub.handler(ctx, final)
	}
}

// touches reports whether any changed key equals path or lies beneath it.
func touches(changed []string, path string) bool {
	for _, key := range changed {
		if key == path || strings.HasPrefix(key, path+".") {
			return true
		}
	}
	return false
}

func diffKeys(old, new map[string]any) []string {
	var changed []string
	for k, v := range new {
		if prev, ok := old[k]; !ok || !reflect.DeepEqual(prev, v) {
			changed = append(changed, k)
		}
	}
	for k := range old {
		if _, ok := new[k]; !ok {
			changed = append(changed, k)
		}
	}
	return changed
}

// flatten converts viper's nested settings map into dotted leaf keys so
// commits can be diffed key by key.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}
