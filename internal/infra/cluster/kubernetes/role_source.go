// Package kubernetes provides a Kubernetes-backed HA role source. The node's
// role is derived from a lease-based leader election: the lease holder is
// the master, everyone else is none. The supervisor consumes the resulting
// role transitions; it never runs election logic itself.
package kubernetes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"github.com/orchestrant/bgworker/internal/domain/supervision"
	"github.com/orchestrant/bgworker/pkg/common/logger"
)

// Compile-time checks against the ports the supervisor consumes.
var (
	_ supervision.Producer    = (*RoleSource)(nil)
	_ supervision.ClusterInfo = (*RoleSource)(nil)
)

// RoleSource manages the node's HA role using Kubernetes lease primitives.
// Gaining the lease publishes RoleMaster; losing it publishes RoleNone.
type RoleSource struct {
	nodeID string

	client kubernetes.Interface
	config *Config

	leaderElector *leaderelection.LeaderElector
	queue         supervision.EventQueue

	mu     sync.Mutex
	cancel context.CancelFunc
	donec  chan struct{}

	logger *logger.Logger
	tracer trace.Tracer
}

// NewRoleSource creates a role source with the given configuration. It sets
// up leader election using Kubernetes lease locks.
func NewRoleSource(nodeID string, cfg *Config, queue supervision.EventQueue, log *logger.Logger, tracer trace.Tracer) (*RoleSource, error) {
	_, span := tracer.Start(context.Background(), "kubernetes_role_source.new",
		trace.WithAttributes(attribute.String("node_id", nodeID)))
	defer span.End()

	if cfg == nil {
		span.SetStatus(codes.Error, "config is required")
		return nil, errors.New("config is required")
	}

	log = log.With(
		"component", "kubernetes_role_source",
		"namespace", cfg.Namespace,
		"leader_lock_id", cfg.LeaderLockID,
		"identity", cfg.Identity,
	)

	client, err := getKubernetesClient(cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create kubernetes client")
		return nil, fmt.Errorf("creating kubernetes client for role source: %w", err)
	}
	span.AddEvent("kubernetes_client_created")

	rs := &RoleSource{
		nodeID: nodeID,
		client: client,
		config: cfg,
		queue:  queue,
		donec:  make(chan struct{}),
		logger: log,
		tracer: tracer,
	}

	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      cfg.LeaderLockID,
			Namespace: cfg.Namespace,
		},
		Client: client.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: cfg.Identity,
		},
	}

	leaderConfig := leaderelection.LeaderElectionConfig{
		Lock:            lock,
		LeaseDuration:   15 * time.Second,
		RenewDeadline:   10 * time.Second,
		RetryPeriod:     2 * time.Second,
		ReleaseOnCancel: true,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: rs.onStartedLeading,
			OnStoppedLeading: rs.onStoppedLeading,
		},
	}

	elector, err := leaderelection.NewLeaderElector(leaderConfig)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create leader elector")
		return nil, fmt.Errorf("creating leader elector: %w", err)
	}
	rs.leaderElector = elector
	span.AddEvent("leader_elector_created")

	return rs, nil
}

// Start launches the election loop in the background and returns.
func (rs *RoleSource) Start(ctx context.Context) error {
	ctx, span := rs.tracer.Start(ctx, "kubernetes_role_source.start",
		trace.WithAttributes(attribute.String("node_id", rs.nodeID)))
	defer span.End()

	rs.mu.Lock()
	if rs.cancel != nil {
		rs.mu.Unlock()
		return errors.New("role source already started")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	rs.cancel = cancel
	rs.mu.Unlock()

	go func() {
		defer close(rs.donec)
		rs.leaderElector.Run(runCtx)
	}()

	rs.logger.Info(ctx, "kubernetes role source started")
	span.AddEvent("leader_elector_started")
	return nil
}

// Stop relinquishes the lease (ReleaseOnCancel) and joins the election loop.
func (rs *RoleSource) Stop() error {
	rs.mu.Lock()
	cancel := rs.cancel
	rs.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	<-rs.donec
	rs.logger.Info(context.Background(), "kubernetes role source stopped")
	return nil
}

// HAEnabled reports true: running against a cluster lease implies HA.
func (rs *RoleSource) HAEnabled(ctx context.Context) (bool, error) { return true, nil }

// IsMaster answers the point-in-time seed query by inspecting the lease
// holder directly, before any election callback has fired.
func (rs *RoleSource) IsMaster(ctx context.Context) (bool, error) {
	lease, err := rs.client.CoordinationV1().Leases(rs.config.Namespace).Get(ctx, rs.config.LeaderLockID, metav1.GetOptions{})
	if err != nil {
		// A lease that does not exist yet simply means nobody is master.
		return false, nil
	}
	holder := lease.Spec.HolderIdentity
	return holder != nil && *holder == rs.config.Identity, nil
}

func (rs *RoleSource) onStartedLeading(ctx context.Context) {
	ctx, span := rs.tracer.Start(ctx, "kubernetes_role_source.on_started_leading",
		trace.WithAttributes(attribute.String("node_id", rs.nodeID)))
	defer span.End()

	rs.logger.Info(ctx, "became master")
	rs.publish(ctx, supervision.RoleMaster)
}

func (rs *RoleSource) onStoppedLeading() {
	ctx, span := rs.tracer.Start(context.Background(), "kubernetes_role_source.on_stopped_leading",
		trace.WithAttributes(attribute.String("node_id", rs.nodeID)))
	defer span.End()

	rs.logger.Info(ctx, "lost master role")
	rs.publish(ctx, supervision.RoleNone)
}

func (rs *RoleSource) publish(ctx context.Context, role supervision.HaRole) {
	if err := rs.queue.Publish(ctx, supervision.NewHaModeEvent(role)); err != nil {
		rs.logger.Warn(ctx, "failed to publish ha mode event", "role", role, "error", err)
	}
}
