package supervision

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/orchestrant/bgworker/internal/infra/eventqueue"
)

// SupervisionMetrics defines metrics operations needed by the supervisor.
type SupervisionMetrics interface {
	// Event queue metrics.
	eventqueue.Metrics

	// Worker lifecycle metrics.
	SetWorkerRunning(ctx context.Context, running bool)
	IncWorkerStarted(ctx context.Context)
	IncWorkerStopped(ctx context.Context)
	IncWorkerStartErrors(ctx context.Context)
	IncWorkerStopTimeouts(ctx context.Context)
	IncRestartsThrottled(ctx context.Context)

	// HA role metrics.
	SetLeaderStatus(ctx context.Context, isLeader bool)

	// Config metrics.
	IncConfigReloads(ctx context.Context)
}

type supervisionMetrics struct {
	eventsPublished metric.Int64Counter
	eventsDropped   metric.Int64Counter

	workerRunning      metric.Int64UpDownCounter
	workerStarts       metric.Int64Counter
	workerStops        metric.Int64Counter
	workerStartErrors  metric.Int64Counter
	workerStopTimeouts metric.Int64Counter
	restartsThrottled  metric.Int64Counter

	leaderStatus metric.Int64UpDownCounter

	configReloads metric.Int64Counter
}

const namespace = "supervisor"

// NewSupervisionMetrics creates a new supervision metrics instance.
func NewSupervisionMetrics(mp metric.MeterProvider) (*supervisionMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(supervisionMetrics)
	var err error

	if m.eventsPublished, err = meter.Int64Counter(
		"events_published_total",
		metric.WithDescription("Total number of events published to the supervisor queue"),
	); err != nil {
		return nil, err
	}

	if m.eventsDropped, err = meter.Int64Counter(
		"events_dropped_total",
		metric.WithDescription("Total number of events dropped because the queue was full"),
	); err != nil {
		return nil, err
	}

	if m.workerRunning, err = meter.Int64UpDownCounter(
		"worker_running",
		metric.WithDescription("Indicates if the worker process is running (1) or not (0)"),
	); err != nil {
		return nil, err
	}

	if m.workerStarts, err = meter.Int64Counter(
		"worker_starts_total",
		metric.WithDescription("Total number of worker process starts"),
	); err != nil {
		return nil, err
	}

	if m.workerStops, err = meter.Int64Counter(
		"worker_stops_total",
		metric.WithDescription("Total number of clean worker process stops"),
	); err != nil {
		return nil, err
	}

	if m.workerStartErrors, err = meter.Int64Counter(
		"worker_start_errors_total",
		metric.WithDescription("Total number of worker process start failures"),
	); err != nil {
		return nil, err
	}

	if m.workerStopTimeouts, err = meter.Int64Counter(
		"worker_stop_timeouts_total",
		metric.WithDescription("Total number of workers that did not terminate within the grace period"),
	); err != nil {
		return nil, err
	}

	if m.restartsThrottled, err = meter.Int64Counter(
		"worker_restarts_throttled_total",
		metric.WithDescription("Total number of worker starts deferred by the restart limiter"),
	); err != nil {
		return nil, err
	}

	if m.leaderStatus, err = meter.Int64UpDownCounter(
		"leader_status",
		metric.WithDescription("Indicates if this node is the HA master (1) or not (0)"),
	); err != nil {
		return nil, err
	}

	if m.configReloads, err = meter.Int64Counter(
		"config_reloads_total",
		metric.WithDescription("Total number of enable-flag configuration changes applied"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// Interface implementation methods.
func (m *supervisionMetrics) IncEventPublished(ctx context.Context, eventType string) {
	m.eventsPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}
func (m *supervisionMetrics) IncEventDropped(ctx context.Context, eventType string) {
	m.eventsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

func (m *supervisionMetrics) SetWorkerRunning(ctx context.Context, running bool) {
	if running {
		m.workerRunning.Add(ctx, 1)
	} else {
		m.workerRunning.Add(ctx, -1)
	}
}

func (m *supervisionMetrics) IncWorkerStarted(ctx context.Context)     { m.workerStarts.Add(ctx, 1) }
func (m *supervisionMetrics) IncWorkerStopped(ctx context.Context)     { m.workerStops.Add(ctx, 1) }
func (m *supervisionMetrics) IncWorkerStartErrors(ctx context.Context) { m.workerStartErrors.Add(ctx, 1) }
func (m *supervisionMetrics) IncWorkerStopTimeouts(ctx context.Context) {
	m.workerStopTimeouts.Add(ctx, 1)
}
func (m *supervisionMetrics) IncRestartsThrottled(ctx context.Context) {
	m.restartsThrottled.Add(ctx, 1)
}

func (m *supervisionMetrics) SetLeaderStatus(ctx context.Context, isLeader bool) {
	if isLeader {
		m.leaderStatus.Add(ctx, 1)
	} else {
		m.leaderStatus.Add(ctx, -1)
	}
}

func (m *supervisionMetrics) IncConfigReloads(ctx context.Context) { m.configReloads.Add(ctx, 1) }
