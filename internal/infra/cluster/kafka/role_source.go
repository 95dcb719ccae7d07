// Package kafka provides an HA role source consuming role-change
// notifications from a Kafka topic. It suits clusters whose membership
// service already publishes lifecycle events to a broker instead of exposing
// a direct notification socket.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/orchestrant/bgworker/internal/domain/supervision"
	"github.com/orchestrant/bgworker/pkg/common/logger"
)

// eventTypeHeader carries the notification type; consumption is filtered on
// it so unrelated lifecycle events sharing the topic are skipped cheaply.
const eventTypeHeader = "event_type"

// EventTypeHaInfo is the notification type this source consumes.
const EventTypeHaInfo = "ha_info"

// Config contains the settings for connecting to the role-notification topic.
type Config struct {
	// Brokers is a list of Kafka broker addresses to connect to.
	Brokers []string `yaml:"brokers"`

	// RoleTopic is the topic carrying cluster role notifications.
	RoleTopic string `yaml:"role_topic"`

	// GroupID identifies the consumer group for this node. Role state is
	// per-node, so every node uses its own group.
	GroupID string `yaml:"group_id"`

	// ClientID uniquely identifies this client to the Kafka cluster.
	ClientID string `yaml:"client_id"`
}

// rolePayload is the wire-level notification body.
type rolePayload struct {
	Role string `json:"role"`
}

var _ supervision.Producer = (*RoleSource)(nil)

// RoleSource consumes HA role notifications from Kafka and publishes
// HaModeEvents. Malformed payloads are recoverable: logged and skipped with
// the previous HA state retained.
type RoleSource struct {
	consumerGroup sarama.ConsumerGroup
	topic         string
	queue         supervision.EventQueue

	mu     sync.Mutex
	cancel context.CancelFunc
	donec  chan struct{}

	logger *logger.Logger
	tracer trace.Tracer
}

// NewRoleSource connects the consumer group for the role topic.
func NewRoleSource(cfg *Config, queue supervision.EventQueue, log *logger.Logger, tracer trace.Tracer) (*RoleSource, error) {
	if cfg == nil || len(cfg.Brokers) == 0 || cfg.RoleTopic == "" {
		return nil, errors.New("kafka role source requires brokers and a role topic")
	}

	log = log.With(
		"component", "kafka_role_source",
		"client_id", cfg.ClientID,
		"group_id", cfg.GroupID,
		"topic", cfg.RoleTopic,
	)

	consumerConfig := sarama.NewConfig()
	consumerConfig.ClientID = cfg.ClientID
	consumerConfig.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	// Role notifications are level state; only the stream from now on
	// matters, the seed query covers the past.
	consumerConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	consumerConfig.Consumer.Group.Session.Timeout = 20 * time.Second
	consumerConfig.Consumer.Group.Heartbeat.Interval = 6 * time.Second
	consumerConfig.Version = sarama.V2_8_0_0

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, consumerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	return &RoleSource{
		consumerGroup: consumerGroup,
		topic:         cfg.RoleTopic,
		queue:         queue,
		donec:         make(chan struct{}),
		logger:        log,
		tracer:        tracer,
	}, nil
}

// Start launches the consume loop in the background.
func (rs *RoleSource) Start(ctx context.Context) error {
	ctx, span := rs.tracer.Start(ctx, "kafka_role_source.start",
		trace.WithAttributes(attribute.String("topic", rs.topic)))
	defer span.End()

	rs.mu.Lock()
	if rs.cancel != nil {
		rs.mu.Unlock()
		return errors.New("role source already started")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	rs.cancel = cancel
	rs.mu.Unlock()

	handler := &roleHandler{source: rs}

	go func() {
		defer close(rs.donec)
		for {
			if err := rs.consumerGroup.Consume(runCtx, []string{rs.topic}, handler); err != nil {
				if runCtx.Err() != nil {
					return
				}
				rs.logger.Error(runCtx, "consume loop error, rejoining group", "error", err)
			}
			if runCtx.Err() != nil {
				return
			}
		}
	}()

	rs.logger.Info(ctx, "kafka role source started")
	return nil
}

// Stop cancels the consume loop, joins it, and closes the consumer group.
func (rs *RoleSource) Stop() error {
	rs.mu.Lock()
	cancel := rs.cancel
	rs.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	<-rs.donec
	err := rs.consumerGroup.Close()
	rs.logger.Info(context.Background(), "kafka role source stopped")
	return err
}

// roleHandler implements sarama.ConsumerGroupHandler for role notifications.
type roleHandler struct {
	source *RoleSource
}

// Setup is a no-op; no per-session state is required.
func (h *roleHandler) Setup(sarama.ConsumerGroupSession) error { return nil }

// Cleanup is a no-op.
func (h *roleHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim processes messages from an assigned partition, filtering by
// notification type and translating known roles into HaModeEvents.
func (h *roleHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	rs := h.source
	for msg := range claim.Messages() {
		ctx, span := rs.tracer.Start(sess.Context(), "kafka_role_source.consume",
			trace.WithAttributes(
				attribute.String("topic", msg.Topic),
				attribute.Int64("offset", msg.Offset),
			))

		if !matchesType(msg, EventTypeHaInfo) {
			sess.MarkMessage(msg, "")
			span.AddEvent("skipped_by_type_filter")
			span.End()
			continue
		}

		var payload rolePayload
		if err := json.Unmarshal(msg.Value, &payload); err != nil {
			rs.logger.Warn(ctx, "dropping malformed role notification", "error", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "malformed payload")
			sess.MarkMessage(msg, "")
			span.End()
			continue
		}

		role, ok := supervision.ParseHaRole(payload.Role)
		if !ok {
			rs.logger.Debug(ctx, "ignoring unrecognized ha role", "role", payload.Role)
			sess.MarkMessage(msg, "")
			span.End()
			continue
		}

		if err := rs.queue.Publish(ctx, supervision.NewHaModeEvent(role)); err != nil {
			rs.logger.Warn(ctx, "failed to publish ha mode event", "error", err)
		}
		sess.MarkMessage(msg, "")
		span.End()
	}
	return nil
}

func matchesType(msg *sarama.ConsumerMessage, want string) bool {
	for _, h := range msg.Headers {
		if string(h.Key) == eventTypeHeader {
			return string(h.Value) == want
		}
	}
	// Messages without the header are assumed to be role notifications from
	// producers predating the header convention.
	return true
}
