// Package supervision contains the domain model for HA-aware background
// worker supervision: the events that drive the supervisor loop, the
// aggregated run condition derived from them, and the ports the application
// layer depends on.
package supervision

import "time"

// EventType represents a supervision event category, enabling type-safe
// routing inside the supervisor loop.
type EventType string

// Supervision event type constants.
const (
	// EventTypeConfigEnabled is emitted by the config watcher whenever a
	// commit touches the enable leaf.
	EventTypeConfigEnabled EventType = "ConfigEnabledChanged"

	// EventTypeHaMode is emitted by an HA role source on a role transition.
	EventTypeHaMode EventType = "HaModeChanged"

	// EventTypeExit wakes the supervisor loop during shutdown so it returns
	// promptly instead of waiting out its receive timeout.
	EventTypeExit EventType = "SupervisorExit"
)

// Event is the closed set of messages consumed by the supervisor loop.
// Implementations are ConfigEnabledEvent, HaModeEvent and ExitEvent; the
// supervisor handles each exhaustively by type switch.
type Event interface {
	// EventType returns the type of this event.
	EventType() EventType
	// OccurredAt returns when this event was produced.
	OccurredAt() time.Time
}

// ConfigEnabledEvent carries the final value of the enable leaf after a
// config commit. Exactly one is emitted per commit that touches the leaf,
// regardless of how many sub-changes the commit contained.
type ConfigEnabledEvent struct {
	enabled    bool
	occurredAt time.Time
}

// NewConfigEnabledEvent creates a config enable/disable event.
func NewConfigEnabledEvent(enabled bool) ConfigEnabledEvent {
	return ConfigEnabledEvent{enabled: enabled, occurredAt: time.Now().UTC()}
}

// EventType returns the type of this event.
func (e ConfigEnabledEvent) EventType() EventType { return EventTypeConfigEnabled }

// OccurredAt returns when this event occurred.
func (e ConfigEnabledEvent) OccurredAt() time.Time { return e.occurredAt }

// Enabled returns the leaf's final value for the commit.
func (e ConfigEnabledEvent) Enabled() bool { return e.enabled }

// HaModeEvent carries the node's new HA role. Role values outside the known
// set are never published; sources drop them before they reach the queue.
type HaModeEvent struct {
	role       HaRole
	occurredAt time.Time
}

// NewHaModeEvent creates an HA role transition event.
func NewHaModeEvent(role HaRole) HaModeEvent {
	return HaModeEvent{role: role, occurredAt: time.Now().UTC()}
}

// EventType returns the type of this event.
func (e HaModeEvent) EventType() EventType { return EventTypeHaMode }

// OccurredAt returns when this event occurred.
func (e HaModeEvent) OccurredAt() time.Time { return e.occurredAt }

// Role returns the node's new HA role.
func (e HaModeEvent) Role() HaRole { return e.role }

// ExitEvent instructs the supervisor loop to return. It is posted exactly
// once, by Stop, after both producers are down and the worker is stopped.
type ExitEvent struct {
	occurredAt time.Time
}

// NewExitEvent creates an exit event.
func NewExitEvent() ExitEvent { return ExitEvent{occurredAt: time.Now().UTC()} }

// EventType returns the type of this event.
func (e ExitEvent) EventType() EventType { return EventTypeExit }

// OccurredAt returns when this event occurred.
func (e ExitEvent) OccurredAt() time.Time { return e.occurredAt }
