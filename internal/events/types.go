// Package events defines the lifecycle notifications passed between the
// connection supervisor, telemetry, health checks and the local API.
package events

import "time"

// EventType identifies an event emitted through the EventBus.
type EventType string

const (
	// Connection lifecycle
	EventStateChanged        EventType = "state_changed"
	EventConnected           EventType = "connected"
	EventDisconnected        EventType = "disconnected"
	EventConnectionLost      EventType = "connection_lost"
	EventHandshakeFailed     EventType = "handshake_failed"
	EventIncompatibleVersion EventType = "incompatible_version"

	// Reconnect policy
	EventReconnectScheduled EventType = "reconnect_scheduled"
	EventReconnectGaveUp    EventType = "reconnect_gave_up"
	EventReconnectRequested EventType = "reconnect_requested"

	// Facts
	EventFactSent       EventType = "fact_sent"
	EventFactSuppressed EventType = "fact_suppressed"
	EventFactsSnapshot  EventType = "facts_snapshot"

	// System
	EventConfigChanged EventType = "config_changed"
	EventShutdown      EventType = "shutdown"
)

// Event is a single notification.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// StateChangedPayload accompanies EventStateChanged.
type StateChangedPayload struct {
	From      string
	To        string
	SessionID string
}

// ConnectedPayload accompanies EventConnected.
type ConnectedPayload struct {
	Host          string
	Port          int
	Username      string
	SessionID     string
	ServerVersion string
}

// ConnectionLostPayload accompanies EventConnectionLost and
// EventDisconnected. Err is nil for a local, intentional disconnect.
type ConnectionLostPayload struct {
	SessionID string
	Reason    string
	Err       error
}

// HandshakeFailedPayload accompanies EventHandshakeFailed and
// EventIncompatibleVersion.
type HandshakeFailedPayload struct {
	Host          string
	Port          int
	Reason        string
	ServerVersion string
}

// ReconnectPayload accompanies the reconnect events.
type ReconnectPayload struct {
	Attempt     int
	MaxAttempts int
	Delay       time.Duration
	LastError   string
}

// FactPayload accompanies EventFactSent and EventFactSuppressed.
type FactPayload struct {
	Key     string
	Pending bool
}

// FactsSnapshotPayload accompanies EventFactsSnapshot.
type FactsSnapshotPayload struct {
	Count  int
	Resent int
}

// ConfigChangedPayload is emitted when a config value is changed at runtime.
type ConfigChangedPayload struct {
	Section string
	Key     string
	Value   interface{}
}
