// Package events defines event types and payloads for the xonrelay event system.
package events

import (
	"time"

	"github.com/xonrelay/xonrelay/internal/network"
	"github.com/xonrelay/xonrelay/internal/protocol"
)

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Game server traffic
	EventChatMessage  EventType = "chat_message"
	EventStatusPolled EventType = "status_polled"
	EventRconSent     EventType = "rcon_sent"

	// Connection lifecycle
	EventConnectionState  EventType = "connection_state"
	EventConnectionFailed EventType = "connection_failed"

	// Notification events
	EventNotifyAdmin EventType = "notify_admin"
	EventNotifyMQTT  EventType = "notify_mqtt"

	// System events
	EventConfigChanged EventType = "config_changed"
	EventShutdown      EventType = "shutdown"
)

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// ChatMessagePayload carries one broadcast received from a game server.
type ChatMessagePayload struct {
	Server     string                 `json:"server"`
	Kind       protocol.BroadcastKind `json:"kind"`
	Text       string                 `json:"text"`
	Plain      string                 `json:"plain"`
	ReceivedAt time.Time              `json:"received_at"`
}

// ConnectionStatePayload reports a state transition.
type ConnectionStatePayload struct {
	Server string        `json:"server"`
	From   network.State `json:"from"`
	To     network.State `json:"to"`
	At     time.Time     `json:"at"`
}

// ConnectionFailedPayload reports a connection entering the Failed state.
type ConnectionFailedPayload struct {
	Server string    `json:"server"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// StatusPolledPayload carries a status snapshot taken by the health manager.
type StatusPolledPayload struct {
	Server string                   `json:"server"`
	Status *protocol.StatusSnapshot `json:"status"`
	At     time.Time                `json:"at"`
}

// RconSentPayload records an rcon command. The password never appears here.
type RconSentPayload struct {
	Server  string    `json:"server"`
	Command string    `json:"command"`
	Origin  string    `json:"origin"`
	At      time.Time `json:"at"`
}

// NotifyAdminPayload is used for sending administrator notifications.
type NotifyAdminPayload struct {
	Title   string
	Message string
	Level   string // "info", "warning", "error"
}

// NotifyMQTTPayload asks telemetry to publish Data under Topic.
type NotifyMQTTPayload struct {
	Topic string
	Data  interface{}
}

// ConfigChangedPayload is emitted when configuration changes occur.
type ConfigChangedPayload struct {
	Section string
	Key     string
	Value   interface{}
}
