package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

// Gateway-pushed event names. These mirror the wire protocol event names so
// that frames can be republished on the bus without renaming.
const (
	EventTick             EventType = "tick"
	EventShutdown         EventType = "shutdown"
	EventConnectChallenge EventType = "connect.challenge"
	EventChat             EventType = "chat"
	EventAgent            EventType = "agent"
	EventPresence         EventType = "presence"
	EventHealth           EventType = "health"
	EventCron             EventType = "cron"
	EventNode             EventType = "node"
	EventChannelStatus    EventType = "channel.status"
	EventSessionUpdated   EventType = "session.updated"

	// EventGatewayStatus is synthetic and local to this process: the hub
	// publishes it when the upstream connection changes state. The name is
	// outside the protocol's event namespace on purpose.
	EventGatewayStatus EventType = "gateway.status"
)

// ForwardedEvents is the set of event types the SSE bridge relays to browser
// observers. EventConnectChallenge is intentionally absent: it is consumed
// inside the protocol client during the handshake.
var ForwardedEvents = []EventType{
	EventTick,
	EventShutdown,
	EventChat,
	EventAgent,
	EventPresence,
	EventHealth,
	EventCron,
	EventNode,
	EventChannelStatus,
	EventSessionUpdated,
	EventGatewayStatus,
}

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Seq       int64           `json:"seq,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for gateway events.
type EventBus interface {
	// Publish delivers an event synchronously to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close prevents further publishes.
	Close()
}

// GatewayStatusPayload is the payload of EventGatewayStatus.
type GatewayStatusPayload struct {
	State string    `json:"state"`
	Since time.Time `json:"since"`
}
