package api

import "time"

// EventType identifies the kind of an engine event.
type EventType string

const (
	EventChannelState      EventType = "channelState"
	EventConnectorState    EventType = "connectorState"
	EventMessageComplete   EventType = "messageComplete"
	EventChannelDeployed   EventType = "channelDeployed"
	EventChannelUndeployed EventType = "channelUndeployed"
)

// Event is a typed engine event delivered to subscribers. A subscriber that
// falls behind is dropped individually; producers never block on a slow
// consumer.
type Event struct {
	Type      EventType `json:"type"`
	ChannelID string    `json:"channelId"`
	Timestamp time.Time `json:"timestamp"`

	// Channel state change.
	State ChannelState `json:"state,omitempty"`

	// Connector state change.
	MetadataID     *int           `json:"metadataId,omitempty"`
	ConnectorState ConnectorState `json:"connectorState,omitempty"`

	// Message completion.
	MessageID int64 `json:"messageId,omitempty"`

	Error string `json:"error,omitempty"`
}

// EventSink receives engine events. Implementations must not block; the
// publisher calls Publish from pipeline goroutines.
type EventSink interface {
	Publish(event Event)
}
