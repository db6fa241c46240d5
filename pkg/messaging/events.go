// Package messaging publishes gateway lifecycle events to external
// consumers over AMQP.
package messaging

import "time"

// Event types published by the gateway
const (
	EventDeviceOnline  = "device.online"
	EventDeviceOffline = "device.offline"
	EventCatalogSynced = "catalog.synced"
	EventStreamStarted = "stream.started"
	EventStreamStopped = "stream.stopped"
)

// Event is one gateway lifecycle notification
type Event struct {
	Type      string                 `json:"type"`
	DeviceID  string                 `json:"device_id"`
	ChannelID string                 `json:"channel_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Publisher delivers gateway events to interested consumers. Publishing is
// always fire-and-forget; implementations must never block the caller on
// delivery problems.
type Publisher interface {
	PublishEvent(event Event)
}

// NopPublisher discards all events
type NopPublisher struct{}

// PublishEvent implements Publisher
func (NopPublisher) PublishEvent(Event) {}

// MultiPublisher fans one event out to several publishers
type MultiPublisher []Publisher

// PublishEvent implements Publisher
func (m MultiPublisher) PublishEvent(event Event) {
	for _, p := range m {
		p.PublishEvent(event)
	}
}

// NewEvent builds an event stamped with the current time
func NewEvent(eventType, deviceID, channelID string) Event {
	return Event{
		Type:      eventType,
		DeviceID:  deviceID,
		ChannelID: channelID,
		Timestamp: time.Now().UTC(),
	}
}
