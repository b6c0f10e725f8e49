package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrBusClosed = errors.New("event bus is closed")

// Event is the unit carried by an EventBus. Topic routes the event; when it
// is empty the Type is used as the topic.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Topic     string                 `json:"topic,omitempty"`
	Source    string                 `json:"source,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload"`
	Metadata  EventMetadata          `json:"metadata"`
}

type EventMetadata struct {
	CorrelationID string `json:"correlationId,omitempty"`
	CausationID   string `json:"causationId,omitempty"`
	TraceID       string `json:"traceId,omitempty"`
	QoS           int    `json:"qos,omitempty"`
	Retain        bool   `json:"retain,omitempty"`
}

// Route returns the topic the event is published on.
func (e Event) Route() string {
	if e.Topic != "" {
		return e.Topic
	}
	return e.Type
}

// EventBus publishes events and delivers them to topic subscribers. A
// subscription ends when its context is cancelled or the bus is closed.
type EventBus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, topic string, handler EventHandler) error
	Close() error
}

type EventHandler func(ctx context.Context, event Event) error

func prepare(event Event) Event {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Payload == nil {
		event.Payload = map[string]interface{}{}
	}
	return event
}

// EventBuilder assembles events fluently.
type EventBuilder struct {
	event Event
}

func NewEventBuilder(eventType string) *EventBuilder {
	return &EventBuilder{
		event: Event{
			ID:        uuid.New().String(),
			Type:      eventType,
			Timestamp: time.Now().UTC(),
			Payload:   make(map[string]interface{}),
		},
	}
}

func (b *EventBuilder) WithTopic(topic string) *EventBuilder {
	b.event.Topic = topic
	return b
}

func (b *EventBuilder) WithSource(source string) *EventBuilder {
	b.event.Source = source
	return b
}

func (b *EventBuilder) WithTimestamp(ts time.Time) *EventBuilder {
	b.event.Timestamp = ts.UTC()
	return b
}

func (b *EventBuilder) WithPayload(key string, value interface{}) *EventBuilder {
	b.event.Payload[key] = value
	return b
}

func (b *EventBuilder) WithCorrelationID(id string) *EventBuilder {
	b.event.Metadata.CorrelationID = id
	return b
}

func (b *EventBuilder) WithCausationID(id string) *EventBuilder {
	b.event.Metadata.CausationID = id
	return b
}

func (b *EventBuilder) WithTraceID(id string) *EventBuilder {
	b.event.Metadata.TraceID = id
	return b
}

func (b *EventBuilder) WithDelivery(qos int, retain bool) *EventBuilder {
	b.event.Metadata.QoS = qos
	b.event.Metadata.Retain = retain
	return b
}

func (b *EventBuilder) Build() Event {
	return b.event
}

// Event types
const (
	// Bus messages published by flows; Topic carries the user topic.
	BusMessage = "bus.message"

	FlowRunCompleted = "flow.run.completed"
	FlowRunFailed    = "flow.run.failed"
	FlowsReloaded    = "flow.reloaded"

	StateMachineTransitioned = "statemachine.transitioned"
	StateMachineEvaluated    = "statemachine.evaluated"
)
