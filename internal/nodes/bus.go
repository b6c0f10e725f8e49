package nodes

import (
	"context"

	"github.com/plantflow/flowengine/internal/flow/message"
	"github.com/plantflow/flowengine/pkg/events"
	"github.com/plantflow/flowengine/pkg/resilience"
)

// BusPublisher adapts an events.EventBus to the node Publisher capability.
// Publishes are retried with backoff.
type BusPublisher struct {
	Bus    events.EventBus
	Source string
	Retry  resilience.RetryConfig
}

func NewBusPublisher(bus events.EventBus, source string) *BusPublisher {
	return &BusPublisher{Bus: bus, Source: source, Retry: resilience.DefaultRetryConfig()}
}

func (p *BusPublisher) Publish(ctx context.Context, topic string, payload interface{}, qos int, retain bool) error {
	event := events.NewEventBuilder(events.BusMessage).
		WithTopic(topic).
		WithSource(p.Source).
		WithPayload("payload", message.Normalize(payload)).
		WithDelivery(qos, retain).
		Build()
	return resilience.Retry(ctx, p.Retry, func(ctx context.Context) error {
		return p.Bus.Publish(ctx, event)
	})
}

// BusPayload extracts the flow payload carried by a bus message event.
func BusPayload(event events.Event) interface{} {
	if v, ok := event.Payload["payload"]; ok {
		return message.Normalize(v)
	}
	return message.Normalize(event.Payload)
}
