package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plantflow/flowengine/pkg/logger"
)

func TestMemoryEventBusDelivers(t *testing.T) {
	bus := NewMemoryEventBus(MemoryConfig{OutputBuffer: 10}, logger.NewNop())
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Event, 1)
	require.NoError(t, bus.Subscribe(ctx, "plant/line1/temp", func(ctx context.Context, event Event) error {
		received <- event
		return nil
	}))

	event := NewEventBuilder(BusMessage).
		WithTopic("plant/line1/temp").
		WithPayload("value", 81.5).
		WithCorrelationID("corr-1").
		WithDelivery(1, true).
		Build()
	require.NoError(t, bus.Publish(ctx, event))

	select {
	case got := <-received:
		assert.Equal(t, event.ID, got.ID)
		assert.Equal(t, 81.5, got.Payload["value"])
		assert.Equal(t, "corr-1", got.Metadata.CorrelationID)
		assert.Equal(t, 1, got.Metadata.QoS)
		assert.True(t, got.Metadata.Retain)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestMemoryEventBusRoutesByTypeWhenTopicEmpty(t *testing.T) {
	bus := NewMemoryEventBus(MemoryConfig{}, logger.NewNop())
	defer bus.Close()

	ctx := context.Background()
	received := make(chan Event, 1)
	require.NoError(t, bus.Subscribe(ctx, FlowRunCompleted, func(ctx context.Context, event Event) error {
		received <- event
		return nil
	}))

	require.NoError(t, bus.Publish(ctx, Event{Type: FlowRunCompleted}))

	select {
	case got := <-received:
		assert.NotEmpty(t, got.ID)
		assert.False(t, got.Timestamp.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestMemoryEventBusClosed(t *testing.T) {
	bus := NewMemoryEventBus(MemoryConfig{}, logger.NewNop())
	require.NoError(t, bus.Close())

	err := bus.Publish(context.Background(), Event{Type: BusMessage})
	assert.ErrorIs(t, err, ErrBusClosed)
	assert.NoError(t, bus.Close())
}
