package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/plantflow/flowengine/pkg/logger"
	"github.com/plantflow/flowengine/pkg/metrics"
)

// MemoryEventBus is an in-process bus on top of watermill's GoChannel.
type MemoryEventBus struct {
	pubSub *gochannel.GoChannel
	logger logger.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

type MemoryConfig struct {
	OutputBuffer int64
	// BlockUntilAck makes Publish wait for subscribers to finish handling.
	BlockUntilAck bool
}

func NewMemoryEventBus(cfg MemoryConfig, log logger.Logger) *MemoryEventBus {
	if cfg.OutputBuffer <= 0 {
		cfg.OutputBuffer = 1000
	}
	pubSub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            cfg.OutputBuffer,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: cfg.BlockUntilAck,
		},
		NewWatermillLogger(log),
	)

	return &MemoryEventBus{
		pubSub: pubSub,
		logger: log.With("component", "memory-bus"),
	}
}

func (b *MemoryEventBus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}

	event = prepare(event)
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(event.ID, data)
	msg.Metadata.Set("event-type", event.Type)
	msg.Metadata.Set("correlation-id", event.Metadata.CorrelationID)
	msg.SetContext(ctx)

	if err := b.pubSub.Publish(event.Route(), msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	metrics.RecordEventPublished(event.Type)
	return nil
}

func (b *MemoryEventBus) Subscribe(ctx context.Context, topic string, handler EventHandler) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}

	messages, err := b.pubSub.Subscribe(ctx, topic)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range messages {
			b.deliver(ctx, topic, msg, handler)
		}
	}()

	return nil
}

func (b *MemoryEventBus) deliver(ctx context.Context, topic string, msg *message.Message, handler EventHandler) {
	defer msg.Ack()

	var event Event
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		b.logger.Error("failed to unmarshal event", "topic", topic, "error", err)
		return
	}
	metrics.RecordEventConsumed(event.Type, topic)

	if err := handler(ctx, event); err != nil {
		b.logger.Warn("event handler failed", "topic", topic, "eventId", event.ID, "error", err)
	}
}

func (b *MemoryEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	err := b.pubSub.Close()
	b.wg.Wait()
	return err
}

// watermillLogger adapts Logger to watermill.LoggerAdapter.
type watermillLogger struct {
	logger logger.Logger
}

func NewWatermillLogger(log logger.Logger) watermill.LoggerAdapter {
	return &watermillLogger{logger: log}
}

func (w *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	w.logger.Error(msg, append(logger.Fields(fields), "error", err)...)
}

func (w *watermillLogger) Info(msg string, fields watermill.LogFields) {
	w.logger.Info(msg, logger.Fields(fields)...)
}

func (w *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	w.logger.Debug(msg, logger.Fields(fields)...)
}

func (w *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	w.logger.Debug(msg, logger.Fields(fields)...)
}

func (w *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillLogger{logger: w.logger.With(logger.Fields(fields)...)}
}
