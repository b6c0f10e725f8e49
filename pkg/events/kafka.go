package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/plantflow/flowengine/pkg/logger"
	"github.com/plantflow/flowengine/pkg/metrics"
)

type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
}

// KafkaEventBus publishes each event to the Kafka topic named by Event.Route.
type KafkaEventBus struct {
	config KafkaConfig
	writer *kafka.Writer
	logger logger.Logger

	mu      sync.Mutex
	readers []*kafka.Reader
	wg      sync.WaitGroup
}

func NewKafkaEventBus(config KafkaConfig, log logger.Logger) (*KafkaEventBus, error) {
	if len(config.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.LeastBytes{},
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}

	return &KafkaEventBus{
		config: config,
		writer: writer,
		logger: log.With("component", "kafka-bus"),
	}, nil
}

func (k *KafkaEventBus) Publish(ctx context.Context, event Event) error {
	event = prepare(event)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Topic: event.Route(),
		Key:   []byte(event.Metadata.CorrelationID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.Type)},
			{Key: "trace-id", Value: []byte(event.Metadata.TraceID)},
			{Key: "correlation-id", Value: []byte(event.Metadata.CorrelationID)},
			{Key: "qos", Value: []byte(strconv.Itoa(event.Metadata.QoS))},
			{Key: "retain", Value: []byte(strconv.FormatBool(event.Metadata.Retain))},
		},
	}

	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write kafka message: %w", err)
	}
	metrics.RecordEventPublished(event.Type)
	return nil
}

func (k *KafkaEventBus) Subscribe(ctx context.Context, topic string, handler EventHandler) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.config.Brokers,
		Topic:       topic,
		GroupID:     k.config.ConsumerGroup,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.LastOffset,
		MaxWait:     1 * time.Second,
	})

	k.mu.Lock()
	k.readers = append(k.readers, reader)
	k.mu.Unlock()

	k.wg.Add(1)
	go k.consume(ctx, topic, reader, handler)

	return nil
}

func (k *KafkaEventBus) consume(ctx context.Context, topic string, reader *kafka.Reader, handler EventHandler) {
	defer k.wg.Done()
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, kafka.ErrGroupClosed) {
				return
			}
			k.logger.Warn("failed to read message", "topic", topic, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		var event Event
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			// Foreign producers send raw payloads.
			event = prepare(Event{Type: BusMessage, Topic: topic, Payload: map[string]interface{}{"value": string(msg.Value)}})
		}
		metrics.RecordEventConsumed(event.Type, topic)

		if err := handler(ctx, event); err != nil {
			k.logger.Warn("event handler failed", "topic", topic, "eventId", event.ID, "error", err)
		}
	}
}

func (k *KafkaEventBus) Close() error {
	if err := k.writer.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}

	k.mu.Lock()
	readers := k.readers
	k.readers = nil
	k.mu.Unlock()

	for _, reader := range readers {
		if err := reader.Close(); err != nil {
			k.logger.Warn("failed to close reader", "topic", reader.Config().Topic, "error", err)
		}
	}
	k.wg.Wait()

	return nil
}
