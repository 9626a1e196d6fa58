// Package kafkabus mirrors fanout events onto a Kafka topic keyed by device
// id, so per-device order is kept within a partition.
package kafkabus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"vitals-ingest/internal/fanout"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher implements fanout.Broadcaster with a kafka.Writer.
type Publisher struct {
	writer messageWriter
}

// New returns nil when brokers or topic are empty.
func New(brokers []string, topic string) *Publisher {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	return &Publisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}}
}

func (p *Publisher) Publish(ctx context.Context, channel string, event fanout.Event) error {
	if p == nil || p.writer == nil {
		return nil
	}
	deviceID, ok := fanout.DeviceFromChannel(channel)
	if !ok {
		return fmt.Errorf("unexpected channel %q", channel)
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(deviceID),
		Value:   payload,
		Headers: []kafka.Header{{Key: "event", Value: []byte(event.Type)}},
	})
	if err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

// Close flushes and closes the writer. Safe on a nil Publisher.
func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
