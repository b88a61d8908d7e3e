package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/dmitrymomot/notifykit/pkg/notifications"
)

// ChannelEvent carries notifications to downstream consumers over Kafka.
const ChannelEvent notifications.Channel = "event"

// MessageWriter is the subset of *kafka.Writer used by KafkaDeliverer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaDeliverer publishes notifications as JSON records keyed by recipient id,
// so one recipient's notifications land on one partition in order.
// The topic is metadata["topic"] when set, otherwise the configured default.
type KafkaDeliverer struct {
	writer MessageWriter
	topic  string
	now    func() time.Time
}

// NewKafkaDeliverer creates a deliverer with a kafka-go writer for cfg.Brokers.
func NewKafkaDeliverer(cfg KafkaConfig) (*KafkaDeliverer, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("%w: at least one kafka broker is required", ErrInvalidConfig)
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		RequiredAcks: kafka.RequireAll,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
	}
	return NewKafkaDelivererWithWriter(w, cfg.Topic), nil
}

// NewKafkaDelivererWithWriter wraps an existing writer. The writer must not
// set its own Topic, since each message names one.
func NewKafkaDelivererWithWriter(w MessageWriter, topic string) *KafkaDeliverer {
	if topic == "" {
		topic = "notifications"
	}
	return &KafkaDeliverer{writer: w, topic: topic, now: time.Now}
}

func (d *KafkaDeliverer) Deliver(ctx context.Context, n notifications.Notification) error {
	topic, ok := n.MetadataString("topic")
	if !ok {
		topic = d.topic
	}

	payload, err := json.Marshal(NewMessage(n))
	if err != nil {
		return errors.Join(notifications.ErrPermanentDelivery, fmt.Errorf("encode event: %w", err))
	}

	err = d.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(n.RecipientID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "notification_id", Value: []byte(n.ID)},
			{Key: "priority", Value: []byte(n.Priority.String())},
		},
		Time: d.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("kafka write to %s: %w", topic, err)
	}
	return nil
}

// Close flushes pending writes and closes the writer.
func (d *KafkaDeliverer) Close() error {
	return d.writer.Close()
}
