package anchor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer the Kafka sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaLog appends one message per digest to a topic, keyed by digest so
// repeated anchoring of one event lands in one partition.
type KafkaLog struct {
	writer MessageWriter
	topic  string
	clock  func() time.Time
}

// NewKafkaWriter returns a synchronous writer that waits for every in-sync
// replica before acknowledging.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 5 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}
}

// NewKafkaLog returns a sink over w. topic is only used in references.
func NewKafkaLog(w MessageWriter, topic string) *KafkaLog {
	return &KafkaLog{writer: w, topic: topic, clock: time.Now}
}

func (k *KafkaLog) Name() string { return "kafka" }

type anchorMessage struct {
	Digest     string `json:"digest"`
	EventID    string `json:"eventId"`
	AnchoredAt string `json:"anchoredAt"`
}

// Anchor returns "<topic>/<digest>".
func (k *KafkaLog) Anchor(ctx context.Context, eventID, digest string) (string, error) {
	value, err := json.Marshal(anchorMessage{
		Digest:     digest,
		EventID:    eventID,
		AnchoredAt: k.clock().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", err
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(digest),
		Value: value,
		Headers: []kafka.Header{
			{Key: "eventId", Value: []byte(eventID)},
		},
	}); err != nil {
		return "", fmt.Errorf("kafka write: %w", err)
	}
	return k.topic + "/" + digest, nil
}

// Close flushes and closes the writer.
func (k *KafkaLog) Close() error { return k.writer.Close() }
