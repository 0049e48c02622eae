// Package kafka connects the intake listener to a Kafka topic and publishes
// send requests to it.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/djlord-it/mailrelay/internal/domain"
	"github.com/djlord-it/mailrelay/internal/intake"
)

type ReaderConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	MaxWait time.Duration
}

// Reader is one consumer-group member. Offsets are committed explicitly, so
// a message is only marked consumed after the listener commits it.
type Reader struct {
	r *kafka.Reader
}

func NewReader(cfg ReaderConfig) *Reader {
	maxWait := cfg.MaxWait
	if maxWait <= 0 {
		maxWait = time.Second
	}
	return &Reader{r: kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        maxWait,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: 0,
	})}
}

// NewReaders returns n members of the same consumer group. Kafka assigns
// each member its own partitions, which keeps per-partition order.
func NewReaders(cfg ReaderConfig, n int) []*Reader {
	if n < 1 {
		n = 1
	}
	readers := make([]*Reader, n)
	for i := range readers {
		readers[i] = NewReader(cfg)
	}
	return readers
}

func (r *Reader) Fetch(ctx context.Context) (intake.Envelope, error) {
	msg, err := r.r.FetchMessage(ctx)
	if err != nil {
		return intake.Envelope{}, err
	}
	return toEnvelope(msg), nil
}

func (r *Reader) Commit(ctx context.Context, env intake.Envelope) error {
	msg, ok := env.Raw.(kafka.Message)
	if !ok {
		return fmt.Errorf("kafka: envelope at offset %d was not fetched from kafka", env.Offset)
	}
	return r.r.CommitMessages(ctx, msg)
}

func (r *Reader) Close() error {
	return r.r.Close()
}

func toEnvelope(msg kafka.Message) intake.Envelope {
	return intake.Envelope{
		Key:       string(msg.Key),
		Value:     msg.Value,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Time:      msg.Time,
		Raw:       msg,
	}
}

// Publisher writes send requests keyed by id, so every message for one id
// lands on the same partition.
type Publisher struct {
	w *kafka.Writer
}

func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{w: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}}
}

func (p *Publisher) Publish(ctx context.Context, msgs ...domain.Message) error {
	out := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		km, err := toKafkaMessage(m)
		if err != nil {
			return err
		}
		out = append(out, km)
	}
	return p.w.WriteMessages(ctx, out...)
}

func (p *Publisher) Close() error {
	return p.w.Close()
}

func toKafkaMessage(m domain.Message) (kafka.Message, error) {
	if !m.HasID() {
		return kafka.Message{}, errors.New("kafka: message id is required")
	}
	value, err := domain.EncodeMessage(m)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("kafka: encode %s: %w", m.ID, err)
	}
	return kafka.Message{Key: []byte(m.ID), Value: value}, nil
}

var _ intake.Source = (*Reader)(nil)
