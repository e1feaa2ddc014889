// Package kafka publishes outbox payloads to a Kafka topic
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"go.outboxrelay.tech/internal/publisher"
)

// MessageWriter is the subset of kafka.Writer the publisher needs (for testing)
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config holds Kafka publisher settings
type Config struct {
	Name         string
	Types        []string
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// Publisher writes each payload as one Kafka record
type Publisher struct {
	publisher.Base
	writer MessageWriter
	topic  string
}

// New creates a publisher with a writer requiring acknowledgement from all replicas
func New(cfg Config) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka: topic is required")
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.LeastBytes{},
		RequiredAcks:           kafka.RequireAll,
		WriteTimeout:           cfg.WriteTimeout,
		AllowAutoTopicCreation: false,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.Error().Str("publisher", cfg.Name).Msgf(msg, args...)
		}),
	}

	log.Info().
		Str("publisher", cfg.Name).
		Strs("brokers", cfg.Brokers).
		Str("topic", cfg.Topic).
		Msg("Kafka publisher initialized")

	return NewWithWriter(writer, cfg), nil
}

// NewWithWriter creates a publisher over an existing writer. The writer must
// have its topic set.
func NewWithWriter(writer MessageWriter, cfg Config) *Publisher {
	return &Publisher{
		Base:   publisher.NewBase(cfg.Name, cfg.Types),
		writer: writer,
		topic:  cfg.Topic,
	}
}

// Publish writes payload and waits for the broker acknowledgement
func (p *Publisher) Publish(ctx context.Context, payload string) error {
	err := p.writer.WriteMessages(ctx, kafka.Message{Value: []byte(payload)})
	if err != nil {
		err = fmt.Errorf("kafka: write to %s: %w", p.topic, err)
	}
	return p.Record(err)
}

// Close flushes and closes the writer
func (p *Publisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka writer: %w", err)
	}
	return nil
}
