// Package rabbitmq publishes outbox payloads to a RabbitMQ exchange with
// publisher confirms
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"go.outboxrelay.tech/internal/publisher"
)

var (
	// ErrNacked is returned when the broker rejects a message
	ErrNacked = errors.New("rabbitmq: message nacked by broker")

	// ErrConfirmTimeout is returned when no confirmation arrives in time
	ErrConfirmTimeout = errors.New("rabbitmq: confirmation timed out")

	// ErrChannelClosed is returned when the confirm stream ends
	ErrChannelClosed = errors.New("rabbitmq: channel closed")
)

// ConfirmableChannel is the subset of *amqp.Channel the publisher needs (for testing)
type ConfirmableChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Config holds RabbitMQ publisher settings
type Config struct {
	Name           string
	Types          []string
	URL            string
	Exchange       string
	RoutingKey     string
	ConfirmTimeout time.Duration
}

// Publisher sends each payload as one persistent AMQP message and waits for
// the broker confirm. Publishes are serialized to keep confirms in order.
type Publisher struct {
	publisher.Base
	conn     *amqp.Connection
	ch       ConfirmableChannel
	confirms chan amqp.Confirmation
	config   Config
	mu       sync.Mutex
}

// New dials RabbitMQ and opens a confirm-mode channel
func New(cfg Config) (*Publisher, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq: open channel: %w", err)
	}

	p, err := NewWithChannel(ch, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

// NewWithChannel puts ch in confirm mode and creates a publisher over it
func NewWithChannel(ch ConfirmableChannel, cfg Config) (*Publisher, error) {
	if cfg.ConfirmTimeout == 0 {
		cfg.ConfirmTimeout = 5 * time.Second
	}
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("rabbitmq: enable confirms: %w", err)
	}
	return &Publisher{
		Base:     publisher.NewBase(cfg.Name, cfg.Types),
		ch:       ch,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
		config:   cfg,
	}, nil
}

// Publish sends payload and waits for the broker to confirm it
func (p *Publisher) Publish(ctx context.Context, payload string) error {
	return p.Record(p.publish(ctx, payload))
}

func (p *Publisher) publish(ctx context.Context, payload string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         []byte(payload),
	}
	if err := p.ch.PublishWithContext(ctx, p.config.Exchange, p.config.RoutingKey, true, false, msg); err != nil {
		return fmt.Errorf("rabbitmq: publish to %s/%s: %w", p.config.Exchange, p.config.RoutingKey, err)
	}

	timer := time.NewTimer(p.config.ConfirmTimeout)
	defer timer.Stop()

	select {
	case confirm, ok := <-p.confirms:
		if !ok {
			return ErrChannelClosed
		}
		if !confirm.Ack {
			return fmt.Errorf("%w: delivery tag %d", ErrNacked, confirm.DeliveryTag)
		}
		return nil
	case <-timer.C:
		return ErrConfirmTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ping reports whether the connection is open
func (p *Publisher) Ping(context.Context) error {
	if p.conn != nil && p.conn.IsClosed() {
		return errors.New("rabbitmq: connection closed")
	}
	return nil
}

// Close closes the channel and connection
func (p *Publisher) Close() error {
	err := p.ch.Close()
	if p.conn != nil {
		err = errors.Join(err, p.conn.Close())
	}
	return err
}
