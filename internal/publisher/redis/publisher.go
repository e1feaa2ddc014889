// Package redis publishes outbox payloads to a Redis stream
package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"go.outboxrelay.tech/internal/publisher"
)

// PayloadField is the stream entry field carrying the payload
const PayloadField = "payload"

// Config holds Redis stream publisher settings
type Config struct {
	Name   string
	Types  []string
	Stream string

	// MaxLen approximately caps the stream length; zero leaves it unbounded
	MaxLen int64
}

// Publisher appends each payload as one stream entry
type Publisher struct {
	publisher.Base
	client redis.UniversalClient
	config Config
}

// New creates a publisher over a Redis client
func New(client redis.UniversalClient, cfg Config) (*Publisher, error) {
	if cfg.Stream == "" {
		return nil, errors.New("redis: stream is required")
	}
	return &Publisher{
		Base:   publisher.NewBase(cfg.Name, cfg.Types),
		client: client,
		config: cfg,
	}, nil
}

// Publish appends payload to the stream
func (p *Publisher) Publish(ctx context.Context, payload string) error {
	args := &redis.XAddArgs{
		Stream: p.config.Stream,
		Values: map[string]interface{}{PayloadField: payload},
	}
	if p.config.MaxLen > 0 {
		args.MaxLen = p.config.MaxLen
		args.Approx = true
	}

	err := p.client.XAdd(ctx, args).Err()
	if err != nil {
		err = fmt.Errorf("redis: xadd %s: %w", p.config.Stream, err)
	}
	return p.Record(err)
}

// Ping checks the server connection
func (p *Publisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close is a no-op; the shared client is closed by its owner
func (p *Publisher) Close() error {
	return nil
}
