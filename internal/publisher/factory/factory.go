// Package factory builds publishers from [[publishers]] configuration
package factory

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"go.outboxrelay.tech/internal/common/health"
	"go.outboxrelay.tech/internal/config"
	"go.outboxrelay.tech/internal/outbox"
	"go.outboxrelay.tech/internal/publisher/kafka"
	"go.outboxrelay.tech/internal/publisher/nats"
	"go.outboxrelay.tech/internal/publisher/rabbitmq"
	"go.outboxrelay.tech/internal/publisher/redis"
	"go.outboxrelay.tech/internal/publisher/sqs"
	"go.outboxrelay.tech/internal/publisher/webhook"
)

// Transport is a configured publisher that owns a connection
type Transport interface {
	outbox.Publisher
	Name() string
	Types() []string
	Close() error
}

// Set holds the transports built from configuration
type Set struct {
	transports []Transport
}

// Build creates every configured publisher. rdb is required only by redis
// publishers. On failure the transports already built are closed.
func Build(ctx context.Context, cfgs []config.PublisherConfig, rdb goredis.UniversalClient) (*Set, error) {
	set := &Set{}
	for _, cfg := range cfgs {
		t, err := build(ctx, cfg, rdb)
		if err != nil {
			if closeErr := set.Close(); closeErr != nil {
				log.Warn().Err(closeErr).Msg("Failed to close publishers after build error")
			}
			return nil, fmt.Errorf("publisher %s: %w", cfg.Name, err)
		}
		set.transports = append(set.transports, t)

		log.Info().
			Str("publisher", cfg.Name).
			Str("kind", cfg.Kind).
			Strs("types", t.Types()).
			Msg("Publisher registered")
	}
	return set, nil
}

func build(ctx context.Context, cfg config.PublisherConfig, rdb goredis.UniversalClient) (Transport, error) {
	switch cfg.Kind {
	case config.KindSQS:
		return sqs.New(ctx, sqs.Config{
			Name:            cfg.Name,
			Types:           cfg.Types,
			QueueURL:        cfg.QueueURL,
			Region:          cfg.Region,
			MessageGroupID:  cfg.MessageGroupID,
			CustomEndpoint:  cfg.Endpoint,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
		})
	case config.KindNATS:
		return nats.New(nats.Config{
			Name:           cfg.Name,
			Types:          cfg.Types,
			URL:            cfg.URL,
			Subject:        cfg.Subject,
			JetStream:      cfg.JetStream,
			ConnectTimeout: cfg.Timeout,
		})
	case config.KindKafka:
		return kafka.New(kafka.Config{
			Name:         cfg.Name,
			Types:        cfg.Types,
			Brokers:      cfg.Brokers,
			Topic:        cfg.Topic,
			WriteTimeout: cfg.Timeout,
		})
	case config.KindRabbitMQ:
		return rabbitmq.New(rabbitmq.Config{
			Name:           cfg.Name,
			Types:          cfg.Types,
			URL:            cfg.URL,
			Exchange:       cfg.Exchange,
			RoutingKey:     cfg.RoutingKey,
			ConfirmTimeout: cfg.Timeout,
		})
	case config.KindRedis:
		if rdb == nil {
			return nil, errors.New("redis client is not configured")
		}
		return redis.New(rdb, redis.Config{
			Name:   cfg.Name,
			Types:  cfg.Types,
			Stream: cfg.Stream,
			MaxLen: cfg.MaxLen,
		})
	case config.KindWebhook:
		wc := webhook.DefaultConfig()
		wc.Name = cfg.Name
		wc.Types = cfg.Types
		wc.URL = cfg.URL
		wc.BearerToken = cfg.BearerToken
		wc.Headers = cfg.Headers
		wc.RateLimit = cfg.RateLimit
		if cfg.Burst > 0 {
			wc.Burst = cfg.Burst
		}
		if cfg.Timeout > 0 {
			wc.Timeout = cfg.Timeout
		}
		return webhook.New(wc)
	default:
		return nil, fmt.Errorf("unknown publisher kind %q", cfg.Kind)
	}
}

// Publishers returns the transports as outbox publishers
func (s *Set) Publishers() []outbox.Publisher {
	out := make([]outbox.Publisher, len(s.transports))
	for i, t := range s.transports {
		out[i] = t
	}
	return out
}

// Transports returns the built transports
func (s *Set) Transports() []Transport {
	return s.transports
}

// HealthChecks returns a readiness check for every transport that can ping
func (s *Set) HealthChecks() []health.Check {
	var checks []health.Check
	for _, t := range s.transports {
		if p, ok := t.(health.Pinger); ok {
			checks = append(checks, health.PingCheck("publisher:"+t.Name(), p))
		}
	}
	return checks
}

// Close closes every transport
func (s *Set) Close() error {
	var errs []error
	for _, t := range s.transports {
		if err := t.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publisher %s: %w", t.Name(), err))
		}
	}
	return errors.Join(errs...)
}
