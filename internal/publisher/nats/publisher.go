// Package nats publishes outbox payloads to a NATS subject, optionally through
// JetStream for broker acknowledgements
package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"go.outboxrelay.tech/internal/publisher"
)

// Config holds NATS publisher settings
type Config struct {
	Name    string
	Types   []string
	URL     string
	Subject string

	// JetStream waits for a stream acknowledgement on every publish
	JetStream bool

	ConnectTimeout time.Duration
}

// Publisher sends each payload as one NATS message
type Publisher struct {
	publisher.Base
	conn    *nats.Conn
	js      jetstream.JetStream
	subject string
}

// New connects to NATS and creates a publisher
func New(cfg Config) (*Publisher, error) {
	if cfg.Subject == "" {
		return nil, errors.New("nats: subject is required")
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name("outbox-"+cfg.Name),
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Str("publisher", cfg.Name).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("publisher", cfg.Name).Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats: connect %s: %w", cfg.URL, err)
	}

	p, err := NewWithConn(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

// NewWithConn creates a publisher over an existing connection
func NewWithConn(conn *nats.Conn, cfg Config) (*Publisher, error) {
	p := &Publisher{
		Base:    publisher.NewBase(cfg.Name, cfg.Types),
		conn:    conn,
		subject: cfg.Subject,
	}
	if cfg.JetStream {
		js, err := jetstream.New(conn)
		if err != nil {
			return nil, fmt.Errorf("nats: jetstream: %w", err)
		}
		p.js = js
	}
	return p, nil
}

// Publish sends payload to the subject. Core NATS publishes are flushed so the
// server has the message before Publish returns.
func (p *Publisher) Publish(ctx context.Context, payload string) error {
	var err error
	if p.js != nil {
		_, err = p.js.Publish(ctx, p.subject, []byte(payload))
	} else if err = p.conn.Publish(p.subject, []byte(payload)); err == nil {
		err = p.conn.FlushWithContext(ctx)
	}
	if err != nil {
		err = fmt.Errorf("nats: publish to %s: %w", p.subject, err)
	}
	return p.Record(err)
}

// Ping reports whether the connection is up
func (p *Publisher) Ping(context.Context) error {
	if !p.conn.IsConnected() {
		return fmt.Errorf("nats: not connected (status %s)", p.conn.Status())
	}
	return nil
}

// Close drains the connection
func (p *Publisher) Close() error {
	return p.conn.Drain()
}
