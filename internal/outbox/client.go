package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"go.outboxrelay.tech/internal/common/clock"
)

// Message is the producer-side view of something to put in the outbox
type Message interface {
	// Type selects the publisher for the message
	Type() string

	// Serialize produces the payload stored in the outbox
	Serialize(ctx context.Context) (string, error)
}

// Client enqueues messages into the caller's unit of work.
// It is bound to one unit of work and never commits; the caller's SaveChanges
// persists the message together with the business change.
type Client struct {
	clock clock.Clock
	repo  Repository
}

// NewClient creates an outbox client bound to repo
func NewClient(clk clock.Clock, repo Repository) (*Client, error) {
	c := &Client{clock: clk, repo: repo}
	if err := c.check(); err != nil {
		return nil, err
	}
	return c, nil
}

// NewClientFor creates an outbox client bound to the unit of work's repository
func NewClientFor(clk clock.Clock, uow UnitOfWork) (*Client, error) {
	if uow == nil {
		return nil, fmt.Errorf("%w: %w", ErrClientNotInitialized, ErrRepositoryRequired)
	}
	return NewClient(clk, uow.Repository())
}

func (c *Client) check() error {
	if c == nil || c.clock == nil {
		return fmt.Errorf("%w: %w", ErrClientNotInitialized, ErrClockRequired)
	}
	if c.repo == nil {
		return fmt.Errorf("%w: %w", ErrClientNotInitialized, ErrRepositoryRequired)
	}
	return nil
}

// AddToOutbox serializes message and stages it as PENDING in the bound unit of work
func (c *Client) AddToOutbox(ctx context.Context, message Message) error {
	if err := c.check(); err != nil {
		return err
	}

	payload, err := message.Serialize(ctx)
	if err != nil {
		return fmt.Errorf("%w: type %s: %w", ErrSerialize, message.Type(), err)
	}

	c.repo.Add(NewOutboxMessage(c.clock, message.Type(), payload))
	return nil
}

// JSONMessage is a Message whose payload is the JSON encoding of Value
type JSONMessage struct {
	MessageType string
	Value       any
}

// NewJSONMessage wraps value as a JSON-serialized message of the given type
func NewJSONMessage(messageType string, value any) JSONMessage {
	return JSONMessage{MessageType: messageType, Value: value}
}

// Type returns the message type
func (m JSONMessage) Type() string {
	return m.MessageType
}

// Serialize encodes Value as JSON
func (m JSONMessage) Serialize(context.Context) (string, error) {
	b, err := json.Marshal(m.Value)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
