// Package outbox implements the Outbox Pattern for reliable message publishing.
// Producers enqueue messages inside their own unit of work; the processor drains
// them one message per unit of work and hands each payload to its publisher.
package outbox

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"go.outboxrelay.tech/internal/common/clock"
)

// State defines the lifecycle state of an outbox message
type State string

const (
	StatePending    State = "PENDING"
	StateProcessing State = "PROCESSING"
	StateProcessed  State = "PROCESSED"
	StateFailed     State = "FAILED"
)

const (
	// DurationBetweenProcessingAttempts is how long a message may stay PROCESSING
	// before another worker is allowed to reclaim it
	DurationBetweenProcessingAttempts = 5 * time.Minute

	// MinimumDurationBetweenFailedAttempts is the backoff before a FAILED message is retried
	MinimumDurationBetweenFailedAttempts = time.Minute
)

// IsValid reports whether the state is part of the outbox lifecycle
func (s State) IsValid() bool {
	switch s {
	case StatePending, StateProcessing, StateProcessed, StateFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether a transition from s to next is allowed.
// PROCESSED is terminal.
func (s State) CanTransitionTo(next State) bool {
	switch s {
	case StatePending:
		return next == StateProcessing || next == StateFailed
	case StateProcessing:
		return next == StateProcessing || next == StateProcessed || next == StateFailed
	case StateFailed:
		return next == StateProcessing || next == StateFailed
	default:
		return false
	}
}

// ParseState validates and converts a raw state
func ParseState(raw string) (State, error) {
	s := State(raw)
	if !s.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidState, raw)
	}
	return s, nil
}

// OutboxMessage represents one pending side effect stored in the outbox
type OutboxMessage struct {
	// ID is the unique identifier, generated at creation
	ID uuid.UUID `json:"id"`

	// CreatedAt is when the message was enqueued
	CreatedAt time.Time `json:"createdAt"`

	// Type selects the publisher for this message
	Type string `json:"type"`

	// Payload is the serialized message, opaque to the outbox
	Payload string `json:"payload"`

	// State is the current lifecycle state
	State State `json:"state"`

	// ProcessingStartedAt is when the last processing attempt claimed the message
	ProcessingStartedAt *time.Time `json:"processingStartedAt,omitempty"`

	// ProcessedAt is when the message was published
	ProcessedAt *time.Time `json:"processedAt,omitempty"`

	// FailedAt is when the last attempt failed
	FailedAt *time.Time `json:"failedAt,omitempty"`

	// LastError is the error text of the last failed attempt
	LastError string `json:"lastError,omitempty"`

	// ErrorCount is the number of failed attempts
	ErrorCount int `json:"errorCount"`

	// Version is the optimistic concurrency token, maintained by the store
	Version int64 `json:"version"`
}

// NewOutboxMessage creates a pending outbox message
func NewOutboxMessage(clk clock.Clock, messageType, payload string) *OutboxMessage {
	return &OutboxMessage{
		ID:        uuid.New(),
		CreatedAt: clk.Now(),
		Type:      messageType,
		Payload:   payload,
		State:     StatePending,
	}
}

// IsPending returns true if the message has never been claimed
func (m *OutboxMessage) IsPending() bool {
	return m.State == StatePending
}

// IsProcessing returns true if a worker claimed the message
func (m *OutboxMessage) IsProcessing() bool {
	return m.State == StateProcessing
}

// IsProcessed returns true if the message was published
func (m *OutboxMessage) IsProcessed() bool {
	return m.State == StateProcessed
}

// IsFailed returns true if the last attempt failed
func (m *OutboxMessage) IsFailed() bool {
	return m.State == StateFailed
}

// ShouldProcessNow reports whether the message may be claimed at the clock's current time.
// A PROCESSING message becomes eligible again once DurationBetweenProcessingAttempts has
// elapsed, a FAILED one once MinimumDurationBetweenFailedAttempts has elapsed.
func (m *OutboxMessage) ShouldProcessNow(clk clock.Clock) bool {
	now := clk.Now()

	switch m.State {
	case StatePending:
		return true
	case StateProcessing:
		return m.ProcessingStartedAt == nil ||
			!now.Before(m.ProcessingStartedAt.Add(DurationBetweenProcessingAttempts))
	case StateFailed:
		return m.FailedAt == nil ||
			!now.Before(m.FailedAt.Add(MinimumDurationBetweenFailedAttempts))
	default:
		return false
	}
}

// SetAsProcessing claims the message for a processing attempt
func (m *OutboxMessage) SetAsProcessing(clk clock.Clock) error {
	if err := m.transition(StateProcessing); err != nil {
		return err
	}
	now := clk.Now()
	m.State = StateProcessing
	m.ProcessingStartedAt = &now
	return nil
}

// SetAsProcessed marks the message as published
func (m *OutboxMessage) SetAsProcessed(clk clock.Clock) error {
	if err := m.transition(StateProcessed); err != nil {
		return err
	}
	now := clk.Now()
	m.State = StateProcessed
	m.ProcessedAt = &now
	return nil
}

// SetAsFailed records a failed attempt
func (m *OutboxMessage) SetAsFailed(clk clock.Clock, errorText string) error {
	if err := m.transition(StateFailed); err != nil {
		return err
	}
	now := clk.Now()
	m.State = StateFailed
	m.FailedAt = &now
	m.LastError = errorText
	m.ErrorCount++
	return nil
}

func (m *OutboxMessage) transition(next State) error {
	if !m.State.CanTransitionTo(next) {
		return fmt.Errorf("%w: message %s %s -> %s", ErrInvalidTransition, m.ID, m.State, next)
	}
	return nil
}

// Clone returns a deep copy of the message
func (m *OutboxMessage) Clone() *OutboxMessage {
	c := *m
	c.ProcessingStartedAt = cloneTime(m.ProcessingStartedAt)
	c.ProcessedAt = cloneTime(m.ProcessedAt)
	c.FailedAt = cloneTime(m.FailedAt)
	return &c
}

// SameStateAs reports whether two snapshots of a message carry the same lifecycle data.
// Stores use it to skip writes for messages a unit of work loaded but never changed.
func (m *OutboxMessage) SameStateAs(other *OutboxMessage) bool {
	return m.State == other.State &&
		m.LastError == other.LastError &&
		m.ErrorCount == other.ErrorCount &&
		sameTime(m.ProcessingStartedAt, other.ProcessingStartedAt) &&
		sameTime(m.ProcessedAt, other.ProcessedAt) &&
		sameTime(m.FailedAt, other.FailedAt)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
