package outbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Publisher performs the side effect for the message types it claims
type Publisher interface {
	CanPublish(messageType string) bool
	Publish(ctx context.Context, payload string) error
}

// PublisherSet is the registry of publishers assembled at startup.
// Every message type must be claimed by exactly one publisher.
type PublisherSet []Publisher

// Resolve returns the single publisher claiming messageType
func (s PublisherSet) Resolve(messageType string) (Publisher, error) {
	var match Publisher
	count := 0
	for _, p := range s {
		if p == nil || !p.CanPublish(messageType) {
			continue
		}
		if match == nil {
			match = p
		}
		count++
	}

	switch count {
	case 0:
		return nil, fmt.Errorf("%w: type %q", ErrNoPublisher, messageType)
	case 1:
		return match, nil
	default:
		return nil, fmt.Errorf("%w: type %q claimed by %d publishers", ErrMultiplePublishers, messageType, count)
	}
}

// Validate checks that each known type resolves to exactly one publisher.
// All problems are reported together.
func (s PublisherSet) Validate(messageTypes ...string) error {
	var errs []error
	for _, t := range messageTypes {
		if _, err := s.Resolve(t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// TypeSet is the set of message types a publisher claims
type TypeSet map[string]struct{}

// NewTypeSet builds a TypeSet from the given types, ignoring blanks
func NewTypeSet(messageTypes ...string) TypeSet {
	set := make(TypeSet, len(messageTypes))
	for _, t := range messageTypes {
		t = strings.TrimSpace(t)
		if t != "" {
			set[t] = struct{}{}
		}
	}
	return set
}

// Contains reports whether messageType is claimed
func (s TypeSet) Contains(messageType string) bool {
	_, ok := s[messageType]
	return ok
}

// List returns the claimed types in sorted order
func (s TypeSet) List() []string {
	out := make([]string, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// PublisherFunc adapts a function to Publisher for a fixed set of types
type PublisherFunc struct {
	Types TypeSet
	Fn    func(ctx context.Context, payload string) error
}

// CanPublish reports whether messageType is in Types
func (p PublisherFunc) CanPublish(messageType string) bool {
	return p.Types.Contains(messageType)
}

// Publish calls Fn
func (p PublisherFunc) Publish(ctx context.Context, payload string) error {
	return p.Fn(ctx, payload)
}
