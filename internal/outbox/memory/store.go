// Package memory provides an in-process outbox store with the same unit of work
// semantics as the database stores. Used for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"go.outboxrelay.tech/internal/common/clock"
	"go.outboxrelay.tech/internal/outbox"
)

// Store holds committed outbox messages
type Store struct {
	mu       sync.RWMutex
	clock    clock.Clock
	messages map[uuid.UUID]*outbox.OutboxMessage
}

// NewStore creates an empty store. The clock drives eligibility in listings.
func NewStore(clk clock.Clock) *Store {
	return &Store{
		clock:    clk,
		messages: make(map[uuid.UUID]*outbox.OutboxMessage),
	}
}

// NewUnitOfWork opens a unit of work on the store
func (s *Store) NewUnitOfWork(context.Context) (outbox.UnitOfWork, error) {
	return s.Begin(), nil
}

// Begin opens a unit of work with access to Enlist
func (s *Store) Begin() *UnitOfWork {
	return &UnitOfWork{
		store:   s,
		tracked: make(map[uuid.UUID]*tracked),
	}
}

// Snapshot returns a copy of a committed message
func (s *Store) Snapshot(id uuid.UUID) (*outbox.OutboxMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

// All returns copies of every committed message ordered by creation time
func (s *Store) All() []*outbox.OutboxMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*outbox.OutboxMessage, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, m.Clone())
	}
	sortByCreation(out)
	return out
}

// Put commits a message directly, bypassing units of work. Intended for seeding.
func (s *Store) Put(m *outbox.OutboxMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ID] = m.Clone()
}

// Ping implements a readiness check
func (s *Store) Ping(context.Context) error {
	return nil
}

func (s *Store) eligibleIDs(limit int) []uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := make([]*outbox.OutboxMessage, 0)
	for _, m := range s.messages {
		if m.ShouldProcessNow(s.clock) {
			candidates = append(candidates, m)
		}
	}
	sortByCreation(candidates)

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	ids := make([]uuid.UUID, len(candidates))
	for i, m := range candidates {
		ids[i] = m.ID
	}
	return ids
}

func sortByCreation(msgs []*outbox.OutboxMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID.String() < msgs[j].ID.String()
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

type tracked struct {
	message  *outbox.OutboxMessage
	original *outbox.OutboxMessage
}

// UnitOfWork stages changes against a Store until SaveChanges
type UnitOfWork struct {
	store    *Store
	tracked  map[uuid.UUID]*tracked
	added    []*outbox.OutboxMessage
	enlisted []func() error
	closed   bool
}

// Repository returns the repository view of the unit of work
func (u *UnitOfWork) Repository() outbox.Repository {
	return u
}

// Enlist registers a callback that runs inside the commit, after the version checks
// pass and before any message is written. A callback error aborts the commit.
func (u *UnitOfWork) Enlist(fn func() error) {
	u.enlisted = append(u.enlisted, fn)
}

// GetUnprocessedOutboxMessageIDs lists eligible ids, oldest first
func (u *UnitOfWork) GetUnprocessedOutboxMessageIDs(ctx context.Context, limit int) ([]uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return u.store.eligibleIDs(limit), nil
}

// Get loads and tracks a message
func (u *UnitOfWork) Get(ctx context.Context, id uuid.UUID) (*outbox.OutboxMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t, ok := u.tracked[id]; ok {
		return t.message, nil
	}

	committed, ok := u.store.Snapshot(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", outbox.ErrMessageNotFound, id)
	}
	t := &tracked{message: committed, original: committed.Clone()}
	u.tracked[id] = t
	return t.message, nil
}

// Add stages a new message
func (u *UnitOfWork) Add(message *outbox.OutboxMessage) {
	u.added = append(u.added, message)
}

// SaveChanges commits staged inserts and tracked changes atomically
func (u *UnitOfWork) SaveChanges(ctx context.Context) error {
	if u.closed {
		return fmt.Errorf("memory: unit of work closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s := u.store
	s.mu.Lock()
	defer s.mu.Unlock()

	dirty := make([]*tracked, 0, len(u.tracked))
	for _, t := range u.tracked {
		if t.message.SameStateAs(t.original) {
			continue
		}
		current, ok := s.messages[t.message.ID]
		if !ok || current.Version != t.original.Version {
			return fmt.Errorf("%w: message %s", outbox.ErrConcurrencyConflict, t.message.ID)
		}
		dirty = append(dirty, t)
	}
	for _, m := range u.added {
		if _, exists := s.messages[m.ID]; exists {
			return fmt.Errorf("memory: duplicate outbox message %s", m.ID)
		}
	}

	for _, fn := range u.enlisted {
		if err := fn(); err != nil {
			return err
		}
	}
	u.enlisted = nil

	for _, t := range dirty {
		t.message.Version = t.original.Version + 1
		s.messages[t.message.ID] = t.message.Clone()
		t.original = t.message.Clone()
	}
	for _, m := range u.added {
		m.Version = 1
		s.messages[m.ID] = m.Clone()
		u.tracked[m.ID] = &tracked{message: m, original: m.Clone()}
	}
	u.added = nil
	return nil
}

// Close discards anything not yet saved
func (u *UnitOfWork) Close() error {
	u.closed = true
	u.tracked = nil
	u.added = nil
	u.enlisted = nil
	return nil
}
