// Package mongodb stores outbox messages in a MongoDB collection.
// Concurrent claims are resolved with a version field compared on update.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.outboxrelay.tech/internal/common/clock"
	"go.outboxrelay.tech/internal/outbox"
)

// DefaultCollection is the collection used when none is configured
const DefaultCollection = "outbox_messages"

type document struct {
	ID                  string     `bson:"_id"`
	CreatedAt           time.Time  `bson:"createdAt"`
	Type                string     `bson:"type"`
	Payload             string     `bson:"payload"`
	State               string     `bson:"state"`
	ProcessingStartedAt *time.Time `bson:"processingStartedAt,omitempty"`
	ProcessedAt         *time.Time `bson:"processedAt,omitempty"`
	FailedAt            *time.Time `bson:"failedAt,omitempty"`
	LastError           string     `bson:"lastError,omitempty"`
	ErrorCount          int        `bson:"errorCount"`
	Version             int64      `bson:"version"`
}

func toDocument(m *outbox.OutboxMessage) document {
	return document{
		ID:                  m.ID.String(),
		CreatedAt:           m.CreatedAt,
		Type:                m.Type,
		Payload:             m.Payload,
		State:               string(m.State),
		ProcessingStartedAt: m.ProcessingStartedAt,
		ProcessedAt:         m.ProcessedAt,
		FailedAt:            m.FailedAt,
		LastError:           m.LastError,
		ErrorCount:          m.ErrorCount,
		Version:             m.Version,
	}
}

func (d document) toMessage() (*outbox.OutboxMessage, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid outbox message id %q: %w", d.ID, err)
	}
	state, err := outbox.ParseState(d.State)
	if err != nil {
		return nil, err
	}
	return &outbox.OutboxMessage{
		ID:                  id,
		CreatedAt:           d.CreatedAt.UTC(),
		Type:                d.Type,
		Payload:             d.Payload,
		State:               state,
		ProcessingStartedAt: utc(d.ProcessingStartedAt),
		ProcessedAt:         utc(d.ProcessedAt),
		FailedAt:            utc(d.FailedAt),
		LastError:           d.LastError,
		ErrorCount:          d.ErrorCount,
		Version:             d.Version,
	}, nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

// eligibleFilter selects messages that may be claimed at now
func eligibleFilter(now time.Time) bson.M {
	return bson.M{"$or": bson.A{
		bson.M{"state": string(outbox.StatePending)},
		bson.M{
			"state":               string(outbox.StateProcessing),
			"processingStartedAt": bson.M{"$lte": now.Add(-outbox.DurationBetweenProcessingAttempts)},
		},
		bson.M{
			"state":    string(outbox.StateFailed),
			"failedAt": bson.M{"$lte": now.Add(-outbox.MinimumDurationBetweenFailedAttempts)},
		},
	}}
}

func updateFor(m *outbox.OutboxMessage) bson.M {
	return bson.M{
		"$set": bson.M{
			"state":               string(m.State),
			"processingStartedAt": m.ProcessingStartedAt,
			"processedAt":         m.ProcessedAt,
			"failedAt":            m.FailedAt,
			"lastError":           m.LastError,
			"errorCount":          m.ErrorCount,
		},
		"$inc": bson.M{"version": 1},
	}
}

// Store is a UnitOfWorkFactory over a MongoDB collection
type Store struct {
	client       *mongo.Client
	collection   *mongo.Collection
	clock        clock.Clock
	transactions bool
}

// NewStore creates a store. With transactions enabled every SaveChanges runs in a
// multi-document transaction, which requires a replica set.
func NewStore(db *mongo.Database, collection string, clk clock.Clock, transactions bool) *Store {
	if collection == "" {
		collection = DefaultCollection
	}
	return &Store{
		client:       db.Client(),
		collection:   db.Collection(collection),
		clock:        clk,
		transactions: transactions,
	}
}

// NewUnitOfWork opens a unit of work
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

// Ping implements a readiness check
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// EnsureIndexes creates the index backing the eligibility query
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "state", Value: 1},
			{Key: "createdAt", Value: 1},
		},
		Options: options.Index().SetName("idx_outbox_state_created"),
	})
	return err
}

type tracked struct {
	message  *outbox.OutboxMessage
	original *outbox.OutboxMessage
}

// UnitOfWork tracks loaded messages and stages inserts until SaveChanges
type UnitOfWork struct {
	store    *Store
	tracked  map[uuid.UUID]*tracked
	added    []*outbox.OutboxMessage
	enlisted []func(ctx context.Context) error
	closed   bool
}

// Repository returns the repository view of the unit of work
func (u *UnitOfWork) Repository() outbox.Repository {
	return u
}

// Enlist registers a business write that runs before the outbox writes. When the
// store uses transactions, ctx is the session context of the shared transaction.
func (u *UnitOfWork) Enlist(fn func(ctx context.Context) error) {
	u.enlisted = append(u.enlisted, fn)
}

// GetUnprocessedOutboxMessageIDs lists eligible ids, oldest first
func (u *UnitOfWork) GetUnprocessedOutboxMessageIDs(ctx context.Context, limit int) ([]uuid.UUID, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(limit)).
		SetProjection(bson.M{"_id": 1})

	cursor, err := u.store.collection.Find(ctx, eligibleFilter(u.store.clock.Now()), opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	ids := make([]uuid.UUID, 0)
	for cursor.Next(ctx) {
		var row struct {
			ID string `bson:"_id"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(row.ID)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, cursor.Err()
}

// Get loads and tracks a message
func (u *UnitOfWork) Get(ctx context.Context, id uuid.UUID) (*outbox.OutboxMessage, error) {
	if t, ok := u.tracked[id]; ok {
		return t.message, nil
	}

	var doc document
	err := u.store.collection.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: %s", outbox.ErrMessageNotFound, id)
		}
		return nil, err
	}

	m, err := doc.toMessage()
	if err != nil {
		return nil, err
	}
	u.tracked[id] = &tracked{message: m, original: m.Clone()}
	return m, nil
}

// Add stages a new message
func (u *UnitOfWork) Add(message *outbox.OutboxMessage) {
	u.added = append(u.added, message)
}

// SaveChanges writes enlisted changes, staged inserts and tracked changes
func (u *UnitOfWork) SaveChanges(ctx context.Context) error {
	if u.closed {
		return errors.New("mongodb: unit of work closed")
	}

	dirty := make([]*tracked, 0, len(u.tracked))
	for _, t := range u.tracked {
		if !t.message.SameStateAs(t.original) {
			dirty = append(dirty, t)
		}
	}
	if len(dirty) == 0 && len(u.added) == 0 && len(u.enlisted) == 0 {
		return nil
	}

	var err error
	if u.store.transactions {
		err = u.saveInTransaction(ctx, dirty)
	} else {
		err = u.write(ctx, dirty)
	}
	if err != nil {
		return err
	}

	for _, t := range dirty {
		t.message.Version = t.original.Version + 1
		t.original = t.message.Clone()
	}
	for _, m := range u.added {
		m.Version = 1
		u.tracked[m.ID] = &tracked{message: m, original: m.Clone()}
	}
	u.added = nil
	u.enlisted = nil
	return nil
}

func (u *UnitOfWork) saveInTransaction(ctx context.Context, dirty []*tracked) error {
	session, err := u.store.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, u.write(sc, dirty)
	})
	return err
}

func (u *UnitOfWork) write(ctx context.Context, dirty []*tracked) error {
	for _, fn := range u.enlisted {
		if err := fn(ctx); err != nil {
			return err
		}
	}

	for _, m := range u.added {
		doc := toDocument(m)
		doc.Version = 1
		if _, err := u.store.collection.InsertOne(ctx, doc); err != nil {
			return fmt.Errorf("failed to insert outbox message %s: %w", m.ID, err)
		}
	}

	for _, t := range dirty {
		filter := bson.M{"_id": t.message.ID.String(), "version": t.original.Version}
		res, err := u.store.collection.UpdateOne(ctx, filter, updateFor(t.message))
		if err != nil {
			return fmt.Errorf("failed to update outbox message %s: %w", t.message.ID, err)
		}
		if res.MatchedCount == 0 {
			return fmt.Errorf("%w: message %s", outbox.ErrConcurrencyConflict, t.message.ID)
		}
	}
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
