// Package postgres stores outbox messages in PostgreSQL through database/sql and
// the pgx driver. Concurrent claims are resolved with a version column.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"go.outboxrelay.tech/internal/common/clock"
	"go.outboxrelay.tech/internal/outbox"
)

const (
	selectColumns = `id::text, created_at, type, payload, state, processing_started_at,
		processed_at, failed_at, last_error, error_count, version`

	unprocessedQuery = `
		SELECT id::text FROM outbox_messages
		WHERE state = 'PENDING'
		   OR (state = 'PROCESSING' AND (processing_started_at IS NULL OR processing_started_at <= $1))
		   OR (state = 'FAILED' AND (failed_at IS NULL OR failed_at <= $2))
		ORDER BY created_at, id
		LIMIT $3`

	insertQuery = `
		INSERT INTO outbox_messages (id, created_at, type, payload, state, processing_started_at,
			processed_at, failed_at, last_error, error_count, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1)`

	updateQuery = `
		UPDATE outbox_messages
		SET state = $1, processing_started_at = $2, processed_at = $3, failed_at = $4,
			last_error = $5, error_count = $6, version = version + 1
		WHERE id = $7 AND version = $8`
)

// PoolConfig holds connection pool settings
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultPoolConfig returns sensible defaults
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// Open connects to PostgreSQL and verifies the connection
func Open(ctx context.Context, dsn string, pool PoolConfig) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return db, nil
}

// Store is a UnitOfWorkFactory over a PostgreSQL database
type Store struct {
	db    *sql.DB
	clock clock.Clock
}

// NewStore creates a store. The clock supplies "now" for eligibility queries.
func NewStore(db *sql.DB, clk clock.Clock) *Store {
	return &Store{db: db, clock: clk}
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
	return s.db.PingContext(ctx)
}

type tracked struct {
	message  *outbox.OutboxMessage
	original *outbox.OutboxMessage
}

// UnitOfWork tracks loaded messages and stages inserts. Nothing touches the
// database inside a transaction until SaveChanges.
type UnitOfWork struct {
	store    *Store
	tracked  map[uuid.UUID]*tracked
	added    []*outbox.OutboxMessage
	enlisted []func(ctx context.Context, tx *sql.Tx) error
	closed   bool
}

// Repository returns the repository view of the unit of work
func (u *UnitOfWork) Repository() outbox.Repository {
	return u
}

// Enlist registers a business write that commits in the same transaction as the
// outbox changes. Callbacks run before outbox rows are written.
func (u *UnitOfWork) Enlist(fn func(ctx context.Context, tx *sql.Tx) error) {
	u.enlisted = append(u.enlisted, fn)
}

// GetUnprocessedOutboxMessageIDs lists eligible ids, oldest first
func (u *UnitOfWork) GetUnprocessedOutboxMessageIDs(ctx context.Context, limit int) ([]uuid.UUID, error) {
	now := u.store.clock.Now()
	rows, err := u.store.db.QueryContext(ctx, unprocessedQuery,
		now.Add(-outbox.DurationBetweenProcessingAttempts),
		now.Add(-outbox.MinimumDurationBetweenFailedAttempts),
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]uuid.UUID, 0)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Get loads and tracks a message
func (u *UnitOfWork) Get(ctx context.Context, id uuid.UUID) (*outbox.OutboxMessage, error) {
	if t, ok := u.tracked[id]; ok {
		return t.message, nil
	}

	row := u.store.db.QueryRowContext(ctx,
		"SELECT "+selectColumns+" FROM outbox_messages WHERE id = $1", id)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", outbox.ErrMessageNotFound, id)
		}
		return nil, err
	}

	u.tracked[id] = &tracked{message: m, original: m.Clone()}
	return m, nil
}

// Add stages a new message
func (u *UnitOfWork) Add(message *outbox.OutboxMessage) {
	u.added = append(u.added, message)
}

// SaveChanges writes enlisted business changes, staged inserts and tracked
// changes in one transaction
func (u *UnitOfWork) SaveChanges(ctx context.Context) error {
	if u.closed {
		return errors.New("postgres: unit of work closed")
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

	tx, err := u.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, fn := range u.enlisted {
		if err := fn(ctx, tx); err != nil {
			return err
		}
	}

	for _, m := range u.added {
		_, err := tx.ExecContext(ctx, insertQuery,
			m.ID, m.CreatedAt, m.Type, m.Payload, string(m.State),
			nullTime(m.ProcessingStartedAt), nullTime(m.ProcessedAt), nullTime(m.FailedAt),
			nullString(m.LastError), m.ErrorCount,
		)
		if err != nil {
			return fmt.Errorf("failed to insert outbox message %s: %w", m.ID, err)
		}
	}

	for _, t := range dirty {
		m := t.message
		res, err := tx.ExecContext(ctx, updateQuery,
			string(m.State), nullTime(m.ProcessingStartedAt), nullTime(m.ProcessedAt),
			nullTime(m.FailedAt), nullString(m.LastError), m.ErrorCount,
			m.ID, t.original.Version,
		)
		if err != nil {
			return fmt.Errorf("failed to update outbox message %s: %w", m.ID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("%w: message %s", outbox.ErrConcurrencyConflict, m.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit outbox changes: %w", err)
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

// Close discards anything not yet saved
func (u *UnitOfWork) Close() error {
	u.closed = true
	u.tracked = nil
	u.added = nil
	u.enlisted = nil
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*outbox.OutboxMessage, error) {
	var (
		rawID                                      string
		state                                      string
		processingStartedAt, processedAt, failedAt sql.NullTime
		lastError                                  sql.NullString
		m                                          outbox.OutboxMessage
	)

	err := row.Scan(
		&rawID,
		&m.CreatedAt,
		&m.Type,
		&m.Payload,
		&state,
		&processingStartedAt,
		&processedAt,
		&failedAt,
		&lastError,
		&m.ErrorCount,
		&m.Version,
	)
	if err != nil {
		return nil, err
	}

	if m.ID, err = uuid.Parse(rawID); err != nil {
		return nil, err
	}
	if m.State, err = outbox.ParseState(state); err != nil {
		return nil, err
	}
	m.CreatedAt = m.CreatedAt.UTC()
	m.ProcessingStartedAt = timePtr(processingStartedAt)
	m.ProcessedAt = timePtr(processedAt)
	m.FailedAt = timePtr(failedAt)
	if lastError.Valid {
		m.LastError = lastError.String
	}
	return &m, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
