package outbox

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the persistence boundary for outbox messages within one unit of work.
// Messages returned by Get are tracked; SaveChanges on the owning unit of work persists
// any change made to them.
type Repository interface {
	// GetUnprocessedOutboxMessageIDs returns up to limit ids of eligible messages, oldest
	// first. Eligibility is evaluated by the store at query time against its clock.
	GetUnprocessedOutboxMessageIDs(ctx context.Context, limit int) ([]uuid.UUID, error)

	// Get loads a message by id. Returns ErrMessageNotFound when absent.
	Get(ctx context.Context, id uuid.UUID) (*OutboxMessage, error)

	// Add stages a new message for insertion on the next SaveChanges
	Add(message *OutboxMessage)
}

// UnitOfWork is an isolated persistence scope. It is not safe for concurrent use.
type UnitOfWork interface {
	Repository() Repository

	// SaveChanges atomically applies staged inserts and changes to tracked messages.
	// Returns an error wrapping ErrConcurrencyConflict when a tracked message was
	// modified elsewhere since it was loaded.
	SaveChanges(ctx context.Context) error

	// Close releases the scope. Unsaved changes are discarded.
	Close() error
}

// UnitOfWorkFactory opens independent units of work
type UnitOfWorkFactory interface {
	NewUnitOfWork(ctx context.Context) (UnitOfWork, error)
}

// UnitOfWorkFactoryFunc adapts a function to UnitOfWorkFactory
type UnitOfWorkFactoryFunc func(ctx context.Context) (UnitOfWork, error)

// NewUnitOfWork calls f(ctx)
func (f UnitOfWorkFactoryFunc) NewUnitOfWork(ctx context.Context) (UnitOfWork, error) {
	return f(ctx)
}
