package outbox

import "errors"

// Configuration errors. These indicate a wiring or deployment defect.
var (
	ErrClockRequired             = errors.New("outbox: clock is required")
	ErrLoggerRequired            = errors.New("outbox: logger is required")
	ErrRepositoryRequired        = errors.New("outbox: repository is required")
	ErrUnitOfWorkFactoryRequired = errors.New("outbox: unit of work factory is required")
	ErrClientNotInitialized      = errors.New("outbox: client not initialized")
	ErrNoPublisher               = errors.New("outbox: no publisher found")
	ErrMultiplePublishers        = errors.New("outbox: multiple publishers found")
)

var (
	// ErrConcurrencyConflict is returned by SaveChanges when a tracked message was
	// changed by another unit of work after it was loaded
	ErrConcurrencyConflict = errors.New("outbox: concurrency conflict")

	// ErrMessageNotFound is returned when a message id does not exist
	ErrMessageNotFound = errors.New("outbox: message not found")

	// ErrInvalidTransition is returned when a state change is not allowed
	ErrInvalidTransition = errors.New("outbox: invalid state transition")

	// ErrInvalidState is returned when a stored state cannot be parsed
	ErrInvalidState = errors.New("outbox: invalid state")

	// ErrSerialize is returned when a message cannot be serialized
	ErrSerialize = errors.New("outbox: failed to serialize message")
)

// IsConfigurationError reports whether err signals a deployment defect that the
// processor surfaces to its caller after completing a pass
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrNoPublisher) ||
		errors.Is(err, ErrMultiplePublishers) ||
		errors.Is(err, ErrMessageNotFound)
}
