// Package publisher holds what every outbox transport shares: the set of message
// types it claims and its delivery metrics.
package publisher

import (
	"github.com/rs/zerolog/log"

	"go.outboxrelay.tech/internal/common/metrics"
	"go.outboxrelay.tech/internal/outbox"
)

// Base is embedded by transports to satisfy outbox.Publisher.CanPublish
type Base struct {
	name  string
	types outbox.TypeSet
}

// NewBase creates a Base claiming the given message types
func NewBase(name string, messageTypes []string) Base {
	return Base{name: name, types: outbox.NewTypeSet(messageTypes...)}
}

// Name returns the configured publisher name
func (b Base) Name() string {
	return b.name
}

// Types returns the claimed message types
func (b Base) Types() []string {
	return b.types.List()
}

// CanPublish reports whether messageType is claimed by this publisher
func (b Base) CanPublish(messageType string) bool {
	return b.types.Contains(messageType)
}

// Record updates delivery metrics and passes err through
func (b Base) Record(err error) error {
	if err != nil {
		metrics.PublisherErrors.WithLabelValues(b.name).Inc()
		log.Debug().Err(err).Str("publisher", b.name).Msg("Publish failed")
		return err
	}
	metrics.PublisherPublished.WithLabelValues(b.name).Inc()
	return nil
}
