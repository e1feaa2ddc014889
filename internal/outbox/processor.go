package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"go.outboxrelay.tech/internal/common/clock"
	"go.outboxrelay.tech/internal/common/metrics"
)

// DefaultBatchLimit is the number of messages a pass handles when no limit is given
const DefaultBatchLimit = 1000

// Processor drains the outbox. Each message is claimed, published and completed in
// its own unit of work so one message never affects another. It owns no scheduling;
// passes may run concurrently across processes and rely on the store's version check.
type Processor struct {
	factory    UnitOfWorkFactory
	publishers PublisherSet
	clock      clock.Clock
	logger     *zerolog.Logger
}

// NewProcessor creates an outbox processor
func NewProcessor(factory UnitOfWorkFactory, publishers []Publisher, clk clock.Clock, logger *zerolog.Logger) (*Processor, error) {
	switch {
	case factory == nil:
		return nil, ErrUnitOfWorkFactoryRequired
	case clk == nil:
		return nil, ErrClockRequired
	case logger == nil:
		return nil, ErrLoggerRequired
	}

	return &Processor{
		factory:    factory,
		publishers: PublisherSet(publishers),
		clock:      clk,
		logger:     logger,
	}, nil
}

// Publishers returns the registered publisher set
func (p *Processor) Publishers() PublisherSet {
	return p.publishers
}

// ProcessOutbox runs one pass over up to limit eligible messages, oldest first.
// A limit below 1 uses DefaultBatchLimit. Per-message failures are recorded on the
// message and do not stop the pass. Configuration errors are returned joined once
// the pass completes; cancellation is honoured between messages.
func (p *Processor) ProcessOutbox(ctx context.Context, limit int) error {
	if limit < 1 {
		limit = DefaultBatchLimit
	}

	start := time.Now()
	defer func() {
		metrics.PassDuration.Observe(time.Since(start).Seconds())
	}()

	ids, err := p.listEligible(ctx, limit)
	if err != nil {
		return err
	}

	metrics.BatchSize.Observe(float64(len(ids)))
	if len(ids) == 0 {
		return nil
	}

	p.logger.Debug().
		Int("count", len(ids)).
		Int("limit", limit).
		Msg("Processing outbox messages")

	var configErrs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			p.logger.Info().
				Str("messageId", id.String()).
				Msg("Outbox pass cancelled")
			return err
		}

		if err := p.ProcessMessage(ctx, id); err != nil && IsConfigurationError(err) {
			configErrs = append(configErrs, err)
		}
	}

	return errors.Join(configErrs...)
}

// ProcessMessage runs ProcessOutboxMessage for id and, when it fails, records the
// failure on the message in a separate unit of work. The original error is returned.
func (p *Processor) ProcessMessage(ctx context.Context, id uuid.UUID) error {
	err := p.ProcessOutboxMessage(ctx, id)
	if err == nil {
		return nil
	}

	p.logger.Error().Err(err).
		Str("messageId", id.String()).
		Msg("Failed to process outbox message")

	if !errors.Is(err, ErrMessageNotFound) {
		p.setAsFailed(ctx, id, err)
	}
	return err
}

func (p *Processor) listEligible(ctx context.Context, limit int) ([]uuid.UUID, error) {
	uow, err := p.factory.NewUnitOfWork(ctx)
	if err != nil {
		return nil, fmt.Errorf("open unit of work: %w", err)
	}
	defer p.closeUnitOfWork(uow)

	ids, err := uow.Repository().GetUnprocessedOutboxMessageIDs(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list eligible outbox messages: %w", err)
	}
	return ids, nil
}

// ProcessOutboxMessage claims, publishes and completes a single message in a fresh
// unit of work. A message that is no longer eligible, or that another worker claimed
// first, is skipped without error.
func (p *Processor) ProcessOutboxMessage(ctx context.Context, id uuid.UUID) error {
	uow, err := p.factory.NewUnitOfWork(ctx)
	if err != nil {
		return fmt.Errorf("open unit of work: %w", err)
	}
	defer p.closeUnitOfWork(uow)

	msg, err := uow.Repository().Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load outbox message %s: %w", id, err)
	}

	if !msg.ShouldProcessNow(p.clock) {
		p.logger.Debug().
			Str("messageId", id.String()).
			Str("state", string(msg.State)).
			Msg("Outbox message no longer eligible, skipping")
		metrics.MessagesProcessed.WithLabelValues(msg.Type, metrics.ResultSkipped).Inc()
		return nil
	}

	if err := msg.SetAsProcessing(p.clock); err != nil {
		return err
	}
	if err := uow.SaveChanges(ctx); err != nil {
		if errors.Is(err, ErrConcurrencyConflict) {
			p.logger.Warn().
				Str("messageId", id.String()).
				Str("type", msg.Type).
				Msg("Outbox message claimed by another worker, skipping")
			metrics.MessagesProcessed.WithLabelValues(msg.Type, metrics.ResultConflict).Inc()
			return nil
		}
		return fmt.Errorf("claim outbox message %s: %w", id, err)
	}

	publisher, err := p.publishers.Resolve(msg.Type)
	if err != nil {
		return fmt.Errorf("%w for outbox message type %s and id %s", err, msg.Type, msg.ID)
	}

	started := time.Now()
	err = publisher.Publish(ctx, msg.Payload)
	metrics.PublishDuration.WithLabelValues(msg.Type).Observe(time.Since(started).Seconds())
	if err != nil {
		return fmt.Errorf("publish outbox message %s: %w", id, err)
	}

	if err := msg.SetAsProcessed(p.clock); err != nil {
		return err
	}
	// The side effect already happened; the completion commit must not be abandoned.
	if err := uow.SaveChanges(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("complete outbox message %s: %w", id, err)
	}

	metrics.MessagesProcessed.WithLabelValues(msg.Type, metrics.ResultProcessed).Inc()
	p.logger.Debug().
		Str("messageId", id.String()).
		Str("type", msg.Type).
		Msg("Outbox message processed")
	return nil
}

// setAsFailed records cause on the message in an independent unit of work.
// Errors while recording are logged only.
func (p *Processor) setAsFailed(ctx context.Context, id uuid.UUID, cause error) {
	ctx = context.WithoutCancel(ctx)

	uow, err := p.factory.NewUnitOfWork(ctx)
	if err != nil {
		p.logger.Error().Err(err).
			Str("messageId", id.String()).
			Msg("Failed to open unit of work for failure recording")
		return
	}
	defer p.closeUnitOfWork(uow)

	msg, err := uow.Repository().Get(ctx, id)
	if err != nil {
		p.logger.Error().Err(err).
			Str("messageId", id.String()).
			Msg("Failed to load outbox message for failure recording")
		return
	}

	if err := msg.SetAsFailed(p.clock, failureText(msg, cause)); err != nil {
		p.logger.Warn().Err(err).
			Str("messageId", id.String()).
			Msg("Outbox message cannot be marked as failed")
		return
	}

	if err := uow.SaveChanges(ctx); err != nil {
		p.logger.Error().Err(err).
			Str("messageId", id.String()).
			Msg("Failed to record outbox message failure")
		return
	}

	metrics.MessagesProcessed.WithLabelValues(msg.Type, metrics.ResultFailed).Inc()
	p.logger.Warn().
		Str("messageId", id.String()).
		Str("type", msg.Type).
		Int("errorCount", msg.ErrorCount).
		Msg("Outbox message marked as failed")
}

func failureText(msg *OutboxMessage, cause error) string {
	if errors.Is(cause, ErrNoPublisher) {
		return fmt.Sprintf("no publisher found for outbox message type %s and id %s", msg.Type, msg.ID)
	}
	return cause.Error()
}

func (p *Processor) closeUnitOfWork(uow UnitOfWork) {
	if err := uow.Close(); err != nil {
		p.logger.Warn().Err(err).Msg("Failed to close unit of work")
	}
}
