package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.outboxrelay.tech/internal/common/clock"
	"go.outboxrelay.tech/internal/outbox"
)

var start = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func seed(t *testing.T, s *Store, clk *clock.Manual, n int) []uuid.UUID {
	t.Helper()
	ids := make([]uuid.UUID, n)
	uow := s.Begin()
	defer uow.Close()
	for i := range ids {
		m := outbox.NewOutboxMessage(clk, "email", "{}")
		ids[i] = m.ID
		uow.Add(m)
		clk.Advance(time.Second)
	}
	require.NoError(t, uow.SaveChanges(context.Background()))
	return ids
}

func TestListingFiltersAndOrders(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(start)
	s := NewStore(clk)
	ids := seed(t, s, clk, 4)
	ctx := context.Background()

	// ids[1] is processing, ids[2] just failed
	uow := s.Begin()
	m1, err := uow.Get(ctx, ids[1])
	require.NoError(t, err)
	require.NoError(t, m1.SetAsProcessing(clk))
	m2, err := uow.Get(ctx, ids[2])
	require.NoError(t, err)
	require.NoError(t, m2.SetAsFailed(clk, "boom"))
	require.NoError(t, uow.SaveChanges(ctx))
	require.NoError(t, uow.Close())

	list := s.Begin()
	defer list.Close()

	got, err := list.GetUnprocessedOutboxMessageIDs(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{ids[0], ids[3]}, got)

	got, err = list.GetUnprocessedOutboxMessageIDs(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{ids[0]}, got)

	clk.Advance(outbox.MinimumDurationBetweenFailedAttempts)
	got, err = list.GetUnprocessedOutboxMessageIDs(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{ids[0], ids[2], ids[3]}, got)

	clk.Advance(outbox.DurationBetweenProcessingAttempts)
	got, err = list.GetUnprocessedOutboxMessageIDs(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, ids, got)
}

func TestListingEmptyStore(t *testing.T) {
	t.Parallel()

	s := NewStore(clock.NewManual(start))
	uow := s.Begin()
	defer uow.Close()

	got, err := uow.GetUnprocessedOutboxMessageIDs(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestGetNotFound(t *testing.T) {
	t.Parallel()

	s := NewStore(clock.NewManual(start))
	uow := s.Begin()
	defer uow.Close()

	_, err := uow.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, outbox.ErrMessageNotFound)
}

func TestSaveChangesDetectsConcurrentModification(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(start)
	s := NewStore(clk)
	ids := seed(t, s, clk, 1)
	ctx := context.Background()

	first := s.Begin()
	defer first.Close()
	second := s.Begin()
	defer second.Close()

	a, err := first.Get(ctx, ids[0])
	require.NoError(t, err)
	b, err := second.Get(ctx, ids[0])
	require.NoError(t, err)

	require.NoError(t, a.SetAsProcessing(clk))
	require.NoError(t, b.SetAsProcessing(clk))

	require.NoError(t, first.SaveChanges(ctx))
	assert.ErrorIs(t, second.SaveChanges(ctx), outbox.ErrConcurrencyConflict)

	stored, ok := s.Snapshot(ids[0])
	require.True(t, ok)
	assert.Equal(t, int64(2), stored.Version)
}

func TestSaveChangesTwiceInOneUnitOfWork(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(start)
	s := NewStore(clk)
	ids := seed(t, s, clk, 1)
	ctx := context.Background()

	uow := s.Begin()
	defer uow.Close()

	m, err := uow.Get(ctx, ids[0])
	require.NoError(t, err)
	require.NoError(t, m.SetAsProcessing(clk))
	require.NoError(t, uow.SaveChanges(ctx))
	require.NoError(t, m.SetAsProcessed(clk))
	require.NoError(t, uow.SaveChanges(ctx))

	stored, ok := s.Snapshot(ids[0])
	require.True(t, ok)
	assert.Equal(t, outbox.StateProcessed, stored.State)
	assert.Equal(t, int64(3), stored.Version)
}

func TestUnchangedMessagesAreNotWritten(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(start)
	s := NewStore(clk)
	ids := seed(t, s, clk, 1)
	ctx := context.Background()

	reader := s.Begin()
	defer reader.Close()
	_, err := reader.Get(ctx, ids[0])
	require.NoError(t, err)

	writer := s.Begin()
	m, err := writer.Get(ctx, ids[0])
	require.NoError(t, err)
	require.NoError(t, m.SetAsProcessing(clk))
	require.NoError(t, writer.SaveChanges(ctx))
	require.NoError(t, writer.Close())

	assert.NoError(t, reader.SaveChanges(ctx), "a read-only unit of work never conflicts")
}

func TestEnlistedErrorAbortsCommit(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(start)
	s := NewStore(clk)
	ctx := context.Background()

	uow := s.Begin()
	defer uow.Close()
	uow.Add(outbox.NewOutboxMessage(clk, "email", "{}"))
	uow.Enlist(func() error { return errors.New("constraint violated") })

	assert.Error(t, uow.SaveChanges(ctx))
	assert.Empty(t, s.All())
}

func TestClosedUnitOfWorkRejectsSave(t *testing.T) {
	t.Parallel()

	s := NewStore(clock.NewManual(start))
	uow := s.Begin()
	require.NoError(t, uow.Close())
	assert.Error(t, uow.SaveChanges(context.Background()))
}
