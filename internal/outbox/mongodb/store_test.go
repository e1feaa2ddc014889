package mongodb

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"go.outboxrelay.tech/internal/common/clock"
	"go.outboxrelay.tech/internal/outbox"
)

var start = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func messageDoc(id uuid.UUID, state outbox.State, version int64) bson.D {
	return bson.D{
		{Key: "_id", Value: id.String()},
		{Key: "createdAt", Value: start},
		{Key: "type", Value: "email"},
		{Key: "payload", Value: `{"to":"x"}`},
		{Key: "state", Value: string(state)},
		{Key: "errorCount", Value: int32(0)},
		{Key: "version", Value: version},
	}
}

func TestDocumentRoundTrip(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(start)
	m := outbox.NewOutboxMessage(clk, "email", "{}")
	require.NoError(t, m.SetAsFailed(clk, "boom"))
	m.Version = 3

	back, err := toDocument(m).toMessage()
	require.NoError(t, err)
	assert.Equal(t, m.ID, back.ID)
	assert.Equal(t, outbox.StateFailed, back.State)
	assert.Equal(t, "boom", back.LastError)
	assert.Equal(t, 1, back.ErrorCount)
	assert.Equal(t, int64(3), back.Version)
	assert.True(t, m.SameStateAs(back))
}

func TestDocumentRejectsBadData(t *testing.T) {
	t.Parallel()

	_, err := document{ID: "not-a-uuid", State: "PENDING"}.toMessage()
	assert.Error(t, err)

	_, err = document{ID: uuid.NewString(), State: "LOST"}.toMessage()
	assert.ErrorIs(t, err, outbox.ErrInvalidState)
}

func TestEligibleFilterBoundaries(t *testing.T) {
	t.Parallel()

	f := eligibleFilter(start)
	clauses, ok := f["$or"].(bson.A)
	require.True(t, ok)
	require.Len(t, clauses, 3)

	processing := clauses[1].(bson.M)["processingStartedAt"].(bson.M)
	assert.Equal(t, start.Add(-outbox.DurationBetweenProcessingAttempts), processing["$lte"])

	failed := clauses[2].(bson.M)["failedAt"].(bson.M)
	assert.Equal(t, start.Add(-outbox.MinimumDurationBetweenFailedAttempts), failed["$lte"])
}

func TestStoreWithMockDeployment(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("lists eligible ids", func(mt *mtest.T) {
		a, b := uuid.New(), uuid.New()
		ns := mt.DB.Name() + "." + DefaultCollection
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch,
			bson.D{{Key: "_id", Value: a.String()}},
			bson.D{{Key: "_id", Value: b.String()}},
		))

		store := NewStore(mt.DB, "", clock.NewManual(start), false)
		ids, err := store.Begin().GetUnprocessedOutboxMessageIDs(context.Background(), 10)
		require.NoError(mt, err)
		assert.Equal(mt, []uuid.UUID{a, b}, ids)
	})

	mt.Run("get reports missing messages", func(mt *mtest.T) {
		ns := mt.DB.Name() + "." + DefaultCollection
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch))

		store := NewStore(mt.DB, "", clock.NewManual(start), false)
		_, err := store.Begin().Get(context.Background(), uuid.New())
		assert.ErrorIs(mt, err, outbox.ErrMessageNotFound)
	})

	mt.Run("claim succeeds when version matches", func(mt *mtest.T) {
		id := uuid.New()
		ns := mt.DB.Name() + "." + DefaultCollection
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, messageDoc(id, outbox.StatePending, 1)),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}, bson.E{Key: "nModified", Value: 1}),
		)

		clk := clock.NewManual(start)
		uow := NewStore(mt.DB, "", clk, false).Begin()
		m, err := uow.Get(context.Background(), id)
		require.NoError(mt, err)
		require.NoError(mt, m.SetAsProcessing(clk))
		require.NoError(mt, uow.SaveChanges(context.Background()))
		assert.Equal(mt, int64(2), m.Version)
	})

	mt.Run("claim conflicts when version moved", func(mt *mtest.T) {
		id := uuid.New()
		ns := mt.DB.Name() + "." + DefaultCollection
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, messageDoc(id, outbox.StatePending, 1)),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}, bson.E{Key: "nModified", Value: 0}),
		)

		clk := clock.NewManual(start)
		uow := NewStore(mt.DB, "", clk, false).Begin()
		m, err := uow.Get(context.Background(), id)
		require.NoError(mt, err)
		require.NoError(mt, m.SetAsProcessing(clk))
		assert.ErrorIs(mt, uow.SaveChanges(context.Background()), outbox.ErrConcurrencyConflict)
	})

	mt.Run("inserts staged messages", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse())

		clk := clock.NewManual(start)
		uow := NewStore(mt.DB, "", clk, false).Begin()
		m := outbox.NewOutboxMessage(clk, "email", "{}")
		uow.Add(m)
		require.NoError(mt, uow.SaveChanges(context.Background()))
		assert.Equal(mt, int64(1), m.Version)
	})
}
