package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestPublishAppendsToStream(t *testing.T) {
	t.Parallel()

	_, client := newClient(t)
	ctx := context.Background()

	p, err := New(client, Config{Name: "audit", Types: []string{"audit.entry"}, Stream: "outbox:audit"})
	require.NoError(t, err)
	assert.True(t, p.CanPublish("audit.entry"))

	require.NoError(t, p.Publish(ctx, `{"n":1}`))
	require.NoError(t, p.Publish(ctx, `{"n":2}`))

	entries, err := client.XRange(ctx, "outbox:audit", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, `{"n":1}`, entries[0].Values[PayloadField])
	assert.Equal(t, `{"n":2}`, entries[1].Values[PayloadField])
}

func TestPublishFailsWhenServerDown(t *testing.T) {
	t.Parallel()

	mr, client := newClient(t)
	p, err := New(client, Config{Name: "audit", Stream: "outbox:audit"})
	require.NoError(t, err)
	require.NoError(t, p.Ping(context.Background()))

	mr.Close()
	assert.Error(t, p.Publish(context.Background(), "x"))
}

func TestNewRequiresStream(t *testing.T) {
	t.Parallel()

	_, client := newClient(t)
	_, err := New(client, Config{Name: "audit"})
	assert.Error(t, err)
}
