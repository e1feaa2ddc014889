package nats

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runServer(t *testing.T, withJetStream bool) *server.Server {
	t.Helper()

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		NoLog:     true,
		NoSigs:    true,
		JetStream: withJetStream,
	}
	if withJetStream {
		opts.StoreDir = t.TempDir()
	}

	srv, err := server.NewServer(opts)
	require.NoError(t, err)
	go srv.Start()
	require.True(t, srv.ReadyForConnections(5*time.Second))
	t.Cleanup(srv.Shutdown)
	return srv
}

func TestPublishCoreNATS(t *testing.T) {
	t.Parallel()

	srv := runServer(t, false)

	sub, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer sub.Close()
	received, err := sub.SubscribeSync("outbox.events")
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	p, err := New(Config{Name: "events", Types: []string{"user.created"}, URL: srv.ClientURL(), Subject: "outbox.events"})
	require.NoError(t, err)
	defer p.Close()

	assert.True(t, p.CanPublish("user.created"))
	require.NoError(t, p.Ping(context.Background()))
	require.NoError(t, p.Publish(context.Background(), `{"id":1}`))

	msg, err := received.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, `{"id":1}`, string(msg.Data))
}

func TestPublishJetStream(t *testing.T) {
	t.Parallel()

	srv := runServer(t, true)
	ctx := context.Background()

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer nc.Close()
	js, err := jetstream.New(nc)
	require.NoError(t, err)
	stream, err := js.CreateStream(ctx, jetstream.StreamConfig{Name: "OUTBOX", Subjects: []string{"outbox.>"}})
	require.NoError(t, err)

	p, err := New(Config{Name: "events", URL: srv.ClientURL(), Subject: "outbox.events", JetStream: true})
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Publish(ctx, "a"))
	require.NoError(t, p.Publish(ctx, "b"))

	info, err := stream.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), info.State.Msgs)
}

func TestPublishJetStreamWithoutStreamFails(t *testing.T) {
	t.Parallel()

	srv := runServer(t, true)

	p, err := New(Config{Name: "events", URL: srv.ClientURL(), Subject: "nowhere", JetStream: true})
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.Error(t, p.Publish(ctx, "lost"))
}

func TestNewRequiresSubject(t *testing.T) {
	t.Parallel()

	_, err := New(Config{URL: nats.DefaultURL})
	assert.Error(t, err)
}
