package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	written []kafka.Message
	err     error
	closed  bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestPublishWritesRecord(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{}
	p := NewWithWriter(w, Config{Name: "orders", Types: []string{"order.placed"}, Topic: "orders"})

	assert.True(t, p.CanPublish("order.placed"))
	require.NoError(t, p.Publish(context.Background(), `{"orderId":7}`))
	require.Len(t, w.written, 1)
	assert.Equal(t, `{"orderId":7}`, string(w.written[0].Value))

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestPublishPropagatesWriterErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("leader not available")
	p := NewWithWriter(&fakeWriter{err: boom}, Config{Name: "orders", Topic: "orders"})

	err := p.Publish(context.Background(), "x")
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "orders")
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Topic: "orders"})
	assert.Error(t, err)

	_, err = New(Config{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)

	p, err := New(Config{Name: "orders", Brokers: []string{"localhost:9092"}, Topic: "orders"})
	require.NoError(t, err)
	require.NoError(t, p.Close())
}
