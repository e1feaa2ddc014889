package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.outboxrelay.tech/internal/common/clock"
)

type countingRunner struct {
	calls  atomic.Int32
	limits chan int
	block  chan struct{}
	err    error
}

func newCountingRunner() *countingRunner {
	return &countingRunner{limits: make(chan int, 100)}
}

func (r *countingRunner) ProcessOutbox(ctx context.Context, limit int) error {
	r.calls.Add(1)
	select {
	case r.limits <- limit:
	default:
	}
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return r.err
}

type gate struct{ primary atomic.Bool }

func (g *gate) IsPrimary() bool { return g.primary.Load() }

func fastConfig() Config {
	return Config{Enabled: true, PollInterval: 10 * time.Millisecond, BatchSize: 25, PassTimeout: time.Second}
}

func TestTriggerRunsOnInterval(t *testing.T) {
	t.Parallel()

	runner := newCountingRunner()
	tr := NewTrigger(runner, fastConfig(), nil, nil)
	tr.Start(context.Background())

	require.Eventually(t, func() bool { return runner.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	require.NoError(t, tr.Stop(context.Background()))

	assert.Equal(t, 25, <-runner.limits)
	status := tr.Status()
	assert.False(t, status.Running)
	assert.GreaterOrEqual(t, status.Passes, int64(3))
	assert.NotNil(t, status.LastRunAt)
}

func TestTriggerDisabledDoesNotPoll(t *testing.T) {
	t.Parallel()

	runner := newCountingRunner()
	cfg := fastConfig()
	cfg.Enabled = false
	tr := NewTrigger(runner, cfg, nil, nil)
	tr.Start(context.Background())

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, runner.calls.Load())
	assert.False(t, tr.Status().Running)

	require.NoError(t, tr.RunOnce(context.Background(), 1))
	assert.Equal(t, int32(1), runner.calls.Load())
}

func TestTriggerStandbySkipsScheduledPasses(t *testing.T) {
	t.Parallel()

	runner := newCountingRunner()
	g := &gate{}
	tr := NewTrigger(runner, fastConfig(), g, nil)
	tr.Start(context.Background())
	defer func() { _ = tr.Stop(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, runner.calls.Load())
	assert.False(t, tr.Status().Primary)

	g.primary.Store(true)
	require.Eventually(t, func() bool { return runner.calls.Load() > 0 }, time.Second, 5*time.Millisecond)
}

func TestRunOnceDoesNotOverlap(t *testing.T) {
	t.Parallel()

	runner := newCountingRunner()
	runner.block = make(chan struct{})
	tr := NewTrigger(runner, fastConfig(), nil, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, tr.RunOnce(context.Background(), 5))
	}()

	require.Eventually(t, func() bool { return tr.Status().PassActive }, time.Second, time.Millisecond)
	assert.ErrorIs(t, tr.RunOnce(context.Background(), 5), ErrPassInProgress)

	close(runner.block)
	wg.Wait()
	assert.Equal(t, int32(1), runner.calls.Load())
}

func TestRunOnceRecordsErrors(t *testing.T) {
	t.Parallel()

	runner := newCountingRunner()
	runner.err = errors.New("no publisher")
	clk := clock.NewManual(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	tr := NewTrigger(runner, fastConfig(), nil, clk)

	err := tr.RunOnce(context.Background(), 10)
	require.Error(t, err)

	status := tr.Status()
	assert.Equal(t, int64(1), status.FailedPasses)
	assert.Equal(t, "no publisher", status.LastError)
	assert.Equal(t, clk.Now(), *status.LastRunAt)

	runner.err = nil
	require.NoError(t, tr.RunOnce(context.Background(), 10))
	assert.Empty(t, tr.Status().LastError)
}

func TestStopCancelsRunningPass(t *testing.T) {
	t.Parallel()

	runner := newCountingRunner()
	runner.block = make(chan struct{})
	tr := NewTrigger(runner, fastConfig(), nil, nil)
	tr.Start(context.Background())

	require.Eventually(t, func() bool { return runner.calls.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, tr.Stop(ctx))
}
