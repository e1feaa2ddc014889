// Package scheduler triggers outbox processing passes on a fixed interval
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"go.outboxrelay.tech/internal/common/clock"
	"go.outboxrelay.tech/internal/common/metrics"
)

// ErrPassInProgress is returned by RunOnce while another pass is running
var ErrPassInProgress = errors.New("outbox pass already in progress")

// Runner runs one processing pass
type Runner interface {
	ProcessOutbox(ctx context.Context, limit int) error
}

// LeaderGate reports whether scheduled passes may run on this instance
type LeaderGate interface {
	IsPrimary() bool
}

// Config holds trigger settings
type Config struct {
	// Enabled controls whether scheduled passes run; RunOnce works either way
	Enabled bool

	// PollInterval is the time between scheduled passes
	PollInterval time.Duration

	// BatchSize is the limit handed to each scheduled pass
	BatchSize int

	// PassTimeout bounds a single pass
	PassTimeout time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		PollInterval: 5 * time.Second,
		BatchSize:    1000,
		PassTimeout:  5 * time.Minute,
	}
}

// Status is a snapshot of the trigger state
type Status struct {
	Enabled      bool          `json:"enabled"`
	Running      bool          `json:"running"`
	Primary      bool          `json:"primary"`
	PassActive   bool          `json:"passActive"`
	PollInterval time.Duration `json:"pollInterval"`
	BatchSize    int           `json:"batchSize"`
	Passes       int64         `json:"passes"`
	FailedPasses int64         `json:"failedPasses"`
	LastRunAt    *time.Time    `json:"lastRunAt,omitempty"`
	LastDuration time.Duration `json:"lastDuration"`
	LastError    string        `json:"lastError,omitempty"`
}

// Trigger calls the runner every PollInterval. Passes never overlap inside one
// process; across processes the store's version check keeps delivery single.
type Trigger struct {
	runner Runner
	gate   LeaderGate
	config Config
	clock  clock.Clock

	passMu sync.Mutex // held for the duration of a pass

	statsMu      sync.RWMutex
	passes       int64
	failedPasses int64
	passActive   bool
	lastRunAt    *time.Time
	lastDuration time.Duration
	lastError    string

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
}

// NewTrigger creates a trigger. A nil gate means this instance is always primary.
func NewTrigger(runner Runner, cfg Config, gate LeaderGate, clk clock.Clock) *Trigger {
	defaults := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.PassTimeout <= 0 {
		cfg.PassTimeout = defaults.PassTimeout
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Trigger{
		runner: runner,
		gate:   gate,
		config: cfg,
		clock:  clk,
	}
}

// Start starts the polling loop
func (t *Trigger) Start(ctx context.Context) {
	t.runningMu.Lock()
	defer t.runningMu.Unlock()

	if t.running {
		return
	}
	if !t.config.Enabled {
		log.Info().Msg("Outbox trigger is disabled")
		return
	}
	t.running = true

	ctx, t.cancel = context.WithCancel(ctx)

	t.wg.Add(1)
	go t.runPoller(ctx)

	log.Info().
		Dur("pollInterval", t.config.PollInterval).
		Int("batchSize", t.config.BatchSize).
		Bool("leaderGated", t.gate != nil).
		Msg("Outbox trigger started")
}

// Stop stops the polling loop and waits for the running pass to return
func (t *Trigger) Stop(ctx context.Context) error {
	t.runningMu.Lock()
	if !t.running {
		t.runningMu.Unlock()
		return nil
	}
	t.running = false
	t.cancel()
	t.runningMu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("Outbox trigger stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Trigger) runPoller(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.doPoll(ctx)
		}
	}
}

// doPoll runs one scheduled pass unless this instance is standby or a pass is running
func (t *Trigger) doPoll(ctx context.Context) {
	if !t.isPrimary() {
		metrics.TriggerPasses.WithLabelValues("standby").Inc()
		return
	}

	err := t.RunOnce(ctx, t.config.BatchSize)
	switch {
	case errors.Is(err, ErrPassInProgress):
		log.Debug().Msg("Previous outbox pass still running, skipping tick")
	case err != nil && ctx.Err() == nil:
		log.Error().Err(err).Msg("Outbox pass reported errors")
	}
}

// RunOnce runs a single pass now. It returns ErrPassInProgress instead of waiting
// when another pass holds the lock.
func (t *Trigger) RunOnce(ctx context.Context, limit int) error {
	if !t.passMu.TryLock() {
		metrics.TriggerPasses.WithLabelValues("skipped").Inc()
		return ErrPassInProgress
	}
	defer t.passMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, t.config.PassTimeout)
	defer cancel()

	t.setActive(true)
	started := t.clock.Now()
	err := t.runner.ProcessOutbox(ctx, limit)
	t.record(started, t.clock.Now().Sub(started), err)

	if err != nil {
		metrics.TriggerPasses.WithLabelValues("error").Inc()
		return err
	}
	metrics.TriggerPasses.WithLabelValues("ok").Inc()
	return nil
}

func (t *Trigger) isPrimary() bool {
	return t.gate == nil || t.gate.IsPrimary()
}

func (t *Trigger) setActive(active bool) {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	t.passActive = active
}

func (t *Trigger) record(started time.Time, took time.Duration, err error) {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()

	t.passActive = false
	t.passes++
	t.lastRunAt = &started
	t.lastDuration = took
	t.lastError = ""
	if err != nil {
		t.failedPasses++
		t.lastError = err.Error()
	}
}

// Status returns the trigger status
func (t *Trigger) Status() Status {
	t.runningMu.Lock()
	running := t.running
	t.runningMu.Unlock()

	t.statsMu.RLock()
	defer t.statsMu.RUnlock()

	return Status{
		Enabled:      t.config.Enabled,
		Running:      running,
		Primary:      t.isPrimary(),
		PassActive:   t.passActive,
		PollInterval: t.config.PollInterval,
		BatchSize:    t.config.BatchSize,
		Passes:       t.passes,
		FailedPasses: t.failedPasses,
		LastRunAt:    t.lastRunAt,
		LastDuration: t.lastDuration,
		LastError:    t.lastError,
	}
}
