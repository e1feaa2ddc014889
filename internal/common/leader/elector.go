// Package leader elects a single processing instance through a Redis lease.
// Standby instances keep serving the HTTP API but skip scheduled passes.
package leader

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"go.outboxrelay.tech/internal/common/metrics"
)

// Roles reported by the elector
const (
	RolePrimary = "PRIMARY"
	RoleStandby = "STANDBY"
)

// Config holds leader election settings
type Config struct {
	Enabled         bool
	InstanceID      string
	LockKey         string
	TTL             time.Duration
	RefreshInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		LockKey:         "outbox:processor:leader",
		TTL:             30 * time.Second,
		RefreshInterval: 10 * time.Second,
	}
}

// Callbacks are invoked on role changes
type Callbacks struct {
	OnBecomePrimary func()
	OnBecomeStandby func()
}

// Status is a snapshot of the elector state
type Status struct {
	Enabled    bool   `json:"enabled"`
	Role       string `json:"role"`
	InstanceID string `json:"instanceId"`
	LockKey    string `json:"lockKey,omitempty"`
}

// LeaderElector holds the processing lease while this instance is primary
type LeaderElector struct {
	config    Config
	callbacks Callbacks
	mutex     *redsync.Mutex
	isPrimary atomic.Bool

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewLeaderElector creates an elector. With election disabled the instance is
// always primary and client may be nil.
func NewLeaderElector(client redis.UniversalClient, cfg Config, callbacks Callbacks) *LeaderElector {
	defaults := DefaultConfig()
	if cfg.LockKey == "" {
		cfg.LockKey = defaults.LockKey
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaults.TTL
	}
	if cfg.RefreshInterval <= 0 || cfg.RefreshInterval >= cfg.TTL {
		cfg.RefreshInterval = cfg.TTL / 3
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = defaultInstanceID()
	}

	e := &LeaderElector{config: cfg, callbacks: callbacks}

	if !cfg.Enabled {
		e.isPrimary.Store(true)
		metrics.LeaderStatus.Set(1)
		return e
	}

	rs := redsync.New(goredis.NewPool(client))
	e.mutex = rs.NewMutex(cfg.LockKey,
		redsync.WithExpiry(cfg.TTL),
		redsync.WithTries(1),
	)
	return e
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "outbox"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// Start attempts to acquire the lease immediately and then refreshes it in the background
func (e *LeaderElector) Start(ctx context.Context) {
	if !e.config.Enabled {
		log.Info().Str("instanceId", e.config.InstanceID).Msg("Leader election disabled, running as primary")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.running = true

	ctx, e.cancel = context.WithCancel(ctx)
	e.Tick(ctx)

	e.wg.Add(1)
	go e.run(ctx)

	log.Info().
		Str("instanceId", e.config.InstanceID).
		Str("lockKey", e.config.LockKey).
		Dur("ttl", e.config.TTL).
		Dur("refreshInterval", e.config.RefreshInterval).
		Msg("Leader election started")
}

func (e *LeaderElector) run(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick refreshes the lease when primary or tries to take it when standby
func (e *LeaderElector) Tick(ctx context.Context) {
	if !e.config.Enabled {
		return
	}

	if e.isPrimary.Load() {
		ok, err := e.mutex.ExtendContext(ctx)
		if err == nil && ok {
			return
		}
		log.Warn().Err(err).
			Str("instanceId", e.config.InstanceID).
			Msg("Lost processing lease")
		e.becomeStandby()
		return
	}

	if err := e.mutex.TryLockContext(ctx); err != nil {
		log.Debug().Err(err).
			Str("instanceId", e.config.InstanceID).
			Msg("Processing lease held elsewhere")
		return
	}
	e.becomePrimary()
}

func (e *LeaderElector) becomePrimary() {
	if e.isPrimary.Swap(true) {
		return
	}
	metrics.LeaderStatus.Set(1)
	log.Info().Str("instanceId", e.config.InstanceID).Msg("Became PRIMARY")
	if e.callbacks.OnBecomePrimary != nil {
		e.callbacks.OnBecomePrimary()
	}
}

func (e *LeaderElector) becomeStandby() {
	if !e.isPrimary.Swap(false) {
		return
	}
	metrics.LeaderStatus.Set(0)
	log.Info().Str("instanceId", e.config.InstanceID).Msg("Became STANDBY")
	if e.callbacks.OnBecomeStandby != nil {
		e.callbacks.OnBecomeStandby()
	}
}

// Stop ends the refresh loop and releases the lease if held
func (e *LeaderElector) Stop(ctx context.Context) error {
	if !e.config.Enabled {
		return nil
	}

	e.mu.Lock()
	if e.running {
		e.cancel()
		e.running = false
	}
	e.mu.Unlock()
	e.wg.Wait()

	if !e.isPrimary.Load() {
		return nil
	}
	e.becomeStandby()

	if _, err := e.mutex.UnlockContext(ctx); err != nil {
		return fmt.Errorf("release processing lease: %w", err)
	}
	log.Info().Str("instanceId", e.config.InstanceID).Msg("Released processing lease")
	return nil
}

// IsPrimary reports whether this instance may run scheduled passes
func (e *LeaderElector) IsPrimary() bool {
	return e.isPrimary.Load()
}

// GetRole returns PRIMARY or STANDBY
func (e *LeaderElector) GetRole() string {
	if e.isPrimary.Load() {
		return RolePrimary
	}
	return RoleStandby
}

// GetInstanceID returns this instance's identifier
func (e *LeaderElector) GetInstanceID() string {
	return e.config.InstanceID
}

// GetStatus returns the elector status
func (e *LeaderElector) GetStatus() Status {
	s := Status{
		Enabled:    e.config.Enabled,
		Role:       e.GetRole(),
		InstanceID: e.config.InstanceID,
	}
	if e.config.Enabled {
		s.LockKey = e.config.LockKey
	}
	return s
}
