// Outbox Relay
//
// Standalone outbox processor. Drains the transactional outbox table, publishes
// each message through the configured transport and records the outcome.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.outboxrelay.tech/internal/api"
	"go.outboxrelay.tech/internal/common/clock"
	"go.outboxrelay.tech/internal/common/health"
	"go.outboxrelay.tech/internal/common/leader"
	"go.outboxrelay.tech/internal/common/lifecycle"
	"go.outboxrelay.tech/internal/config"
	"go.outboxrelay.tech/internal/outbox"
	"go.outboxrelay.tech/internal/outbox/memory"
	"go.outboxrelay.tech/internal/outbox/mongodb"
	"go.outboxrelay.tech/internal/outbox/postgres"
	"go.outboxrelay.tech/internal/publisher/factory"
	"go.outboxrelay.tech/internal/scheduler"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	// Configure logging
	zerolog.TimeFieldFormat = time.RFC3339
	if os.Getenv("OUTBOX_DEV") == "true" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	log.Info().
		Str("version", version).
		Str("build_time", buildTime).
		Str("component", "outbox").
		Msg("Starting Outbox Relay")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.HTTP.DevLogging {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	lm := lifecycle.NewManager()
	if cfg.HTTP.ShutdownTimeout > 0 {
		lm.SetShutdownTimeout(cfg.HTTP.ShutdownTimeout)
	}

	healthChecker := health.NewChecker()
	clk := clock.System{}

	// Initialize outbox store
	store, err := openStore(ctx, cfg, clk, lm, healthChecker)
	if err != nil {
		log.Fatal().Err(err).Str("store", cfg.Store.Type).Msg("Failed to initialize outbox store")
	}

	// Shared redis client for the lease and redis publishers
	var rdb goredis.UniversalClient
	if cfg.NeedsRedis() {
		rdb = goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("Failed to connect to Redis")
		}
		lm.RegisterFinalShutdown("redis", func(context.Context) error {
			return rdb.Close()
		})
		healthChecker.AddReadinessCheck(health.Check{Name: "redis", Probe: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")
	}

	// Initialize publishers
	publishers, err := factory.Build(ctx, cfg.Publishers, rdb)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize publishers")
	}
	lm.RegisterPublisherShutdown("publishers", func(context.Context) error {
		return publishers.Close()
	})
	for _, check := range publishers.HealthChecks() {
		healthChecker.AddReadinessCheck(check)
	}

	processorLogger := log.With().Str("component", "outbox-processor").Logger()
	processor, err := outbox.NewProcessor(store, publishers.Publishers(), clk, &processorLogger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create outbox processor")
	}

	if err := processor.Publishers().Validate(cfg.Processor.KnownTypes...); err != nil {
		log.Fatal().Err(err).Strs("knownTypes", cfg.Processor.KnownTypes).Msg("Publisher configuration does not cover known message types")
	}

	// Leader election
	elector := leader.NewLeaderElector(rdb, leader.Config{
		Enabled:         cfg.Leader.Enabled,
		InstanceID:      cfg.Leader.InstanceID,
		LockKey:         cfg.Leader.LockKey,
		TTL:             cfg.Leader.TTL,
		RefreshInterval: cfg.Leader.RefreshInterval,
	}, leader.Callbacks{})
	elector.Start(ctx)
	lm.RegisterLeaderShutdown("leader", elector.Stop)

	// Periodic trigger
	trigger := scheduler.NewTrigger(processor, scheduler.Config{
		Enabled:      cfg.Processor.Enabled,
		PollInterval: cfg.Processor.PollInterval,
		BatchSize:    cfg.Processor.BatchSize,
		PassTimeout:  cfg.Processor.PassTimeout,
	}, elector, clk)
	trigger.Start(ctx)
	lm.RegisterTriggerShutdown("trigger", trigger.Stop)

	log.Info().
		Str("store", cfg.Store.Type).
		Int("publishers", len(publishers.Transports())).
		Dur("pollInterval", cfg.Processor.PollInterval).
		Int("batchSize", cfg.Processor.BatchSize).
		Bool("leaderElection", cfg.Leader.Enabled).
		Msg("Outbox processor started")

	// HTTP server
	router := api.NewRouter(api.RouterConfig{
		AuthSecret:  cfg.HTTP.AuthSecret,
		CORSOrigins: cfg.HTTP.CORSOrigins,
	}, healthChecker, api.NewOutboxHandler(trigger, processor, elector))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	lm.RegisterHTTPShutdown("http", server.Shutdown)

	go func() {
		log.Info().Int("port", cfg.HTTP.Port).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
			lm.Shutdown()
		}
	}()

	if err := lm.Run(); err != nil {
		log.Error().Err(err).Msg("Shutdown completed with errors")
	}
	cancel()

	log.Info().Msg("Outbox Relay stopped")
}

// openStore connects the configured store, prepares its schema and registers
// its readiness check and shutdown hook
func openStore(ctx context.Context, cfg *config.Config, clk clock.Clock, lm *lifecycle.Manager, checker *health.Checker) (outbox.UnitOfWorkFactory, error) {
	switch cfg.Store.Type {
	case config.StorePostgres:
		log.Info().Str("dsn", maskURI(cfg.Postgres.DSN)).Msg("Connecting to PostgreSQL")
		db, err := postgres.Open(ctx, cfg.Postgres.DSN, postgres.PoolConfig{
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		lm.RegisterDatabaseShutdown("postgres", func(context.Context) error {
			return db.Close()
		})

		if cfg.Postgres.Migrate {
			pgCfg, err := pgx.ParseConfig(cfg.Postgres.DSN)
			if err != nil {
				return nil, fmt.Errorf("parse postgres dsn: %w", err)
			}
			if err := postgres.Migrate(db, pgCfg.Database); err != nil {
				return nil, err
			}
		}

		store := postgres.NewStore(db, clk)
		checker.AddReadinessCheck(health.PingCheck("postgres", store))
		return store, nil

	case config.StoreMongoDB:
		log.Info().Str("uri", maskURI(cfg.MongoDB.URI)).Msg("Connecting to MongoDB")
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoDB.URI))
		if err != nil {
			return nil, fmt.Errorf("connect to mongodb: %w", err)
		}
		lm.RegisterDatabaseShutdown("mongodb", client.Disconnect)

		if err := client.Ping(ctx, nil); err != nil {
			return nil, fmt.Errorf("ping mongodb: %w", err)
		}
		log.Info().Str("database", cfg.MongoDB.Database).Msg("Connected to MongoDB")

		store := mongodb.NewStore(client.Database(cfg.MongoDB.Database), cfg.MongoDB.Collection, clk, cfg.MongoDB.Transactions)
		if err := store.EnsureIndexes(ctx); err != nil {
			return nil, err
		}
		checker.AddReadinessCheck(health.PingCheck("mongodb", store))
		return store, nil

	case config.StoreMemory:
		log.Warn().Msg("Using in-memory outbox store; messages are lost on restart")
		store := memory.NewStore(clk)
		checker.AddReadinessCheck(health.PingCheck("memory", store))
		return store, nil

	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Store.Type)
	}
}

// maskURI masks credentials in a connection string for logging
func maskURI(uri string) string {
	if len(uri) > 20 {
		return uri[:20] + "..."
	}
	return uri
}
