// Package config loads the outbox service configuration. Values come from an
// optional TOML file, then OUTBOX_* environment variables, then secret references
// are resolved.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// DefaultPath is read when OUTBOX_CONFIG is not set
const DefaultPath = "outbox.toml"

// Store types
const (
	StorePostgres = "postgres"
	StoreMongoDB  = "mongodb"
	StoreMemory   = "memory"
)

// Publisher kinds
const (
	KindSQS      = "sqs"
	KindNATS     = "nats"
	KindKafka    = "kafka"
	KindRabbitMQ = "rabbitmq"
	KindRedis    = "redis"
	KindWebhook  = "webhook"
)

var publisherKinds = []string{KindSQS, KindNATS, KindKafka, KindRabbitMQ, KindRedis, KindWebhook}

// Config is the complete service configuration
type Config struct {
	HTTP       HTTPConfig        `toml:"http"`
	Store      StoreConfig       `toml:"store"`
	Postgres   PostgresConfig    `toml:"postgres"`
	MongoDB    MongoDBConfig     `toml:"mongodb"`
	Processor  ProcessorConfig   `toml:"processor"`
	Leader     LeaderConfig      `toml:"leader"`
	Redis      RedisConfig       `toml:"redis"`
	Secrets    SecretsConfig     `toml:"secrets"`
	Publishers []PublisherConfig `toml:"publishers"`
}

// HTTPConfig configures the HTTP server
type HTTPConfig struct {
	Port            int           `toml:"port" env:"PORT"`
	AuthSecret      string        `toml:"auth_secret" env:"AUTH_SECRET"`
	CORSOrigins     []string      `toml:"cors_origins" env:"CORS_ORIGINS" envSeparator:","`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	DevLogging      bool          `toml:"dev_logging" env:"DEV_LOGGING"`
}

// StoreConfig selects the outbox store
type StoreConfig struct {
	Type string `toml:"type" env:"TYPE"`
}

// PostgresConfig configures the postgres store
type PostgresConfig struct {
	DSN             string        `toml:"dsn" env:"DSN"`
	MaxOpenConns    int           `toml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `toml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	Migrate         bool          `toml:"migrate" env:"MIGRATE"`
}

// MongoDBConfig configures the mongodb store
type MongoDBConfig struct {
	URI          string `toml:"uri" env:"URI"`
	Database     string `toml:"database" env:"DATABASE"`
	Collection   string `toml:"collection" env:"COLLECTION"`
	Transactions bool   `toml:"transactions" env:"TRANSACTIONS"`
}

// ProcessorConfig configures the processor and its trigger
type ProcessorConfig struct {
	Enabled      bool          `toml:"enabled" env:"ENABLED"`
	PollInterval time.Duration `toml:"poll_interval" env:"POLL_INTERVAL"`
	BatchSize    int           `toml:"batch_size" env:"BATCH_SIZE"`
	PassTimeout  time.Duration `toml:"pass_timeout" env:"PASS_TIMEOUT"`

	// KnownTypes must each resolve to exactly one publisher at startup
	KnownTypes []string `toml:"known_types" env:"KNOWN_TYPES" envSeparator:","`
}

// LeaderConfig configures the processing lease
type LeaderConfig struct {
	Enabled         bool          `toml:"enabled" env:"ENABLED"`
	InstanceID      string        `toml:"instance_id" env:"INSTANCE_ID"`
	LockKey         string        `toml:"lock_key" env:"LOCK_KEY"`
	TTL             time.Duration `toml:"ttl" env:"TTL"`
	RefreshInterval time.Duration `toml:"refresh_interval" env:"REFRESH_INTERVAL"`
}

// RedisConfig configures the shared redis client
type RedisConfig struct {
	Addr     string `toml:"addr" env:"ADDR"`
	Password string `toml:"password" env:"PASSWORD"`
	DB       int    `toml:"db" env:"DB"`
}

// SecretsConfig configures secret reference resolution
type SecretsConfig struct {
	AWSRegion    string `toml:"aws_region" env:"AWS_REGION"`
	VaultAddress string `toml:"vault_address" env:"VAULT_ADDRESS"`
	VaultToken   string `toml:"vault_token" env:"VAULT_TOKEN"`
}

// PublisherConfig describes one publisher. Only the fields of its kind are used.
type PublisherConfig struct {
	Name  string   `toml:"name"`
	Kind  string   `toml:"kind"`
	Types []string `toml:"types"`

	// sqs
	QueueURL        string `toml:"queue_url"`
	Region          string `toml:"region"`
	MessageGroupID  string `toml:"message_group_id"`
	Endpoint        string `toml:"endpoint"`
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`

	// nats, rabbitmq and webhook
	URL string `toml:"url"`

	// nats
	Subject   string `toml:"subject"`
	JetStream bool   `toml:"jetstream"`

	// kafka
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`

	// rabbitmq
	Exchange   string `toml:"exchange"`
	RoutingKey string `toml:"routing_key"`

	// redis
	Stream string `toml:"stream"`
	MaxLen int64  `toml:"max_len"`

	// webhook
	BearerToken string            `toml:"bearer_token"`
	Headers     map[string]string `toml:"headers"`
	RateLimit   float64           `toml:"rate_limit"`
	Burst       int               `toml:"burst"`

	Timeout time.Duration `toml:"timeout"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Port:            8080,
			ShutdownTimeout: 30 * time.Second,
		},
		Store: StoreConfig{Type: StorePostgres},
		Postgres: PostgresConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			Migrate:         true,
		},
		MongoDB: MongoDBConfig{
			Database:     "outbox",
			Collection:   "outbox_messages",
			Transactions: true,
		},
		Processor: ProcessorConfig{
			Enabled:      true,
			PollInterval: 5 * time.Second,
			BatchSize:    1000,
			PassTimeout:  5 * time.Minute,
		},
		Leader: LeaderConfig{
			LockKey:         "outbox:processor:leader",
			TTL:             30 * time.Second,
			RefreshInterval: 10 * time.Second,
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
	}
}

// Load reads the file named by OUTBOX_CONFIG (or outbox.toml when present),
// applies environment overrides and resolves secret references
func Load(ctx context.Context) (*Config, error) {
	path, explicit := os.LookupEnv("OUTBOX_CONFIG")
	if !explicit {
		path = DefaultPath
	}

	cfg := Default()
	if err := cfg.decodeFile(path, explicit); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	resolver := NewSecretResolver(cfg.Secrets)
	defer resolver.Close()
	if err := cfg.ResolveSecrets(ctx, resolver); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decodeFile(path string, required bool) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("config file %s: %w", path, err)
	}

	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("decode config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config file %s: unknown keys %v", path, undecoded)
	}
	return nil
}

// applyEnv overrides each section from OUTBOX_<SECTION>_<KEY> variables
func (c *Config) applyEnv() error {
	sections := []struct {
		prefix string
		target any
	}{
		{"OUTBOX_HTTP_", &c.HTTP},
		{"OUTBOX_STORE_", &c.Store},
		{"OUTBOX_POSTGRES_", &c.Postgres},
		{"OUTBOX_MONGODB_", &c.MongoDB},
		{"OUTBOX_PROCESSOR_", &c.Processor},
		{"OUTBOX_LEADER_", &c.Leader},
		{"OUTBOX_REDIS_", &c.Redis},
		{"OUTBOX_SECRETS_", &c.Secrets},
	}
	for _, s := range sections {
		if err := env.ParseWithOptions(s.target, env.Options{Prefix: s.prefix}); err != nil {
			return fmt.Errorf("environment overrides %s*: %w", s.prefix, err)
		}
	}
	return nil
}

// ResolveSecrets replaces secret references in credential fields
func (c *Config) ResolveSecrets(ctx context.Context, resolver *SecretResolver) error {
	fields := []*string{
		&c.HTTP.AuthSecret,
		&c.Postgres.DSN,
		&c.MongoDB.URI,
		&c.Redis.Password,
	}
	for i := range c.Publishers {
		p := &c.Publishers[i]
		fields = append(fields, &p.URL, &p.BearerToken, &p.SecretAccessKey)
	}

	for _, f := range fields {
		if !IsSecretRef(*f) {
			continue
		}
		v, err := resolver.Resolve(ctx, *f)
		if err != nil {
			return err
		}
		*f = v
	}
	return nil
}

// Validate reports every configuration problem at once
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Type {
	case StorePostgres:
		if c.Postgres.DSN == "" {
			errs = append(errs, errors.New("postgres.dsn is required"))
		}
	case StoreMongoDB:
		if c.MongoDB.URI == "" {
			errs = append(errs, errors.New("mongodb.uri is required"))
		}
		if c.MongoDB.Database == "" {
			errs = append(errs, errors.New("mongodb.database is required"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("store.type %q is not one of postgres, mongodb, memory", c.Store.Type))
	}

	if c.Processor.Enabled && c.Processor.PollInterval <= 0 {
		errs = append(errs, errors.New("processor.poll_interval must be positive"))
	}
	if c.Leader.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("leader election requires redis.addr"))
	}

	names := make(map[string]struct{}, len(c.Publishers))
	for i, p := range c.Publishers {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("publishers[%d]: name is required", i))
		} else if _, dup := names[p.Name]; dup {
			errs = append(errs, fmt.Errorf("publishers[%d]: duplicate name %q", i, p.Name))
		}
		names[p.Name] = struct{}{}

		if !slices.Contains(publisherKinds, p.Kind) {
			errs = append(errs, fmt.Errorf("publishers[%d]: unknown kind %q", i, p.Kind))
		}
		if len(p.Types) == 0 {
			errs = append(errs, fmt.Errorf("publishers[%d]: at least one type is required", i))
		}
		if p.Kind == KindRedis && c.Redis.Addr == "" {
			errs = append(errs, fmt.Errorf("publishers[%d]: redis publisher requires redis.addr", i))
		}
	}

	return errors.Join(errs...)
}

// NeedsRedis reports whether any component uses the shared redis client
func (c *Config) NeedsRedis() bool {
	if c.Leader.Enabled {
		return true
	}
	for _, p := range c.Publishers {
		if p.Kind == KindRedis {
			return true
		}
	}
	return false
}
