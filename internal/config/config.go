// Package config loads the coordinator settings: built-in defaults, then an
// optional YAML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jcmexdev/saga-outbox/internal/outbox"
	"github.com/jcmexdev/saga-outbox/internal/retry"
)

// PublisherKind selects the outbox publisher.
type PublisherKind string

const (
	PublisherMemory   PublisherKind = "memory"
	PublisherRabbitMQ PublisherKind = "rabbitmq"
	PublisherRedis    PublisherKind = "redis"
	PublisherGRPC     PublisherKind = "grpc"
)

var ErrUnknownPublisher = errors.New("config: unknown publisher")

type Config struct {
	Service ServiceConfig `yaml:"service"`
	Outbox  outbox.Config `yaml:"outbox"`
}

type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`

	// SQLitePath backs the outbox and the journal. Empty keeps both in
	// memory.
	SQLitePath string `yaml:"sqlite_path"`

	// RedisAddr backs the saga instance store. Empty keeps it in memory.
	RedisAddr string `yaml:"redis_addr"`

	Publisher      PublisherKind `yaml:"publisher"`
	RabbitMQURL    string        `yaml:"rabbitmq_url"`
	RabbitExchange string        `yaml:"rabbitmq_exchange"`
	RedisStream    string        `yaml:"redis_stream"`
	GRPCSinkAddr   string        `yaml:"grpc_sink_addr"`
	// BusHistory caps the entries the memory publisher retains.
	BusHistory int `yaml:"membus_history"`

	OTLPEndpoint string `yaml:"otlp_endpoint"`

	PurgeInterval   time.Duration `yaml:"purge_interval"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

func Default() Config {
	return Config{
		Service: ServiceConfig{
			Name:            "saga-coordinator",
			LogLevel:        "info",
			HTTPAddr:        ":8080",
			GRPCAddr:        ":9090",
			Publisher:       PublisherMemory,
			RabbitExchange:  "saga.events",
			RedisStream:     "saga:events",
			BusHistory:      256,
			OTLPEndpoint:    "localhost:4317",
			PurgeInterval:   time.Minute,
			ShutdownTimeout: 5 * time.Second,
		},
		Outbox: outbox.DefaultConfig(),
	}
}

// Load builds the configuration. path may be empty.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.Outbox = cfg.Outbox.Normalize()
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Service.Publisher {
	case PublisherMemory, PublisherRedis:
	case PublisherRabbitMQ:
		if c.Service.RabbitMQURL == "" {
			return errors.New("config: RABBITMQ_URL is required for the rabbitmq publisher")
		}
	case PublisherGRPC:
		if c.Service.GRPCSinkAddr == "" {
			return errors.New("config: GRPC_SINK_ADDR is required for the grpc publisher")
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownPublisher, c.Service.Publisher)
	}
	if c.Service.Publisher == PublisherRedis && c.Service.RedisAddr == "" {
		return errors.New("config: REDIS_ADDR is required for the redis publisher")
	}
	if _, err := retry.ParseShape(string(c.Outbox.Backoff)); err != nil {
		return fmt.Errorf("config: outbox backoff: %w", err)
	}
	return nil
}

// Level maps LogLevel onto slog. Unknown values fall back to info.
func (c ServiceConfig) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func applyEnv(cfg *Config) error {
	s := &cfg.Service
	s.Name = getEnv("OTEL_SERVICE_NAME", s.Name)
	s.LogLevel = getEnv("LOG_LEVEL", s.LogLevel)
	s.HTTPAddr = getEnv("HTTP_ADDR", s.HTTPAddr)
	s.GRPCAddr = getEnv("GRPC_ADDR", s.GRPCAddr)
	s.SQLitePath = getEnv("SQLITE_PATH", s.SQLitePath)
	s.RedisAddr = getEnv("REDIS_ADDR", s.RedisAddr)
	s.Publisher = PublisherKind(strings.ToLower(getEnv("PUBLISHER", string(s.Publisher))))
	s.RabbitMQURL = getEnv("RABBITMQ_URL", s.RabbitMQURL)
	s.RabbitExchange = getEnv("RABBITMQ_EXCHANGE", s.RabbitExchange)
	s.RedisStream = getEnv("REDIS_STREAM", s.RedisStream)
	s.GRPCSinkAddr = getEnv("GRPC_SINK_ADDR", s.GRPCSinkAddr)
	s.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", s.OTLPEndpoint)

	o := &cfg.Outbox
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	collect(envDuration("OUTBOX_INTERVAL", &o.Interval))
	collect(envInt("OUTBOX_MAX_RETRY_ATTEMPTS", &o.MaxRetryAttempts))
	collect(envDuration("OUTBOX_RETRY_BASE_DELAY", &o.RetryBaseDelay))
	collect(envDuration("OUTBOX_MAX_DELAY", &o.MaxDelay))
	collect(envInt("OUTBOX_PUBLISHED_TTL_SECONDS", &o.PublishedTTLSeconds))
	collect(envInt("OUTBOX_BATCH_SIZE", &o.BatchSize))
	collect(envBool("OUTBOX_JITTER", &o.Jitter))
	collect(envBool("OUTBOX_ENABLED", &o.Enabled))
	collect(envDuration("OUTBOX_CLAIM_LEASE", &o.ClaimLease))
	collect(envDuration("PURGE_INTERVAL", &s.PurgeInterval))
	collect(envInt("MEMBUS_HISTORY", &s.BusHistory))
	if v, ok := os.LookupEnv("OUTBOX_BACKOFF"); ok && v != "" {
		shape, err := retry.ParseShape(v)
		if err != nil {
			collect(fmt.Errorf("config: OUTBOX_BACKOFF: %w", err))
		} else {
			o.Backoff = shape
		}
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = d
	return nil
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = n
	return nil
}

func envBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = b
	return nil
}
