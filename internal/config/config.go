package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	StoreMySQL    = "mysql"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	HTTPAddr string
	GRPCAddr string

	StoreDriver     string
	DatabaseDSN     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	RedisAddr string
	CacheTTL  time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	OutboxPollInterval time.Duration
	OutboxBatchSize    int

	RetryMaxAttempts int
	RetryBaseBackoff time.Duration
	RetryMaxBackoff  time.Duration

	OTLPEndpoint string

	LogLevel  string
	LogFormat string

	ShutdownTimeout time.Duration
}

// Load reads the configuration from the environment. Unset variables take
// their defaults; malformed values are reported together.
func Load() (*Config, error) {
	p := &parser{}

	cfg := &Config{
		HTTPAddr: p.str("HTTP_ADDR", ":8080"),
		GRPCAddr: p.str("GRPC_ADDR", ":50051"),

		StoreDriver:     strings.ToLower(p.str("STORE_DRIVER", StoreMySQL)),
		DatabaseDSN:     p.str("DATABASE_DSN", "root:root@tcp(localhost:3306)/catalog?parseTime=true"),
		MaxOpenConns:    p.integer("DB_MAX_OPEN_CONNS", 50),
		MaxIdleConns:    p.integer("DB_MAX_IDLE_CONNS", 25),
		ConnMaxLifetime: p.duration("DB_CONN_MAX_LIFETIME", 5*time.Minute),

		RedisAddr: p.str("REDIS_ADDR", ""),
		CacheTTL:  p.duration("CACHE_TTL", time.Minute),

		KafkaBrokers: p.list("KAFKA_BROKERS"),
		KafkaTopic:   p.str("KAFKA_TOPIC", "catalog.orders"),

		OutboxPollInterval: p.duration("OUTBOX_POLL_INTERVAL", time.Second),
		OutboxBatchSize:    p.integer("OUTBOX_BATCH_SIZE", 100),

		RetryMaxAttempts: p.integer("ORDER_RETRY_MAX_ATTEMPTS", 8),
		RetryBaseBackoff: p.duration("ORDER_RETRY_BASE_BACKOFF", 10*time.Millisecond),
		RetryMaxBackoff:  p.duration("ORDER_RETRY_MAX_BACKOFF", 250*time.Millisecond),

		OTLPEndpoint: p.str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),

		LogLevel:  p.str("LOG_LEVEL", "info"),
		LogFormat: p.str("LOG_FORMAT", "json"),

		ShutdownTimeout: p.duration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}

	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	switch c.StoreDriver {
	case StoreMySQL, StorePostgres:
		if c.DatabaseDSN == "" {
			errs = append(errs, errors.New("DATABASE_DSN is required for sql stores"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be one of mysql, postgres, memory, got %q", c.StoreDriver))
	}

	if c.MaxOpenConns <= 0 {
		errs = append(errs, errors.New("DB_MAX_OPEN_CONNS must be positive"))
	}
	if c.MaxIdleConns < 0 {
		errs = append(errs, errors.New("DB_MAX_IDLE_CONNS must not be negative"))
	}
	if c.OutboxBatchSize <= 0 {
		errs = append(errs, errors.New("OUTBOX_BATCH_SIZE must be positive"))
	}
	if c.OutboxPollInterval <= 0 {
		errs = append(errs, errors.New("OUTBOX_POLL_INTERVAL must be positive"))
	}
	if c.RetryMaxAttempts < 1 {
		errs = append(errs, errors.New("ORDER_RETRY_MAX_ATTEMPTS must be at least 1"))
	}
	if c.RetryBaseBackoff < 0 || c.RetryMaxBackoff < c.RetryBaseBackoff {
		errs = append(errs, errors.New("ORDER_RETRY_MAX_BACKOFF must be >= ORDER_RETRY_BASE_BACKOFF >= 0"))
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		errs = append(errs, errors.New("KAFKA_TOPIC is required when KAFKA_BROKERS is set"))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.LogFormat))
	}

	return errors.Join(errs...)
}

type parser struct {
	errs []error
}

func (p *parser) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func (p *parser) integer(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return def
	}
	return n
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return def
	}
	return d
}

func (p *parser) list(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
