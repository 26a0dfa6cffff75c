package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"vitalis/pkg/platform/audit/batcher"
	"vitalis/pkg/platform/sentinel"
	strs "vitalis/pkg/platform/strings"
)

// Audit store names accepted by AUDIT_STORES.
const (
	StoreMemory     = "memory"
	StorePostgres   = "postgres"
	StoreClickHouse = "clickhouse"
	StoreKafka      = "kafka"
)

// Rate-limit window backends accepted by RATE_LIMIT_STORE.
const (
	LimiterMemory   = "memory"
	LimiterRedis    = "redis"
	LimiterPostgres = "postgres"
)

// Server captures process level configuration.
type Server struct {
	Addr        string
	LogLevel    slog.Level
	UpstreamURL string
	AdminToken  string
	// JWTSigningKey enables identity attribution when set.
	JWTSigningKey string
	JWTIssuer     string
	// TrustedProxies are the CIDRs whose forwarding headers are believed.
	// Empty means the service is reached directly and the peer address is
	// the client.
	TrustedProxies []string

	Audit     Audit
	RateLimit RateLimit
	Redis     RedisConfig
}

// Audit configures event storage and batching.
type Audit struct {
	Stores         []string
	PostgresDSN    string
	ClickHouseDSN  string
	KafkaBrokers   []string
	KafkaTopic     string
	KafkaGroup     string
	DeadLetterPath string
	Batch          batcher.Config
}

// RateLimit configures the request gate's limiter.
type RateLimit struct {
	Store       string
	ConfigPath  string
	PostgresDSN string
}

// RedisConfig holds connection pool settings for the shared limiter store.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// HasStore reports whether name is among the configured audit stores.
func (a Audit) HasStore(name string) bool {
	for _, s := range a.Stores {
		if s == name {
			return true
		}
	}
	return false
}

// FromEnv builds a Server config from environment variables so main stays lean.
func FromEnv() (Server, error) {
	return fromLookup(os.LookupEnv)
}

func fromLookup(lookup func(string) (string, bool)) (Server, error) {
	e := env{lookup: lookup}
	postgresDSN := e.str("POSTGRES_DSN", "")

	cfg := Server{
		Addr:           e.str("ADDR", ":8080"),
		LogLevel:       e.level("LOG_LEVEL", slog.LevelInfo),
		UpstreamURL:    e.str("UPSTREAM_URL", ""),
		AdminToken:     e.str("ADMIN_TOKEN", ""),
		JWTSigningKey:  e.str("JWT_SIGNING_KEY", ""),
		JWTIssuer:      e.str("JWT_ISSUER", ""),
		TrustedProxies: e.hosts("TRUSTED_PROXIES"),
		Audit: Audit{
			Stores:         e.list("AUDIT_STORES", []string{StoreMemory}),
			PostgresDSN:    postgresDSN,
			ClickHouseDSN:  e.str("CLICKHOUSE_DSN", ""),
			KafkaBrokers:   e.hosts("KAFKA_BROKERS"),
			KafkaTopic:     e.str("KAFKA_TOPIC", "vitalis.audit.events"),
			KafkaGroup:     e.str("KAFKA_CONSUMER_GROUP", ""),
			DeadLetterPath: e.str("DEAD_LETTER_PATH", "data/audit-dead-letter.jsonl"),
			Batch: batcher.Config{
				BatchSize:        e.int("AUDIT_BATCH_SIZE", 0),
				FlushInterval:    e.duration("AUDIT_FLUSH_INTERVAL", 0),
				MinFlushInterval: e.duration("AUDIT_MIN_FLUSH_INTERVAL", 0),
				DedupTTL:         e.duration("AUDIT_DEDUP_TTL", 0),
				MaxAttempts:      e.int("AUDIT_MAX_ATTEMPTS", 0),
			},
		},
		RateLimit: RateLimit{
			Store:       e.str("RATE_LIMIT_STORE", ""),
			ConfigPath:  e.str("RATE_LIMIT_CONFIG", ""),
			PostgresDSN: e.str("RATE_LIMIT_POSTGRES_DSN", postgresDSN),
		},
		Redis: RedisConfig{
			URL:          e.str("REDIS_URL", ""),
			PoolSize:     e.int("REDIS_POOL_SIZE", 10),
			MinIdleConns: e.int("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  e.duration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  e.duration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: e.duration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
	}
	if cfg.RateLimit.Store == "" {
		cfg.RateLimit.Store = LimiterMemory
		if cfg.Redis.URL != "" {
			cfg.RateLimit.Store = LimiterRedis
		}
	}
	if e.err != nil {
		return Server{}, e.err
	}
	return cfg, cfg.Validate()
}

// Validate checks that every selected backend has what it needs to connect.
func (s Server) Validate() error {
	if len(s.Audit.Stores) == 0 {
		return fmt.Errorf("AUDIT_STORES is empty: %w", sentinel.ErrInvalidConfig)
	}
	for _, name := range s.Audit.Stores {
		var missing string
		switch name {
		case StoreMemory:
		case StorePostgres:
			if s.Audit.PostgresDSN == "" {
				missing = "POSTGRES_DSN"
			}
		case StoreClickHouse:
			if s.Audit.ClickHouseDSN == "" {
				missing = "CLICKHOUSE_DSN"
			}
		case StoreKafka:
			if len(s.Audit.KafkaBrokers) == 0 {
				missing = "KAFKA_BROKERS"
			}
		default:
			return fmt.Errorf("unknown audit store %q: %w", name, sentinel.ErrInvalidConfig)
		}
		if missing != "" {
			return fmt.Errorf("audit store %s requires %s: %w", name, missing, sentinel.ErrInvalidConfig)
		}
	}
	if s.Audit.KafkaGroup != "" && !s.Audit.HasStore(StoreKafka) {
		return fmt.Errorf("KAFKA_CONSUMER_GROUP requires the kafka audit store: %w", sentinel.ErrInvalidConfig)
	}
	switch s.RateLimit.Store {
	case LimiterMemory:
	case LimiterRedis:
		if s.Redis.URL == "" {
			return fmt.Errorf("rate limit store redis requires REDIS_URL: %w", sentinel.ErrInvalidConfig)
		}
	case LimiterPostgres:
		if s.RateLimit.PostgresDSN == "" {
			return fmt.Errorf("rate limit store postgres requires RATE_LIMIT_POSTGRES_DSN or POSTGRES_DSN: %w", sentinel.ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("unknown rate limit store %q: %w", s.RateLimit.Store, sentinel.ErrInvalidConfig)
	}
	return nil
}

// env reads typed values and keeps the first parse error.
type env struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *env) str(key, def string) string {
	if v, ok := e.lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (e *env) list(key string, def []string) []string {
	if v := strs.SplitListLower(e.str(key, "")); len(v) > 0 {
		return v
	}
	return def
}

func (e *env) hosts(key string) []string {
	return strs.SplitList(e.str(key, ""))
}

func (e *env) int(key string, def int) int {
	raw := e.str(key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		e.fail(key, raw, err)
		return def
	}
	return n
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	raw := e.str(key, "")
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		e.fail(key, raw, err)
		return def
	}
	return d
}

func (e *env) level(key string, def slog.Level) slog.Level {
	raw := e.str(key, "")
	if raw == "" {
		return def
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(raw)); err != nil {
		e.fail(key, raw, err)
		return def
	}
	return l
}

func (e *env) fail(key, raw string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("parse %s=%q: %v: %w", key, raw, err, sentinel.ErrInvalidConfig)
	}
}
