package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vitalis/pkg/platform/sentinel"
)

func lookupFrom(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := fromLookup(lookupFrom(nil))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, []string{StoreMemory}, cfg.Audit.Stores)
	assert.Equal(t, "vitalis.audit.events", cfg.Audit.KafkaTopic)
	assert.Equal(t, LimiterMemory, cfg.RateLimit.Store)
	assert.Equal(t, 10, cfg.Redis.PoolSize)
	assert.Zero(t, cfg.Audit.Batch.BatchSize, "zero batch fields take batcher defaults")
}

func TestFromEnvOverrides(t *testing.T) {
	cfg, err := fromLookup(lookupFrom(map[string]string{
		"ADDR":                     ":9090",
		"LOG_LEVEL":                "debug",
		"AUDIT_STORES":             "Postgres, clickhouse,kafka",
		"POSTGRES_DSN":             "postgres://localhost/vitalis",
		"CLICKHOUSE_DSN":           "clickhouse://localhost:9000/vitalis",
		"KAFKA_BROKERS":            "k1:9092,k2:9092",
		"KAFKA_CONSUMER_GROUP":     "vitalis-materializer",
		"REDIS_URL":                "redis://localhost:6379/0",
		"AUDIT_BATCH_SIZE":         "50",
		"AUDIT_FLUSH_INTERVAL":     "3s",
		"AUDIT_MIN_FLUSH_INTERVAL": "1s",
		"AUDIT_DEDUP_TTL":          "45s",
		"AUDIT_MAX_ATTEMPTS":       "4",
		"TRUSTED_PROXIES":          "10.0.0.0/8, 192.0.2.50",
	}))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, []string{StorePostgres, StoreClickHouse, StoreKafka}, cfg.Audit.Stores)
	assert.True(t, cfg.Audit.HasStore(StoreKafka))
	assert.False(t, cfg.Audit.HasStore(StoreMemory))
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Audit.KafkaBrokers)
	assert.Equal(t, LimiterRedis, cfg.RateLimit.Store, "redis url selects the redis limiter")
	assert.Equal(t, "postgres://localhost/vitalis", cfg.RateLimit.PostgresDSN)
	assert.Equal(t, 50, cfg.Audit.Batch.BatchSize)
	assert.Equal(t, 3*time.Second, cfg.Audit.Batch.FlushInterval)
	assert.Equal(t, time.Second, cfg.Audit.Batch.MinFlushInterval)
	assert.Equal(t, 45*time.Second, cfg.Audit.Batch.DedupTTL)
	assert.Equal(t, 4, cfg.Audit.Batch.MaxAttempts)
	assert.Equal(t, []string{"10.0.0.0/8", "192.0.2.50"}, cfg.TrustedProxies)
}

func TestFromEnvErrors(t *testing.T) {
	tests := []struct {
		name string
		vars map[string]string
		msg  string
	}{
		{"bad duration", map[string]string{"AUDIT_FLUSH_INTERVAL": "soon"}, "AUDIT_FLUSH_INTERVAL"},
		{"bad int", map[string]string{"AUDIT_BATCH_SIZE": "many"}, "AUDIT_BATCH_SIZE"},
		{"bad level", map[string]string{"LOG_LEVEL": "loud"}, "LOG_LEVEL"},
		{"unknown store", map[string]string{"AUDIT_STORES": "mongo"}, `unknown audit store "mongo"`},
		{"postgres without dsn", map[string]string{"AUDIT_STORES": "postgres"}, "POSTGRES_DSN"},
		{"clickhouse without dsn", map[string]string{"AUDIT_STORES": "clickhouse"}, "CLICKHOUSE_DSN"},
		{"kafka without brokers", map[string]string{"AUDIT_STORES": "kafka"}, "KAFKA_BROKERS"},
		{"group without kafka", map[string]string{"KAFKA_CONSUMER_GROUP": "g"}, "KAFKA_CONSUMER_GROUP"},
		{"redis limiter without url", map[string]string{"RATE_LIMIT_STORE": "redis"}, "REDIS_URL"},
		{"postgres limiter without dsn", map[string]string{"RATE_LIMIT_STORE": "postgres"}, "POSTGRES_DSN"},
		{"unknown limiter", map[string]string{"RATE_LIMIT_STORE": "etcd"}, `unknown rate limit store "etcd"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := fromLookup(lookupFrom(tt.vars))
			require.ErrorIs(t, err, sentinel.ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}
