package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	httpapi "vitalis/internal/http"
	"vitalis/internal/platform/config"
	"vitalis/internal/platform/redis"
	"vitalis/internal/ratelimit/ports"
	"vitalis/internal/ratelimit/store/window"
	audit "vitalis/pkg/platform/audit"
	"vitalis/pkg/platform/audit/store/clickhouse"
	"vitalis/pkg/platform/audit/store/fanout"
	"vitalis/pkg/platform/audit/store/kafka"
	"vitalis/pkg/platform/audit/store/memory"
	"vitalis/pkg/platform/audit/store/postgres"
)

// resources tracks what main opened so it can be released in reverse order.
type resources struct {
	closers []func()
	ready   map[string]httpapi.Check
}

func (r *resources) onClose(fn func()) { r.closers = append(r.closers, fn) }

func (r *resources) check(name string, fn httpapi.Check) {
	if r.ready == nil {
		r.ready = make(map[string]httpapi.Check)
	}
	r.ready[name] = fn
}

func (r *resources) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// auditStores is the result of opening every configured audit backend.
type auditStores struct {
	// primary is what the batcher writes to.
	primary audit.Store
	// materializer, when set, copies the Kafka topic into the other stores.
	materializer *kafka.Materializer
}

// openAuditStores opens the backends named in AUDIT_STORES. With Kafka and a
// consumer group the batcher only produces to the topic and the materializer
// fans records out to the remaining stores; otherwise the batcher writes to
// all of them.
func openAuditStores(ctx context.Context, cfg config.Audit, log *slog.Logger, res *resources) (auditStores, error) {
	var sinks []fanout.Target
	var producer *kafka.Store

	for _, name := range cfg.Stores {
		switch name {
		case config.StoreMemory:
			sinks = append(sinks, fanout.Target{Name: name, Store: memory.NewInMemoryStore()})

		case config.StorePostgres:
			pool, err := postgres.Open(ctx, cfg.PostgresDSN)
			if err != nil {
				return auditStores{}, err
			}
			res.onClose(pool.Close)
			res.check("audit_postgres", pool.Ping)
			store, err := postgres.New(pool)
			if err != nil {
				return auditStores{}, err
			}
			if err := store.EnsureSchema(ctx); err != nil {
				return auditStores{}, err
			}
			sinks = append(sinks, fanout.Target{Name: name, Store: store})

		case config.StoreClickHouse:
			conn, err := clickhouse.Open(ctx, cfg.ClickHouseDSN)
			if err != nil {
				return auditStores{}, err
			}
			res.check("audit_clickhouse", conn.Ping)
			store, err := clickhouse.New(conn)
			if err != nil {
				_ = conn.Close()
				return auditStores{}, err
			}
			res.onClose(func() { _ = store.Close() })
			if err := store.EnsureSchema(ctx); err != nil {
				return auditStores{}, err
			}
			sinks = append(sinks, fanout.Target{Name: name, Store: store})

		case config.StoreKafka:
			cl, err := kafka.Open(cfg.KafkaBrokers)
			if err != nil {
				return auditStores{}, err
			}
			res.onClose(cl.Close)
			res.check("audit_kafka", cl.Ping)
			if err := kafka.EnsureTopic(ctx, cl, cfg.KafkaTopic, 6, 1); err != nil {
				log.WarnContext(ctx, "kafka topic not ensured", "topic", cfg.KafkaTopic, "error", err)
			}
			producer, err = kafka.New(cl, cfg.KafkaTopic)
			if err != nil {
				return auditStores{}, err
			}
		}
	}

	if producer == nil {
		primary, err := fanout.New(sinks...)
		if err != nil {
			return auditStores{}, err
		}
		log.InfoContext(ctx, "audit stores ready", "stores", primary.Names())
		return auditStores{primary: primary}, nil
	}

	if cfg.KafkaGroup == "" || len(sinks) == 0 {
		primary, err := fanout.New(append(sinks, fanout.Target{Name: config.StoreKafka, Store: producer})...)
		if err != nil {
			return auditStores{}, err
		}
		log.InfoContext(ctx, "audit stores ready", "stores", primary.Names())
		return auditStores{primary: primary}, nil
	}

	target, err := fanout.New(sinks...)
	if err != nil {
		return auditStores{}, err
	}
	consumer, err := kafka.OpenConsumer(cfg.KafkaBrokers, cfg.KafkaGroup, cfg.KafkaTopic)
	if err != nil {
		return auditStores{}, err
	}
	res.onClose(consumer.Close)
	m, err := kafka.NewMaterializer(consumer, target, kafka.WithMaterializerLogger(log))
	if err != nil {
		return auditStores{}, err
	}
	log.InfoContext(ctx, "audit stores ready",
		"stores", []string{config.StoreKafka},
		"materialized", target.Names(),
		"consumer_group", cfg.KafkaGroup,
	)
	return auditStores{primary: producer, materializer: m}, nil
}

// openWindowStore returns the shared rate-limit window backend. The in-memory
// store is always returned as well; it serves as the fallback while the
// shared backend is unreachable. Violation counters on every backend expire
// after violationTTL.
func openWindowStore(ctx context.Context, cfg config.Server, violationTTL time.Duration, res *resources) (primary, fallback ports.WindowStore, err error) {
	ttl := window.WithViolationTTL(violationTTL)
	fallback = window.NewInMemoryStore(ttl)

	switch cfg.RateLimit.Store {
	case config.LimiterRedis:
		rc, err := redis.New(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		res.onClose(func() { _ = rc.Close() })
		res.check("ratelimit_redis", rc.Health)
		return window.NewRedisStore(rc.Client, ttl), fallback, nil

	case config.LimiterPostgres:
		db, err := sql.Open("postgres", cfg.RateLimit.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open rate limit database: %w", err)
		}
		res.onClose(func() { _ = db.Close() })
		res.check("ratelimit_postgres", db.PingContext)
		store := window.NewPostgres(db, ttl)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, nil, err
		}
		return store, fallback, nil
	}
	return fallback, nil, nil
}
