// Package kafka publishes audit events to a Kafka topic and materializes
// that topic into other stores.
//
// With Kafka as the system of record the edge only produces; a Materializer
// in a consumer group copies the topic into Postgres or ClickHouse for
// querying. Records are keyed by event id so materialization stays
// idempotent across redeliveries.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	audit "vitalis/pkg/platform/audit"
)

const tracerName = "vitalis/pkg/platform/audit/store/kafka"

// DefaultTopic receives audit events when none is configured.
const DefaultTopic = "vitalis.audit.events"

// Record header keys.
const (
	HeaderEventType = "event_type"
	HeaderCategory  = "category"
	HeaderRisk      = "risk_level"
)

// Producer is the subset of *kgo.Client the store uses.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Store implements audit.Store by producing one record per event.
type Store struct {
	producer Producer
	topic    string
	tracer   trace.Tracer
}

func New(producer Producer, topic string) (*Store, error) {
	if producer == nil {
		return nil, errors.New("producer is required")
	}
	if topic == "" {
		topic = DefaultTopic
	}
	return &Store{producer: producer, topic: topic, tracer: otel.Tracer(tracerName)}, nil
}

// Open creates a producer client that waits for all in-sync replicas.
func Open(brokers []string, extra ...kgo.Opt) (*kgo.Client, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	opts := append([]kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	}, extra...)
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return cl, nil
}

// EnsureTopic creates topic if it does not exist yet.
func EnsureTopic(ctx context.Context, cl *kgo.Client, topic string, partitions int32, replicationFactor int16) error {
	adm := kadm.NewClient(cl)
	resp, err := adm.CreateTopic(ctx, partitions, replicationFactor, nil, topic)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", topic, err)
	}
	if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
		return fmt.Errorf("create topic %s: %w", topic, resp.Err)
	}
	return nil
}

// InsertMany produces events synchronously and fails if any record failed.
func (s *Store) InsertMany(ctx context.Context, events []audit.Event) (err error) {
	if len(events) == 0 {
		return nil
	}
	ctx, span := s.tracer.Start(ctx, "audit.store.kafka.produce",
		trace.WithAttributes(
			attribute.Int("audit.batch_size", len(events)),
			attribute.String("messaging.destination", s.topic),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "produce failed")
		}
		span.End()
	}()

	records := make([]*kgo.Record, 0, len(events))
	for _, e := range events {
		r, err := s.encode(e)
		if err != nil {
			return err
		}
		records = append(records, r)
	}
	if err := s.producer.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return fmt.Errorf("produce audit events: %w", err)
	}
	return nil
}

func (s *Store) encode(e audit.Event) (*kgo.Record, error) {
	value, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal audit event %s: %w", e.ID, err)
	}
	return &kgo.Record{
		Topic:     s.topic,
		Key:       []byte(e.ID.String()),
		Value:     value,
		Timestamp: e.Timestamp,
		Headers: []kgo.RecordHeader{
			{Key: HeaderEventType, Value: []byte(e.Type)},
			{Key: HeaderCategory, Value: []byte(e.Category())},
			{Key: HeaderRisk, Value: []byte(e.RiskLevel)},
		},
	}, nil
}
