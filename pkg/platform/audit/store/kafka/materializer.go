package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	audit "vitalis/pkg/platform/audit"
)

// Fetcher is the subset of a consumer-group *kgo.Client the materializer uses.
type Fetcher interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
}

// Materializer copies audit records into a target store. Offsets are
// committed only after the target accepted the batch, so a crash replays
// records rather than losing them.
type Materializer struct {
	fetcher Fetcher
	target  audit.Store
	backoff time.Duration
	clock   clock.Clock
	logger  *slog.Logger
}

type MaterializerOption func(*Materializer)

func WithMaterializerLogger(logger *slog.Logger) MaterializerOption {
	return func(m *Materializer) {
		m.logger = logger
	}
}

// WithRetryBackoff sets the pause between failed target writes.
func WithRetryBackoff(d time.Duration) MaterializerOption {
	return func(m *Materializer) {
		m.backoff = d
	}
}

func WithMaterializerClock(clk clock.Clock) MaterializerOption {
	return func(m *Materializer) {
		m.clock = clk
	}
}

func NewMaterializer(fetcher Fetcher, target audit.Store, opts ...MaterializerOption) (*Materializer, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if target == nil {
		return nil, errors.New("target store is required")
	}
	m := &Materializer{
		fetcher: fetcher,
		target:  target,
		backoff: time.Second,
		clock:   clock.New(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// OpenConsumer creates a consumer-group client for topic with manual commits.
func OpenConsumer(brokers []string, group, topic string) (*kgo.Client, error) {
	if group == "" {
		return nil, errors.New("consumer group is required")
	}
	return Open(brokers,
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topic),
		kgo.DisableAutoCommit(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
}

// Run polls until ctx is done.
func (m *Materializer) Run(ctx context.Context) error {
	for {
		if err := m.Poll(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, kgo.ErrClientClosed) {
				return nil
			}
			return err
		}
	}
}

// Poll processes one fetch. Undecodable records are logged and committed so
// a poison message cannot stall the partition.
func (m *Materializer) Poll(ctx context.Context) error {
	fetches := m.fetcher.PollFetches(ctx)
	if fetches.IsClientClosed() {
		return kgo.ErrClientClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	fetches.EachError(func(topic string, partition int32, err error) {
		m.logger.WarnContext(ctx, "kafka fetch error",
			"topic", topic,
			"partition", partition,
			"error", err,
		)
	})

	records := fetches.Records()
	if len(records) == 0 {
		return nil
	}

	events := make([]audit.Event, 0, len(records))
	for _, r := range records {
		e, err := decode(r)
		if err != nil {
			m.logger.WarnContext(ctx, "skipping undecodable audit record",
				"topic", r.Topic,
				"partition", r.Partition,
				"offset", r.Offset,
				"error", err,
			)
			continue
		}
		events = append(events, e)
	}

	if err := m.write(ctx, events); err != nil {
		return err
	}
	if err := m.fetcher.CommitRecords(ctx, records...); err != nil {
		return fmt.Errorf("commit audit records: %w", err)
	}
	m.logger.DebugContext(ctx, "audit records materialized", "batch_size", len(events))
	return nil
}

// write retries the target until it succeeds or ctx ends. Redelivery after a
// crash is safe because every target insert is idempotent on event id.
func (m *Materializer) write(ctx context.Context, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}
	for {
		err := m.target.InsertMany(ctx, events)
		if err == nil {
			return nil
		}
		m.logger.ErrorContext(ctx, "audit materialization failed",
			"batch_size", len(events),
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.clock.After(m.backoff):
		}
	}
}

func decode(r *kgo.Record) (audit.Event, error) {
	var e audit.Event
	if err := json.Unmarshal(r.Value, &e); err != nil {
		return e, fmt.Errorf("unmarshal audit record: %w", err)
	}
	if e.ID == uuid.Nil {
		id, err := uuid.ParseBytes(r.Key)
		if err != nil {
			return e, fmt.Errorf("audit record has no id: %w", err)
		}
		e.ID = id
	}
	if !e.Type.IsValid() {
		return e, fmt.Errorf("unknown event type %q", e.Type)
	}
	return e, nil
}
