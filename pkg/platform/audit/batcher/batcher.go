// Package batcher is the audit event sink between request handling and the
// durable store. It suppresses duplicates, caps noisy security events per
// subject, accumulates a batch and flushes it in the background.
//
// Flushes are triggered when the batch reaches Config.BatchSize and at least
// Config.MinFlushInterval has passed since the last flush, or by the periodic
// ticker once the minimum interval has elapsed. The minimum interval keeps a
// burst from turning into back-to-back flushes.
//
// On a failed flush only events that must be retained (failed operations and
// high or critical risk) are requeued at the front of the batch. They are
// retried up to Config.MaxAttempts times and then written to the dead-letter
// store. Everything else in a failed batch is dropped.
package batcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	audit "vitalis/pkg/platform/audit"
	"vitalis/pkg/platform/circuit"
	"vitalis/pkg/platform/sentinel"
)

const tracerName = "vitalis/pkg/platform/audit/batcher"

// Config tunes batching. Zero fields take the defaults below.
type Config struct {
	BatchSize        int
	FlushInterval    time.Duration
	MinFlushInterval time.Duration
	FlushTimeout     time.Duration
	DedupTTL         time.Duration
	EmissionLimit    int
	EmissionWindow   time.Duration
	JanitorInterval  time.Duration
	MaxAttempts      int
	MaxPending       int
}

// DefaultConfig returns the production batching parameters.
func DefaultConfig() Config {
	return Config{
		BatchSize:        20,
		FlushInterval:    10 * time.Second,
		MinFlushInterval: 5 * time.Second,
		FlushTimeout:     10 * time.Second,
		DedupTTL:         30 * time.Second,
		EmissionLimit:    5,
		EmissionWindow:   time.Minute,
		JanitorInterval:  2 * time.Minute,
		MaxAttempts:      3,
		MaxPending:       5000,
	}
}

func (c Config) withDefaults() (Config, error) {
	d := DefaultConfig()
	if c.BatchSize < 0 || c.MaxAttempts < 0 || c.EmissionLimit < 0 || c.MaxPending < 0 {
		return c, fmt.Errorf("batcher: negative limit: %w", sentinel.ErrInvalidConfig)
	}
	if c.FlushInterval < 0 || c.MinFlushInterval < 0 || c.DedupTTL < 0 || c.EmissionWindow < 0 || c.JanitorInterval < 0 || c.FlushTimeout < 0 {
		return c, fmt.Errorf("batcher: negative interval: %w", sentinel.ErrInvalidConfig)
	}
	if c.BatchSize == 0 {
		c.BatchSize = d.BatchSize
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.MinFlushInterval == 0 {
		c.MinFlushInterval = d.MinFlushInterval
	}
	if c.FlushTimeout == 0 {
		c.FlushTimeout = d.FlushTimeout
	}
	if c.DedupTTL == 0 {
		c.DedupTTL = d.DedupTTL
	}
	if c.EmissionLimit == 0 {
		c.EmissionLimit = d.EmissionLimit
	}
	if c.EmissionWindow == 0 {
		c.EmissionWindow = d.EmissionWindow
	}
	if c.JanitorInterval == 0 {
		c.JanitorInterval = d.JanitorInterval
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.MaxPending == 0 {
		c.MaxPending = d.MaxPending
	}
	if c.MaxPending < c.BatchSize {
		return c, fmt.Errorf("batcher: max pending %d below batch size %d: %w", c.MaxPending, c.BatchSize, sentinel.ErrInvalidConfig)
	}
	return c, nil
}

// Stats is a snapshot of batcher counters.
type Stats struct {
	Accepted      int64 `json:"accepted"`
	Deduplicated  int64 `json:"deduplicated"`
	RateLimited   int64 `json:"rate_limited"`
	Flushed       int64 `json:"flushed"`
	Flushes       int64 `json:"flushes"`
	FlushFailures int64 `json:"flush_failures"`
	Requeued      int64 `json:"requeued"`
	DeadLettered  int64 `json:"dead_lettered"`
	Dropped       int64 `json:"dropped"`
	Pending       int   `json:"pending"`
}

type queued struct {
	event    audit.Event
	attempts int
}

type emissionWindow struct {
	count   int
	resetAt time.Time
}

// Batcher is safe for concurrent use. All batch, dedup and emission state is
// guarded by one mutex; store I/O always happens outside it.
type Batcher struct {
	store      audit.Store
	deadLetter audit.Store
	cfg        Config
	clock      clock.Clock
	logger     *slog.Logger
	metrics    *Metrics
	breaker    *circuit.Breaker
	tracer     trace.Tracer

	mu        sync.Mutex
	batch     []queued
	dedup     map[fingerprint]time.Time
	emissions map[string]*emissionWindow
	lastFlush time.Time
	started   bool
	stopped   bool
	cancel    context.CancelFunc
	stats     Stats

	// forcing admits one ForceFlush at a time.
	forcing chan struct{}

	loops    sync.WaitGroup
	inflight sync.WaitGroup
}

// Option configures a Batcher.
type Option func(*Batcher)

func WithLogger(logger *slog.Logger) Option {
	return func(b *Batcher) {
		b.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(b *Batcher) {
		b.metrics = m
	}
}

func WithClock(clk clock.Clock) Option {
	return func(b *Batcher) {
		b.clock = clk
	}
}

// WithDeadLetter sets the sink for retained events that exhausted their attempts.
func WithDeadLetter(store audit.Store) Option {
	return func(b *Batcher) {
		b.deadLetter = store
	}
}

// WithBreaker overrides the store circuit breaker.
func WithBreaker(breaker *circuit.Breaker) Option {
	return func(b *Batcher) {
		b.breaker = breaker
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(b *Batcher) {
		b.tracer = tracer
	}
}

// New creates a Batcher writing to store. Call Start to run the periodic
// flush and janitor loops.
func New(store audit.Store, cfg Config, opts ...Option) (*Batcher, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	b := &Batcher{
		store:     store,
		cfg:       cfg,
		clock:     clock.New(),
		logger:    slog.Default(),
		tracer:    otel.Tracer(tracerName),
		dedup:     make(map[fingerprint]time.Time),
		emissions: make(map[string]*emissionWindow),
		forcing:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.breaker == nil {
		b.breaker = circuit.New("audit_store", circuit.WithCooldown(30*time.Second), circuit.WithClock(b.clock))
	}
	return b, nil
}

// Add queues e for flushing. It never blocks on I/O. The result reports
// whether the event was accepted; false means it was a duplicate, over the
// emission limit, or the batcher is stopped.
func (b *Batcher) Add(e audit.Event) bool {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return false
	}
	now := b.clock.Now()

	fp := fingerprintOf(e)
	if seen, ok := b.dedup[fp]; ok && now.Sub(seen) < b.cfg.DedupTTL {
		b.stats.Deduplicated++
		b.mu.Unlock()
		b.count(func(m *Metrics) prometheus.Counter { return m.Deduplicated })
		return false
	}

	if e.Category() == audit.CategorySecurity && !b.allowEmissionLocked(e, now) {
		b.stats.RateLimited++
		b.mu.Unlock()
		b.count(func(m *Metrics) prometheus.Counter { return m.RateLimited })
		return false
	}
	b.dedup[fp] = now

	if len(b.batch) >= b.cfg.MaxPending {
		b.mu.Unlock()
		b.overflow(e)
		return false
	}

	b.batch = append(b.batch, queued{event: e})
	b.stats.Accepted++
	pending := len(b.batch)

	var drained []queued
	if pending >= b.cfg.BatchSize && now.Sub(b.lastFlush) >= b.cfg.MinFlushInterval {
		drained = b.takeLocked(now)
		b.inflight.Add(1)
	}
	b.mu.Unlock()

	b.count(func(m *Metrics) prometheus.Counter { return m.Accepted })
	b.setPending(pending - len(drained))

	if drained != nil {
		go func() {
			defer b.inflight.Done()
			_ = b.flush(context.Background(), drained)
		}()
	}
	return true
}

// allowEmissionLocked applies the fixed-window per-subject cap. Caller holds b.mu.
func (b *Batcher) allowEmissionLocked(e audit.Event, now time.Time) bool {
	key := emissionKey(e)
	w, ok := b.emissions[key]
	if !ok || !now.Before(w.resetAt) {
		w = &emissionWindow{resetAt: now.Add(b.cfg.EmissionWindow)}
		b.emissions[key] = w
	}
	if w.count >= b.cfg.EmissionLimit {
		return false
	}
	w.count++
	return true
}

// overflow handles an event arriving while the batch is at capacity.
func (b *Batcher) overflow(e audit.Event) {
	if e.MustRetain() {
		b.logger.Warn("audit batch full, dead-lettering retained event",
			"event_type", e.Type,
			"request_id", e.RequestID,
		)
		b.writeDeadLetter(context.Background(), []queued{{event: e, attempts: 0}})
		return
	}
	b.mu.Lock()
	b.stats.Dropped++
	b.mu.Unlock()
	b.count(func(m *Metrics) prometheus.Counter { return m.Dropped })
}

// ForceFlush drains the batch immediately, ignoring the minimum interval, and
// waits for the store write to finish or ctx to end. Concurrent calls run one
// at a time; a call that finds the batch already drained by its predecessor
// returns without touching the store.
func (b *Batcher) ForceFlush(ctx context.Context) error {
	select {
	case b.forcing <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("force flush: %w", ctx.Err())
	}
	defer func() { <-b.forcing }()

	b.mu.Lock()
	drained := b.takeLocked(b.clock.Now())
	b.mu.Unlock()
	b.setPending(b.Pending())
	return b.flush(ctx, drained)
}

// takeLocked removes the whole batch. Caller holds b.mu.
func (b *Batcher) takeLocked(now time.Time) []queued {
	b.lastFlush = now
	if len(b.batch) == 0 {
		return nil
	}
	drained := b.batch
	b.batch = nil
	return drained
}

func (b *Batcher) flush(ctx context.Context, items []queued) error {
	if len(items) == 0 {
		return nil
	}
	ctx, span := b.tracer.Start(ctx, "audit.batcher.flush",
		trace.WithAttributes(attribute.Int("audit.batch_size", len(items))),
	)
	defer span.End()

	events := make([]audit.Event, len(items))
	for i, it := range items {
		events[i] = it.event
	}

	err := b.write(ctx, events)

	b.mu.Lock()
	b.stats.Flushes++
	if err == nil {
		b.stats.Flushed += int64(len(events))
	} else {
		b.stats.FlushFailures++
	}
	b.mu.Unlock()

	if err == nil {
		if b.metrics != nil {
			b.metrics.Flushed.Add(float64(len(events)))
		}
		b.logger.DebugContext(ctx, "audit batch flushed", "batch_size", len(events))
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "audit flush failed")
	b.count(func(m *Metrics) prometheus.Counter { return m.FlushErrors })
	b.logger.ErrorContext(ctx, "audit batch flush failed",
		"batch_size", len(events),
		"error", err,
	)
	b.handleFailure(ctx, items)
	return err
}

func (b *Batcher) write(ctx context.Context, events []audit.Event) error {
	if !b.breaker.Allow() {
		return fmt.Errorf("audit store: %w", sentinel.ErrCircuitOpen)
	}
	ctx, cancel := context.WithTimeout(ctx, b.cfg.FlushTimeout)
	defer cancel()

	start := b.clock.Now()
	err := b.store.InsertMany(ctx, events)
	if b.metrics != nil {
		b.metrics.FlushSeconds.Observe(b.clock.Since(start).Seconds())
	}
	if err != nil {
		if _, change := b.breaker.RecordFailure(); change.Opened {
			b.logger.Warn("audit store circuit opened")
		}
		return err
	}
	if _, change := b.breaker.RecordSuccess(); change.Closed {
		b.logger.Info("audit store circuit closed")
	}
	return nil
}

// handleFailure requeues retained events at the front of the batch and
// dead-letters those that reached MaxAttempts. Once stopped there is no later
// flush, so every retained event goes to the dead-letter store.
func (b *Batcher) handleFailure(ctx context.Context, items []queued) {
	var requeue, dead []queued
	var dropped int
	for _, it := range items {
		if !it.event.MustRetain() {
			dropped++
			continue
		}
		it.attempts++
		if it.attempts >= b.cfg.MaxAttempts {
			dead = append(dead, it)
		} else {
			requeue = append(requeue, it)
		}
	}

	b.mu.Lock()
	if b.stopped {
		dead = append(dead, requeue...)
		requeue = nil
	}
	if len(requeue) > 0 {
		b.batch = append(requeue, b.batch...)
	}
	b.stats.Requeued += int64(len(requeue))
	b.stats.Dropped += int64(dropped)
	pending := len(b.batch)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.Requeued.Add(float64(len(requeue)))
		b.metrics.Dropped.Add(float64(dropped))
	}
	b.setPending(pending)

	if len(dead) > 0 {
		b.writeDeadLetter(ctx, dead)
	}
}

func (b *Batcher) writeDeadLetter(ctx context.Context, items []queued) {
	events := make([]audit.Event, len(items))
	for i, it := range items {
		events[i] = it.event
	}
	if b.deadLetter == nil {
		b.logger.ErrorContext(ctx, "audit events lost: no dead-letter store configured", "count", len(events))
		b.mu.Lock()
		b.stats.Dropped += int64(len(events))
		b.mu.Unlock()
		return
	}
	// The flush context may already be spent; the dead-letter write gets its own budget.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.FlushTimeout)
	defer cancel()
	if err := b.deadLetter.InsertMany(dctx, events); err != nil {
		b.logger.ErrorContext(ctx, "audit dead-letter write failed", "count", len(events), "error", err)
		b.mu.Lock()
		b.stats.Dropped += int64(len(events))
		b.mu.Unlock()
		return
	}
	b.mu.Lock()
	b.stats.DeadLettered += int64(len(events))
	b.mu.Unlock()
	if b.metrics != nil {
		b.metrics.DeadLettered.Add(float64(len(events)))
	}
	b.logger.WarnContext(ctx, "audit events dead-lettered", "count", len(events))
}

// Start runs the periodic flush and janitor loops until Stop is called or
// ctx is cancelled. Calling Start more than once has no effect.
func (b *Batcher) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started || b.stopped {
		b.mu.Unlock()
		return
	}
	b.started = true
	ctx, b.cancel = context.WithCancel(ctx)
	b.loops.Add(2)
	b.mu.Unlock()

	// Tickers are created before the goroutines so a mock clock sees them
	// as soon as Start returns.
	go b.run(ctx, b.clock.Ticker(b.cfg.FlushInterval), b.tick)
	go b.run(ctx, b.clock.Ticker(b.cfg.JanitorInterval), b.Sweep)
}

func (b *Batcher) run(ctx context.Context, ticker *clock.Ticker, fn func()) {
	defer b.loops.Done()
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// tick is the periodic flush: a non-empty batch is flushed once the minimum
// interval since the last flush has elapsed.
func (b *Batcher) tick() {
	b.mu.Lock()
	now := b.clock.Now()
	if len(b.batch) == 0 || now.Sub(b.lastFlush) < b.cfg.MinFlushInterval {
		b.mu.Unlock()
		return
	}
	drained := b.takeLocked(now)
	b.mu.Unlock()
	b.setPending(0)
	_ = b.flush(context.Background(), drained)
}

// Sweep evicts dedup entries older than the TTL and expired emission windows.
// The janitor loop calls it; it is exported for tests and manual maintenance.
func (b *Batcher) Sweep() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	for fp, seen := range b.dedup {
		if now.Sub(seen) >= b.cfg.DedupTTL {
			delete(b.dedup, fp)
		}
	}
	for key, w := range b.emissions {
		if !now.Before(w.resetAt) {
			delete(b.emissions, key)
		}
	}
}

// Stop ends the background loops, waits for in-flight flushes and flushes
// whatever is left. Events added after Stop are rejected.
func (b *Batcher) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	cancel := b.cancel
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		b.loops.Wait()
		b.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("stop audit batcher: %w", ctx.Err())
	}

	b.mu.Lock()
	drained := b.takeLocked(b.clock.Now())
	b.mu.Unlock()
	b.setPending(0)
	if err := b.flush(ctx, drained); err != nil {
		return fmt.Errorf("final audit flush: %w", err)
	}
	return nil
}

// Pending returns the number of queued events.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.batch)
}

// Stats returns a snapshot of the batcher counters.
func (b *Batcher) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Pending = len(b.batch)
	return s
}

func (b *Batcher) count(counter func(*Metrics) prometheus.Counter) {
	if b.metrics != nil {
		counter(b.metrics).Inc()
	}
}

func (b *Batcher) setPending(n int) {
	if b.metrics != nil {
		b.metrics.Pending.Set(float64(n))
	}
}
