// Package deadletter is the last-resort sink for audit events that could not
// be stored: an append-only JSON Lines file, one envelope per event.
package deadletter

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	audit "vitalis/pkg/platform/audit"
	"vitalis/pkg/platform/sentinel"
)

// Envelope is one line of the dead-letter file.
type Envelope struct {
	DeadLetteredAt time.Time   `json:"dead_lettered_at"`
	Event          audit.Event `json:"event"`
}

// FileStore implements audit.Store on a local file.
type FileStore struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	clock  clock.Clock
	closed bool
}

type Option func(*FileStore)

func WithClock(clk clock.Clock) Option {
	return func(s *FileStore) {
		s.clock = clk
	}
}

// Open opens path for appending, creating it and its directory as needed.
func Open(path string, opts ...Option) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("dead-letter path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create dead-letter directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open dead-letter file: %w", err)
	}
	s := &FileStore{path: path, file: f, clock: clock.New()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *FileStore) Path() string { return s.path }

// InsertMany appends one line per event and syncs the file. Lines are
// encoded before writing so a marshal failure leaves no partial record.
func (s *FileStore) InsertMany(_ context.Context, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}
	now := s.clock.Now().UTC()
	var buf []byte
	for _, e := range events {
		line, err := json.Marshal(Envelope{DeadLetteredAt: now, Event: e})
		if err != nil {
			return fmt.Errorf("marshal dead-letter event %s: %w", e.ID, err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("dead-letter store: %w", sentinel.ErrClosed)
	}
	if _, err := s.file.Write(buf); err != nil {
		return fmt.Errorf("write dead-letter file: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync dead-letter file: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}

// ReadFile returns every envelope in a dead-letter file. A truncated final
// line, left by a crash mid-write, is ignored.
func ReadFile(path string) ([]Envelope, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dead-letter file: %w", err)
	}
	defer f.Close()

	var out []Envelope
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), 4<<20)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(sc.Bytes(), &env); err != nil {
			continue
		}
		out = append(out, env)
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("read dead-letter file: %w", err)
	}
	return out, nil
}

// Replay inserts the events of a dead-letter file into target in batches.
// Inserts are idempotent on event id, so replaying twice is harmless.
func Replay(ctx context.Context, path string, target audit.Store, batchSize int) (int, error) {
	envs, err := ReadFile(path)
	if err != nil {
		return 0, err
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	replayed := 0
	for start := 0; start < len(envs); start += batchSize {
		end := min(start+batchSize, len(envs))
		events := make([]audit.Event, 0, end-start)
		for _, env := range envs[start:end] {
			events = append(events, env.Event)
		}
		if err := target.InsertMany(ctx, events); err != nil {
			return replayed, fmt.Errorf("replay dead-letter batch at %d: %w", start, err)
		}
		replayed += len(events)
	}
	return replayed, nil
}
