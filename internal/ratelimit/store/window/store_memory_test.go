package window

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/suite"
)

const (
	testLimit  = 10
	testWindow = time.Minute
)

type InMemoryStoreSuite struct {
	suite.Suite
	clock *clock.Mock
	store *InMemoryStore
	ctx   context.Context
}

func TestInMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(InMemoryStoreSuite))
}

func (s *InMemoryStoreSuite) SetupTest() {
	s.clock = clock.NewMock()
	s.clock.Set(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	s.store = NewInMemoryStore(WithClock(s.clock), WithViolationTTL(time.Hour))
	s.ctx = context.Background()
}

func (s *InMemoryStoreSuite) hit(key string, n int) {
	for range n {
		_, err := s.store.Hit(s.ctx, key, testLimit, testWindow)
		s.Require().NoError(err)
	}
}

func (s *InMemoryStoreSuite) TestHit() {
	s.Run("first hit opens a window", func() {
		entry, err := s.store.Hit(s.ctx, "first", testLimit, testWindow)
		s.Require().NoError(err)
		s.Equal(1, entry.Count)
		s.Equal(s.clock.Now().Add(testWindow), entry.ResetAt)
		s.Zero(entry.Violations)
	})

	s.Run("hits up to the limit are not violations", func() {
		s.hit("limit", testLimit-1)
		entry, err := s.store.Hit(s.ctx, "limit", testLimit, testWindow)
		s.Require().NoError(err)
		s.Equal(testLimit, entry.Count)
		s.False(entry.Exceeded(testLimit))
		s.Zero(entry.Violations)
	})

	s.Run("each hit over the limit is a violation", func() {
		s.hit("over", testLimit)
		s.hit("over", 2)
		entry, err := s.store.Hit(s.ctx, "over", testLimit, testWindow)
		s.Require().NoError(err)
		s.Equal(testLimit+3, entry.Count)
		s.True(entry.Exceeded(testLimit))
		s.Equal(3, entry.Violations)
		s.Equal(s.clock.Now(), entry.LastViolation)
	})

	s.Run("keys are independent", func() {
		s.hit("a", testLimit+1)
		entry, err := s.store.Hit(s.ctx, "b", testLimit, testWindow)
		s.Require().NoError(err)
		s.Equal(1, entry.Count)
	})
}

func (s *InMemoryStoreSuite) TestWindowReset() {
	s.hit("reset", testLimit+1)

	s.clock.Add(testWindow - time.Second)
	entry, err := s.store.Hit(s.ctx, "reset", testLimit, testWindow)
	s.Require().NoError(err)
	s.True(entry.Exceeded(testLimit), "still inside the window")

	s.clock.Add(time.Second)
	entry, err = s.store.Hit(s.ctx, "reset", testLimit, testWindow)
	s.Require().NoError(err)
	s.Equal(1, entry.Count, "request just after expiry starts a fresh window")
	s.Equal(2, entry.Violations, "violations persist across windows")
	s.Equal(s.clock.Now().Add(testWindow), entry.ResetAt)
}

func (s *InMemoryStoreSuite) TestSweep() {
	s.hit("quiet", 1)
	s.hit("noisy", testLimit+1)
	s.hit("fresh", 1)

	s.clock.Add(testWindow)
	s.hit("fresh", 1)

	removed, err := s.store.Sweep(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, removed, "only the expired window without violations goes")
	s.Equal(2, s.store.Len())

	s.clock.Add(time.Hour)
	removed, err = s.store.Sweep(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, removed)
	s.Zero(s.store.Len())
}

func (s *InMemoryStoreSuite) TestReset() {
	s.hit("gone", testLimit+1)
	s.Require().NoError(s.store.Reset(s.ctx, "gone"))

	entry, err := s.store.Hit(s.ctx, "gone", testLimit, testWindow)
	s.Require().NoError(err)
	s.Equal(1, entry.Count)
	s.Zero(entry.Violations)
}

func (s *InMemoryStoreSuite) TestConcurrentHits() {
	const goroutines = 50

	var wg sync.WaitGroup
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.store.Hit(s.ctx, "concurrent", testLimit, testWindow)
		}()
	}
	wg.Wait()

	entry, err := s.store.Hit(s.ctx, "concurrent", testLimit, testWindow)
	s.Require().NoError(err)
	s.Equal(goroutines+1, entry.Count)
	s.Equal(goroutines+1-testLimit, entry.Violations)
}
