package classifier

import (
	"math/rand/v2"
	"sync"
)

// Sampler keeps a fraction of routine events per resource type.
// High-volume reads can be sampled down to bound log volume.
type Sampler struct {
	mu             sync.RWMutex
	defaultRate    float64
	rateByResource map[string]float64
	rand           func() float64
}

// NewSampler creates a sampler with the given default rate and decision source.
// Rate should be between 0.0 (keep nothing) and 1.0 (keep everything). A nil
// source uses math/rand/v2.
func NewSampler(defaultRate float64, source func() float64) *Sampler {
	if source == nil {
		source = rand.Float64
	}
	return &Sampler{
		defaultRate:    clampRate(defaultRate),
		rateByResource: make(map[string]float64),
		rand:           source,
	}
}

// Keep returns true if an event for resource should be kept.
func (s *Sampler) Keep(resource string) bool {
	rate := s.rateFor(resource)
	if rate >= 1 {
		return true
	}
	if rate <= 0 {
		return false
	}
	return s.rand() < rate
}

// SetRate sets the keep rate for a specific resource type.
func (s *Sampler) SetRate(resource string, rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateByResource[resource] = clampRate(rate)
}

func (s *Sampler) rateFor(resource string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if rate, ok := s.rateByResource[resource]; ok {
		return rate
	}
	return s.defaultRate
}

func clampRate(rate float64) float64 {
	return min(max(rate, 0), 1)
}
