package gate

import (
	"sort"
	"sync"
	"time"
)

// DefaultSuspiciousTTL is how long an IP stays marked after its last mark.
const DefaultSuspiciousTTL = time.Hour

// SuspiciousIP is a marked client address.
type SuspiciousIP struct {
	IP       string    `json:"ip"`
	Reason   string    `json:"reason"`
	MarkedAt time.Time `json:"marked_at"`
	Until    time.Time `json:"until"`
}

// SuspiciousSet is a TTL-bounded set of client IPs under heavier scrutiny.
// Membership never blocks a request by itself.
type SuspiciousSet struct {
	mu    sync.RWMutex
	ttl   time.Duration
	marks map[string]SuspiciousIP
}

func NewSuspiciousSet(ttl time.Duration) *SuspiciousSet {
	if ttl <= 0 {
		ttl = DefaultSuspiciousTTL
	}
	return &SuspiciousSet{ttl: ttl, marks: make(map[string]SuspiciousIP)}
}

// Mark adds or refreshes ip. It returns true when ip was not already marked.
func (s *SuspiciousSet) Mark(ip, reason string, now time.Time) bool {
	if ip == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.marks[ip]
	fresh := !ok || !now.Before(existing.Until)
	mark := SuspiciousIP{IP: ip, Reason: reason, MarkedAt: now, Until: now.Add(s.ttl)}
	if !fresh {
		mark.MarkedAt = existing.MarkedAt
	}
	s.marks[ip] = mark
	return fresh
}

// Contains reports whether ip is marked at now.
func (s *SuspiciousSet) Contains(ip string, now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mark, ok := s.marks[ip]
	return ok && now.Before(mark.Until)
}

// Sweep drops expired marks and returns how many were removed.
func (s *SuspiciousSet) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for ip, mark := range s.marks {
		if !now.Before(mark.Until) {
			delete(s.marks, ip)
			removed++
		}
	}
	return removed
}

// List returns the live marks, most recently marked first.
func (s *SuspiciousSet) List(now time.Time) []SuspiciousIP {
	s.mu.RLock()
	out := make([]SuspiciousIP, 0, len(s.marks))
	for _, mark := range s.marks {
		if now.Before(mark.Until) {
			out = append(out, mark)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].MarkedAt.Equal(out[j].MarkedAt) {
			return out[i].IP < out[j].IP
		}
		return out[i].MarkedAt.After(out[j].MarkedAt)
	})
	return out
}

func (s *SuspiciousSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.marks)
}
