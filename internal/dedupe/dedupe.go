// Package dedupe tracks recently seen keys (event ids, request ids) so that
// relay redelivery is processed at most once.
package dedupe

import (
	"sync"
	"time"
)

type entry struct {
	key    string
	expiry time.Time
}

// Set is a TTL-bounded seen-set. Entries leave the set when their TTL
// elapses or when the set grows past its capacity, oldest first.
// Safe for concurrent use.
type Set struct {
	mu     sync.Mutex
	expiry map[string]time.Time
	order  []entry
	ttl    time.Duration
	max    int
	now    func() time.Time
}

func New(ttl time.Duration, max int) *Set {
	if max <= 0 {
		max = 4096
	}
	return &Set{
		expiry: make(map[string]time.Time),
		ttl:    ttl,
		max:    max,
		now:    time.Now,
	}
}

// Add records key and reports whether it was new.
func (s *Set) Add(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if exp, ok := s.expiry[key]; ok && now.Before(exp) {
		return false
	}
	exp := now.Add(s.ttl)
	s.expiry[key] = exp
	s.order = append(s.order, entry{key: key, expiry: exp})
	s.evictLocked(now)
	return true
}

func (s *Set) Seen(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.expiry[key]
	return ok && s.now().Before(exp)
}

func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.expiry)
}

func (s *Set) evictLocked(now time.Time) {
	drop := 0
	for drop < len(s.order) {
		e := s.order[drop]
		current, ok := s.expiry[e.key]
		if !ok || !current.Equal(e.expiry) {
			// Stale slot: the key was evicted or re-added later.
			drop++
			continue
		}
		if now.Before(e.expiry) && len(s.expiry) <= s.max {
			break
		}
		delete(s.expiry, e.key)
		drop++
	}
	if drop > 0 {
		s.order = append(s.order[:0:0], s.order[drop:]...)
	}
}
