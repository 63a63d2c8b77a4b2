// Package threads keeps per-thread conversation history for agents that
// want it.
package threads

import (
	"context"
	"sync"

	"agentrelay/internal/agent"
)

// Store persists turns per thread id. Implementations are safe for
// concurrent use.
type Store interface {
	Append(ctx context.Context, threadID string, turns ...agent.Turn) error
	// History returns the most recent limit turns, oldest first. A
	// non-positive limit returns everything.
	History(ctx context.Context, threadID string, limit int) ([]agent.Turn, error)
	Close() error
}

type MemoryStore struct {
	mu      sync.Mutex
	threads map[string][]agent.Turn
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{threads: make(map[string][]agent.Turn)}
}

func (s *MemoryStore) Append(_ context.Context, threadID string, turns ...agent.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[threadID] = append(s.threads[threadID], turns...)
	return nil
}

func (s *MemoryStore) History(_ context.Context, threadID string, limit int) ([]agent.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := s.threads[threadID]
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return append([]agent.Turn(nil), turns...), nil
}

func (s *MemoryStore) Close() error { return nil }
