package threads

import (
	"context"
	"fmt"
	"time"

	"agentrelay/internal/agent"
)

// Open returns the store for kind: "memory" (or empty) or "sqlite".
func Open(ctx context.Context, kind, path string) (Store, error) {
	switch kind {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(ctx, path)
	default:
		return nil, fmt.Errorf("threads: unknown store %q", kind)
	}
}

// Remember wraps fn so it sees up to limit earlier turns of the same
// thread, and records each exchange after fn succeeds.
func Remember(store Store, limit int, fn agent.Callable) agent.Callable {
	return func(ctx context.Context, req agent.ChatRequest) (string, error) {
		history, err := store.History(ctx, req.ThreadID, limit)
		if err != nil {
			return "", fmt.Errorf("load thread history: %w", err)
		}
		req.History = history

		reply, err := fn(ctx, req)
		if err != nil {
			return "", err
		}

		now := time.Now()
		turns := make([]agent.Turn, 0, len(req.Messages)+1)
		for _, m := range req.Messages {
			turns = append(turns, agent.Turn{Role: agent.RoleUser, Content: m, At: now})
		}
		turns = append(turns, agent.Turn{Role: agent.RoleAgent, Content: reply, At: now})
		if err := store.Append(ctx, req.ThreadID, turns...); err != nil {
			return "", fmt.Errorf("save thread history: %w", err)
		}
		return reply, nil
	}
}
