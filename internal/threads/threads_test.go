package threads

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"agentrelay/internal/agent"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "threads.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{"memory": NewMemoryStore(), "sqlite": sqlite}
}

func TestStore_HistoryIsPerThreadAndLimited(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Append(ctx, "a", agent.Turn{Role: "user", Content: "1"}, agent.Turn{Role: "agent", Content: "2"}))
			require.NoError(t, s.Append(ctx, "b", agent.Turn{Role: "user", Content: "other"}))
			require.NoError(t, s.Append(ctx, "a", agent.Turn{Role: "user", Content: "3"}))

			all, err := s.History(ctx, "a", 0)
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, "1", all[0].Content)
			assert.Equal(t, "3", all[2].Content)

			last, err := s.History(ctx, "a", 2)
			require.NoError(t, err)
			require.Len(t, last, 2)
			assert.Equal(t, "2", last[0].Content)

			none, err := s.History(ctx, "missing", 5)
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestRemember_PassesPriorTurns(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	var lastHistory []agent.Turn
	fn := Remember(store, 10, func(_ context.Context, req agent.ChatRequest) (string, error) {
		lastHistory = req.History
		return strings.ToUpper(req.Messages[0]), nil
	})

	reply, err := fn(ctx, agent.ChatRequest{ThreadID: "t", Messages: []string{"hi"}})
	require.NoError(t, err)
	assert.Equal(t, "HI", reply)
	assert.Empty(t, lastHistory)

	_, err = fn(ctx, agent.ChatRequest{ThreadID: "t", Messages: []string{"again"}})
	require.NoError(t, err)
	require.Len(t, lastHistory, 2)
	assert.Equal(t, agent.RoleUser, lastHistory[0].Role)
	assert.Equal(t, "HI", lastHistory[1].Content)

	_, err = fn(ctx, agent.ChatRequest{ThreadID: "other", Messages: []string{"x"}})
	require.NoError(t, err)
	assert.Empty(t, lastHistory, "threads never merge")
}

func TestOpen_UnknownKind(t *testing.T) {
	_, err := Open(context.Background(), "postgres", "")
	assert.Error(t, err)
}
