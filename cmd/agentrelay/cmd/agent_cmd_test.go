package cmd

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"agentrelay/internal/agent"
	"agentrelay/internal/config"
	"agentrelay/internal/httpapi"
	"agentrelay/internal/protocol"
	"agentrelay/internal/threads"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDemoAgents_RouteAndRemember(t *testing.T) {
	server := agent.New(nil, agent.Options{Router: agent.KeywordRouter{Fallback: "Echo"}})
	require.NoError(t, registerDemoAgents(server, threads.NewMemoryStore(), "", "Echo", 0, 10))
	ctx := context.Background()

	reply, threadID, err := server.Chat(ctx, agent.ChatRequest{Messages: []string{"hello"}})
	require.NoError(t, err)
	assert.Equal(t, "hello (turn 1)", reply)

	reply, _, err = server.Chat(ctx, agent.ChatRequest{ThreadID: threadID, Messages: []string{"again"}})
	require.NoError(t, err)
	assert.Equal(t, "again (turn 2)", reply)

	reply, _, err = server.Chat(ctx, agent.ChatRequest{Messages: []string{"what time is it?"}})
	require.NoError(t, err)
	assert.False(t, strings.Contains(reply, "turn"), "clock agent answers time questions")
}

func TestRegisterHTTPAgent_ConfigOverridesCard(t *testing.T) {
	backend := agent.New(nil, agent.Options{})
	require.NoError(t, backend.Register(protocol.AgentCard{Name: "Research", Description: "reads papers", PriceSats: 2}, func(_ context.Context, req agent.ChatRequest) (string, error) {
		return "summary of " + req.Messages[0], nil
	}))
	srv := httptest.NewServer(httpapi.NewRouter(backend, nil))
	defer srv.Close()

	front := agent.New(nil, agent.Options{})
	require.NoError(t, registerHTTPAgent(context.Background(), front, srv.URL, config.AgentConfig{Name: "Scholar", PriceSats: 9}))

	cards := front.Cards()
	require.Len(t, cards, 1)
	assert.Equal(t, "Scholar", cards[0].Name)
	assert.Equal(t, "reads papers", cards[0].Description)
	assert.EqualValues(t, 9, cards[0].PriceSats)

	reply, _, err := front.Chat(context.Background(), agent.ChatRequest{Messages: []string{"transformers"}})
	require.NoError(t, err)
	assert.Equal(t, "summary of transformers", reply)
}

func TestParseArgs(t *testing.T) {
	args, err := parseArgs(`{"a":2,"b":3}`)
	require.NoError(t, err)
	assert.Equal(t, float64(2), args["a"])

	empty, err := parseArgs("")
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = parseArgs(`[1,2]`)
	assert.Error(t, err)
}
