package mcpclient_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"agentrelay/internal/agent"
	"agentrelay/internal/channel"
	"agentrelay/internal/identity"
	"agentrelay/internal/mcpclient"
	"agentrelay/internal/payment"
	"agentrelay/internal/protocol"
	"agentrelay/internal/relayd/relaydtest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndToEnd_ChatKeepsThreadAndPays(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	url := relaydtest.Start(t)
	ledger := payment.NewLedger()

	srv := agent.New(channel.New(identity.Generate(), relaydtest.Pool(t, url), nil), agent.Options{
		Gate:         payment.NewGate(ledger, payment.Options{PollInterval: 20 * time.Millisecond}),
		DiscoveryTag: "test-agents",
	})
	var mu sync.Mutex
	turns := map[string]int{}
	require.NoError(t, srv.Register(protocol.AgentCard{Name: "Counter", Description: "counts turns", PriceSats: 2},
		func(_ context.Context, req agent.ChatRequest) (string, error) {
			mu.Lock()
			defer mu.Unlock()
			turns[req.ThreadID]++
			if turns[req.ThreadID] == 1 {
				return "first turn", nil
			}
			return "later turn", nil
		}))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()
	_, err := srv.Announce(ctx)
	require.NoError(t, err)

	client := mcpclient.New(channel.New(identity.Generate(), relaydtest.Pool(t, url), nil), mcpclient.Options{
		Wallet: ledger, Timeout: 5 * time.Second,
	})
	client.Start(ctx)

	found, err := client.Discover(ctx, "test-agents")
	require.NoError(t, err)
	require.Len(t, found, 1)
	card, err := found[0].AgentCard()
	require.NoError(t, err)
	assert.Equal(t, "Counter", card.Name)
	assert.Equal(t, int64(2), card.PriceSats)

	first, err := client.Chat(ctx, found[0].PubKey, []string{"hi"}, "")
	require.NoError(t, err)
	assert.Equal(t, "first turn", first.Text)
	require.NotEmpty(t, first.ThreadID)

	second, err := client.Chat(ctx, found[0].PubKey, []string{"again"}, first.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, "later turn", second.Text)
	assert.Equal(t, first.ThreadID, second.ThreadID)
}

func TestEndToEnd_ChatRefusedByRouter(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	url := relaydtest.Start(t)

	srv := agent.New(channel.New(identity.Generate(), relaydtest.Pool(t, url), nil), agent.Options{Router: agent.KeywordRouter{}})
	require.NoError(t, srv.Register(protocol.AgentCard{Name: "Travel", Description: "flights"}, func(context.Context, agent.ChatRequest) (string, error) {
		return "booked", nil
	}))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	client := mcpclient.New(channel.New(identity.Generate(), relaydtest.Pool(t, url), nil), mcpclient.Options{Timeout: 5 * time.Second})
	client.Start(ctx)
	_, err := client.Chat(ctx, srv.Cards()[0].PubKey, []string{"what's for dinner"}, "")
	assert.True(t, errors.Is(err, protocol.ErrNotHandled), "got %v", err)
}
