package relay_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"agentrelay/internal/relay"
	"agentrelay/internal/relayd/relaydtest"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func note(t *testing.T, kind int, content string) nostr.Event {
	t.Helper()
	ev := nostr.Event{Kind: kind, Content: content, CreatedAt: nostr.Now()}
	require.NoError(t, ev.Sign(nostr.GeneratePrivateKey()))
	return ev
}

func waitConnected(t *testing.T, p *relay.Pool, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(p.Connected()) == n }, 5*time.Second, 10*time.Millisecond)
}

func TestPool_PublishAndSubscribe(t *testing.T) {
	p := relaydtest.Pool(t, relaydtest.Start(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events := p.Subscribe(ctx, nostr.Filter{Kinds: []int{1}})

	ev := note(t, 1, "hello")
	require.NoError(t, p.Publish(ctx, ev))

	select {
	case got := <-events:
		assert.Equal(t, ev.ID, got.ID)
		assert.Equal(t, "hello", got.Content)
	case <-ctx.Done():
		t.Fatal("event not delivered")
	}
}

func TestPool_DeduplicatesAcrossRelays(t *testing.T) {
	p := relaydtest.Pool(t, relaydtest.Start(t), relaydtest.Start(t))
	waitConnected(t, p, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := p.Subscribe(ctx, nostr.Filter{Kinds: []int{1}})

	first := note(t, 1, "one")
	second := note(t, 1, "two")
	require.NoError(t, p.Publish(ctx, first))
	require.NoError(t, p.Publish(ctx, second))

	var got []string
	timeout := time.After(500 * time.Millisecond)
loop:
	for {
		select {
		case ev := <-events:
			got = append(got, ev.ID)
		case <-timeout:
			break loop
		}
	}
	assert.ElementsMatch(t, []string{first.ID, second.ID}, got)
}

func TestPool_PartialDelivery(t *testing.T) {
	p := relaydtest.Pool(t, relaydtest.Start(t), "ws://127.0.0.1:1")

	err := p.Publish(context.Background(), note(t, 1, "x"))
	var partial *relay.PartialDeliveryError
	require.True(t, errors.As(err, &partial), "got %v", err)
	assert.Len(t, partial.Accepted, 1)
	assert.Contains(t, partial.Failed, "ws://127.0.0.1:1")
}

func TestPool_RejectedEventFailsEverywhere(t *testing.T) {
	p := relaydtest.Pool(t, relaydtest.Start(t))

	ev := note(t, 1, "x")
	ev.Content = "tampered"
	err := p.Publish(context.Background(), ev)
	require.ErrorIs(t, err, relay.ErrAllRelaysFailed)
	var rejected *relay.RejectedError
	assert.True(t, errors.As(err, &rejected))
}

func TestPool_StartFailsWithoutReachableRelay(t *testing.T) {
	p, err := relay.NewPool([]string{"ws://127.0.0.1:1"}, relay.Options{DialTimeout: 200 * time.Millisecond})
	require.NoError(t, err)
	err = p.Start(context.Background())
	assert.ErrorIs(t, err, relay.ErrNoRelays)
}

func TestPool_QueryReturnsStoredEvents(t *testing.T) {
	p := relaydtest.Pool(t, relaydtest.Start(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stored := note(t, 1, "persisted")
	require.NoError(t, p.Publish(ctx, stored))
	require.NoError(t, p.Publish(ctx, note(t, 4, "other kind")))

	events, err := p.Query(ctx, nostr.Filter{Kinds: []int{1}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, stored.ID, events[0].ID)
}

func TestPool_ReconnectDoesNotReplayDeliveredEvents(t *testing.T) {
	url := relaydtest.Start(t)
	proxy := relaydtest.NewProxy(t, url)
	direct := relaydtest.Pool(t, url)
	p := relaydtest.PoolWith(t, relay.Options{BackoffMin: 10 * time.Millisecond, BackoffMax: 50 * time.Millisecond, SeenTTL: 50 * time.Millisecond}, proxy.URL())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	old := nostr.Event{Kind: 1, Content: "an hour ago", CreatedAt: nostr.Now() - 3600}
	require.NoError(t, old.Sign(nostr.GeneratePrivateKey()))
	require.NoError(t, direct.Publish(ctx, old))

	events := p.Subscribe(ctx, nostr.Filter{Kinds: []int{1}})
	recent := note(t, 1, "before the drop")
	require.NoError(t, direct.Publish(ctx, recent))

	seen := map[string]int{}
	for len(seen) < 2 {
		select {
		case ev := <-events:
			seen[ev.ID]++
		case <-ctx.Done():
			t.Fatalf("initial events not delivered, got %v", seen)
		}
	}

	// Let the per-subscription id cache forget both events.
	time.Sleep(200 * time.Millisecond)
	proxy.Cut()

	var after string
	for after == "" {
		fresh := note(t, 1, "after the drop")
		require.NoError(t, direct.Publish(ctx, fresh))
		timeout := time.After(300 * time.Millisecond)
	wait:
		for {
			select {
			case ev := <-events:
				seen[ev.ID]++
				if ev.ID == fresh.ID {
					after = ev.ID
					break wait
				}
			case <-timeout:
				break wait
			case <-ctx.Done():
				t.Fatal("no events after reconnect")
			}
		}
	}

	assert.Equal(t, 1, seen[old.ID], "stored event replayed")
	assert.Equal(t, 1, seen[recent.ID], "recent event replayed")
}
