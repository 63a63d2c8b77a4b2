package channel_test

import (
	"context"
	"testing"
	"time"

	"agentrelay/internal/channel"
	"agentrelay/internal/identity"
	"agentrelay/internal/protocol"
	"agentrelay/internal/relayd/relaydtest"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pair(t *testing.T) (*channel.Channel, *channel.Channel) {
	t.Helper()
	url := relaydtest.Start(t)
	a := channel.New(identity.Generate(), relaydtest.Pool(t, url), nil)
	b := channel.New(identity.Generate(), relaydtest.Pool(t, url), nil)
	return a, b
}

func TestChannel_RequestRoundTrip(t *testing.T) {
	alice, bob := pair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	inbox := bob.Listen(ctx)
	_, err := alice.SendRequest(ctx, bob.PublicKey(), protocol.Request{ID: "r1", Action: protocol.ActionListTools})
	require.NoError(t, err)

	select {
	case in := <-inbox:
		require.NotNil(t, in.Request)
		assert.Nil(t, in.Response)
		assert.Equal(t, "r1", in.Request.ID)
		assert.Equal(t, alice.PublicKey(), in.Sender)
	case <-ctx.Done():
		t.Fatal("request not received")
	}
}

func TestChannel_DropsUndecryptableAndKeepsStreaming(t *testing.T) {
	url := relaydtest.Start(t)
	pool := relaydtest.Pool(t, url)
	bobID := identity.Generate()
	bob := channel.New(bobID, relaydtest.Pool(t, url), nil)
	alice := channel.New(identity.Generate(), pool, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	inbox := bob.Listen(ctx)

	// Addressed to bob but not valid ciphertext.
	junk := nostr.Event{
		Kind:      protocol.KindEncryptedDirectMessage,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{protocol.TagPubKey, bob.PublicKey()}},
		Content:   "not-ciphertext",
	}
	require.NoError(t, junk.Sign(nostr.GeneratePrivateKey()))
	require.NoError(t, pool.Publish(ctx, junk))

	_, err := alice.SendResponse(ctx, bob.PublicKey(), protocol.Response{RequestID: "r9", Result: []byte(`5`)})
	require.NoError(t, err)

	select {
	case in := <-inbox:
		require.NotNil(t, in.Response)
		assert.Equal(t, "r9", in.Response.RequestID)
	case <-ctx.Done():
		t.Fatal("valid message lost after a bad one")
	}
}

func TestChannel_IgnoresMessagesForOthers(t *testing.T) {
	url := relaydtest.Start(t)
	alice := channel.New(identity.Generate(), relaydtest.Pool(t, url), nil)
	bob := channel.New(identity.Generate(), relaydtest.Pool(t, url), nil)
	carol := channel.New(identity.Generate(), relaydtest.Pool(t, url), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	carolInbox := carol.Listen(ctx)

	_, err := alice.SendRequest(ctx, bob.PublicKey(), protocol.Request{ID: "x", Action: protocol.ActionListTools})
	require.NoError(t, err)

	select {
	case in := <-carolInbox:
		t.Fatalf("carol received %+v", in)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestChannel_AnnounceAndDiscoverLatestPerAuthor(t *testing.T) {
	url := relaydtest.Start(t)
	server := channel.New(identity.Generate(), relaydtest.Pool(t, url), nil)
	client := channel.New(identity.Generate(), relaydtest.Pool(t, url), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := server.Announce(ctx, "math-tools", protocol.ServerCard{Name: "old"})
	require.NoError(t, err)
	// created_at has second resolution.
	time.Sleep(1100 * time.Millisecond)
	_, err = server.Announce(ctx, "math-tools", protocol.ServerCard{Name: "Math", About: "adds numbers"})
	require.NoError(t, err)
	_, err = server.Announce(ctx, "other-topic", protocol.ServerCard{Name: "elsewhere"})
	require.NoError(t, err)

	found, err := client.Discover(ctx, "math-tools")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, server.PublicKey(), found[0].PubKey)
	assert.Equal(t, "Math", found[0].Name)
	assert.Equal(t, "adds numbers", found[0].About)
	assert.Equal(t, []string{url}, found[0].Relays)
}
