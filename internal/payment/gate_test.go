package payment

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agentrelay/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger_PaySettlesOnce(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()
	inv, err := l.MakeInvoice(ctx, 3, "add", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(3), inv.AmountSats)

	require.NoError(t, l.PayInvoice(ctx, inv.PaymentRequest))
	require.NoError(t, l.PayInvoice(ctx, inv.PaymentRequest))

	got, err := l.LookupInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.True(t, got.Settled)
}

func TestLedger_Rejects(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()
	assert.ErrorIs(t, l.PayInvoice(ctx, "lnbc1garbage"), ErrMalformedPayRequest)
	assert.ErrorIs(t, l.PayInvoice(ctx, paymentRequest("missing")), ErrUnknownInvoice)

	inv, err := l.MakeInvoice(ctx, 1, "", time.Minute)
	require.NoError(t, err)
	l.now = func() time.Time { return time.Now().Add(time.Hour) }
	assert.ErrorIs(t, l.PayInvoice(ctx, inv.PaymentRequest), ErrInvoiceExpired)
}

func TestGate_ChargeRunsAfterSettlement(t *testing.T) {
	l := NewLedger()
	g := NewGate(l, Options{PollInterval: 10 * time.Millisecond})

	var presented protocol.Invoice
	err := g.Charge(context.Background(), 3, "add", func(ctx context.Context, inv protocol.Invoice) error {
		presented = inv
		go func() { _ = l.PayInvoice(context.Background(), inv.PaymentRequest) }()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), presented.AmountSats)
	assert.Zero(t, g.Pending())
	assert.False(t, g.Claim(presented.ID), "second claim must fail")
}

func TestGate_NotifierWakesBeforePoll(t *testing.T) {
	l := NewLedger()
	g := NewGate(l, Options{PollInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.Run(ctx)

	inv, err := g.Issue(ctx, 5, "")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- g.AwaitSettlement(ctx, inv.ID) }()
	// Let the waiter reach its select before paying.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, l.PayInvoice(ctx, inv.PaymentRequest))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("settlement notice did not wake the waiter")
	}
	assert.True(t, g.Claim(inv.ID))
}

func TestLedger_SettlementsCloseWithContext(t *testing.T) {
	l := NewLedger()
	ctx, cancel := context.WithCancel(context.Background())
	ch := l.Settlements(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("settlement channel not closed after cancel")
	}

	// Paying after the subscriber went away must not panic on the closed channel.
	inv, err := l.MakeInvoice(context.Background(), 1, "", time.Minute)
	require.NoError(t, err)
	require.NoError(t, l.PayInvoice(context.Background(), inv.PaymentRequest))
}

func TestGate_RunReturnsWhenContextDone(t *testing.T) {
	g := NewGate(NewLedger(), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		g.Run(ctx)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestGate_UnpaidInvoiceExpires(t *testing.T) {
	g := NewGate(NewLedger(), Options{InvoiceExpiry: 50 * time.Millisecond, PollInterval: 10 * time.Millisecond})
	inv, err := g.Issue(context.Background(), 2, "")
	require.NoError(t, err)

	err = g.AwaitSettlement(context.Background(), inv.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrInvoiceExpired))
	assert.False(t, g.Claim(inv.ID))
	assert.Zero(t, g.Pending())
}

func TestGate_ConcurrentClaimsAdmitOne(t *testing.T) {
	l := NewLedger()
	g := NewGate(l, Options{PollInterval: 10 * time.Millisecond})
	ctx := context.Background()
	inv, err := g.Issue(ctx, 1, "")
	require.NoError(t, err)
	require.NoError(t, l.PayInvoice(ctx, inv.PaymentRequest))
	require.NoError(t, g.AwaitSettlement(ctx, inv.ID))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Claim(inv.ID) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestGate_IssueRejectsNonPositiveAmount(t *testing.T) {
	_, err := NewGate(NewLedger(), Options{}).Issue(context.Background(), 0, "")
	assert.Error(t, err)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	w, err := Open(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, w)

	w, err = Open(ctx, "memory://")
	require.NoError(t, err)
	assert.IsType(t, &Ledger{}, w)

	_, err = Open(ctx, "nostr+walletconnect://abc?relay=wss://r&secret=s")
	assert.ErrorIs(t, err, ErrUnsupportedWallet)
}

func TestRedisLedger_SettlesAcrossHandles(t *testing.T) {
	url := os.Getenv("AGENTRELAY_TEST_REDIS_URL")
	if url == "" {
		t.Skip("AGENTRELAY_TEST_REDIS_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payee, err := NewRedisLedger(ctx, url)
	require.NoError(t, err)
	defer payee.Close()
	payer, err := NewRedisLedger(ctx, url)
	require.NoError(t, err)
	defer payer.Close()

	g := NewGate(payee, Options{PollInterval: 50 * time.Millisecond})
	go g.Run(ctx)

	err = g.Charge(ctx, 3, "redis", func(ctx context.Context, inv protocol.Invoice) error {
		return payer.PayInvoice(ctx, inv.PaymentRequest)
	})
	require.NoError(t, err)
}
