package correlate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"agentrelay/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func result(id, v string) protocol.Response {
	return protocol.Response{RequestID: id, Result: json.RawMessage(v)}
}

func TestResolve_DeliversOnceAndDiscardsDuplicate(t *testing.T) {
	c := New()
	call, err := c.Register("r1")
	require.NoError(t, err)

	assert.True(t, c.Resolve(result("r1", "5")))
	assert.False(t, c.Resolve(result("r1", "5")))

	resp, err := call.Next(context.Background(), time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, "5", string(resp.Result))
	assert.Zero(t, c.Pending())
	assert.False(t, c.Resolve(result("r1", "5")))
}

func TestResolve_UnknownRequestIsDiscarded(t *testing.T) {
	assert.False(t, New().Resolve(result("nobody", "1")))
}

func TestRegister_RejectsPendingDuplicate(t *testing.T) {
	c := New()
	_, err := c.Register("r1")
	require.NoError(t, err)
	_, err = c.Register("r1")
	assert.ErrorIs(t, err, ErrDuplicateRequest)
}

func TestAwaitResponse_TimeoutDoesNotResurrect(t *testing.T) {
	c := New()
	_, err := c.AwaitResponse(context.Background(), "slow", 20*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Zero(t, c.Pending())

	assert.False(t, c.Resolve(result("slow", "1")), "late response must be discarded")
}

func TestNext_ContextDeadlineIsTimeout(t *testing.T) {
	c := New()
	call, err := c.Register("r")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = call.Next(ctx, 0)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestNext_CanceledContextIsNotTimeout(t *testing.T) {
	c := New()
	call, err := c.Register("r")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = call.Next(ctx, time.Second)
	assert.ErrorIs(t, err, ErrCanceled)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestCall_InvoiceThenFinalOnSameID(t *testing.T) {
	c := New()
	call, err := c.Register("paid")
	require.NoError(t, err)

	invoice := protocol.Response{RequestID: "paid", Invoice: &protocol.Invoice{ID: "inv1", AmountSats: 3}}
	assert.True(t, c.Resolve(invoice))
	assert.False(t, c.Resolve(invoice), "same invoice twice")

	first, err := call.Next(context.Background(), time.Second)
	require.NoError(t, err)
	require.True(t, first.AwaitingPayment())
	assert.Equal(t, 1, c.Pending(), "call stays pending across the invoice")

	assert.True(t, c.Resolve(result("paid", `"done"`)))
	final, err := call.Next(context.Background(), time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `"done"`, string(final.Result))
	assert.Zero(t, c.Pending())
}

func TestResolve_ConcurrentWaitersAreIndependent(t *testing.T) {
	c := New()
	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("r%d", i)
		call, err := c.Register(id)
		require.NoError(t, err)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := call.Next(context.Background(), 2*time.Second)
			if err != nil {
				errs <- err
				return
			}
			if string(resp.Result) != fmt.Sprint(i) {
				errs <- fmt.Errorf("call %d got %s", i, resp.Result)
			}
		}(i)
	}
	for i := n - 1; i >= 0; i-- {
		go c.Resolve(result(fmt.Sprintf("r%d", i), fmt.Sprint(i)))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assert.Zero(t, c.Pending())
}
