package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agentrelay/internal/channel"
	"agentrelay/internal/payment"
	"agentrelay/internal/protocol"
	"agentrelay/internal/tools"
	"agentrelay/internal/tools/builtin"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	resps []protocol.Response
	on    func(protocol.Response)
}

func (r *recorder) reply(_ context.Context, resp protocol.Response) error {
	r.mu.Lock()
	r.resps = append(r.resps, resp)
	r.mu.Unlock()
	if r.on != nil {
		r.on(resp)
	}
	return nil
}

func (r *recorder) all() []protocol.Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Response(nil), r.resps...)
}

func mathServer(t *testing.T, opts Options) *Server {
	t.Helper()
	s := New(nil, opts)
	ts, err := builtin.Math(0)
	require.NoError(t, err)
	for _, tool := range ts {
		require.NoError(t, s.AddTool(tool))
	}
	return s
}

func TestHandle_ListToolsReturnsExactlyRegistered(t *testing.T) {
	s := New(nil, Options{})
	for _, name := range []string{"A", "B", "C"} {
		price := int64(0)
		if name == "B" {
			price = 7
		}
		tool, err := tools.New(func(context.Context, map[string]any) (any, error) { return nil, nil }, tools.WithName(name), tools.WithPrice(price))
		require.NoError(t, err)
		require.NoError(t, s.AddTool(tool))
	}

	var rec recorder
	s.Handle(context.Background(), protocol.Request{ID: "1", Action: protocol.ActionListTools}, rec.reply)

	resps := rec.all()
	require.Len(t, resps, 1)
	var got protocol.ListToolsResult
	require.NoError(t, json.Unmarshal(resps[0].Result, &got))
	var names []string
	for _, m := range got.Tools {
		names = append(names, m.Name)
	}
	assert.ElementsMatch(t, []string{"A", "B", "C"}, names)
}

func TestHandle_FreeToolRunsImmediately(t *testing.T) {
	s := mathServer(t, Options{})
	var rec recorder
	s.Handle(context.Background(), protocol.Request{
		ID: "r", Action: protocol.ActionCallTool, ToolName: "add", ThreadID: "th",
		Arguments: map[string]any{"a": float64(2), "b": float64(3)},
	}, rec.reply)

	resps := rec.all()
	require.Len(t, resps, 1)
	assert.Equal(t, "r", resps[0].RequestID)
	assert.Equal(t, "th", resps[0].ThreadID)
	assert.Nil(t, resps[0].Invoice)
	assert.JSONEq(t, "5", string(resps[0].Result))
}

func TestHandle_ErrorsAreDeliveredInResponse(t *testing.T) {
	s := mathServer(t, Options{})
	cases := []struct {
		req  protocol.Request
		want *protocol.Error
	}{
		{protocol.Request{ID: "1", Action: protocol.ActionCallTool, ToolName: "nope"}, protocol.ErrUnknownTool},
		{protocol.Request{ID: "2", Action: protocol.ActionCallTool, ToolName: "add", Arguments: map[string]any{"a": "x"}}, protocol.ErrInvalidArguments},
		{protocol.Request{ID: "3", Action: protocol.ActionCallTool, ToolName: "divide", Arguments: map[string]any{"a": float64(1), "b": float64(0)}}, protocol.ErrToolExecution},
		{protocol.Request{ID: "4", Action: protocol.ActionChat, Messages: []string{"hi"}}, protocol.ErrUnsupportedAction},
	}
	for _, tc := range cases {
		t.Run(tc.req.ID, func(t *testing.T) {
			var rec recorder
			s.Handle(context.Background(), tc.req, rec.reply)
			resps := rec.all()
			require.Len(t, resps, 1)
			require.NotNil(t, resps[0].Error)
			assert.True(t, errors.Is(resps[0].Error, tc.want), "got %v", resps[0].Error)
		})
	}
}

func TestHandle_PricedToolRunsOnceAfterSettlement(t *testing.T) {
	ledger := payment.NewLedger()
	gate := payment.NewGate(ledger, payment.Options{PollInterval: 10 * time.Millisecond})
	s := New(nil, Options{Gate: gate})

	var runs atomic.Int32
	tool, err := tools.New(func(context.Context, map[string]any) (any, error) {
		runs.Add(1)
		return "paid result", nil
	}, tools.WithName("premium"), tools.WithPrice(3))
	require.NoError(t, err)
	require.NoError(t, s.AddTool(tool))

	rec := recorder{on: func(resp protocol.Response) {
		if resp.AwaitingPayment() {
			go func() { _ = ledger.PayInvoice(context.Background(), resp.Invoice.PaymentRequest) }()
		}
	}}
	s.Handle(context.Background(), protocol.Request{ID: "p", Action: protocol.ActionCallTool, ToolName: "premium"}, rec.reply)

	resps := rec.all()
	require.Len(t, resps, 2)
	require.True(t, resps[0].AwaitingPayment())
	assert.Equal(t, int64(3), resps[0].Invoice.AmountSats)
	assert.Equal(t, "p", resps[1].RequestID)
	assert.JSONEq(t, `"paid result"`, string(resps[1].Result))
	require.NotNil(t, resps[1].Invoice)
	assert.True(t, resps[1].Invoice.Settled)
	assert.Equal(t, int32(1), runs.Load())
}

func TestHandle_UnpaidInvoiceExpiresWithoutRunning(t *testing.T) {
	gate := payment.NewGate(payment.NewLedger(), payment.Options{InvoiceExpiry: 50 * time.Millisecond, PollInterval: 10 * time.Millisecond})
	s := New(nil, Options{Gate: gate})
	var runs atomic.Int32
	tool, err := tools.New(func(context.Context, map[string]any) (any, error) {
		runs.Add(1)
		return nil, nil
	}, tools.WithName("premium"), tools.WithPrice(3))
	require.NoError(t, err)
	require.NoError(t, s.AddTool(tool))

	var rec recorder
	s.Handle(context.Background(), protocol.Request{ID: "p", Action: protocol.ActionCallTool, ToolName: "premium"}, rec.reply)

	resps := rec.all()
	require.Len(t, resps, 2)
	assert.True(t, errors.Is(resps[1].Error, protocol.ErrInvoiceExpired))
	assert.Zero(t, runs.Load())
}

func TestHandle_PricedToolWithoutGate(t *testing.T) {
	s := New(nil, Options{})
	tool, err := tools.New(func(context.Context, map[string]any) (any, error) { return nil, nil }, tools.WithName("premium"), tools.WithPrice(3))
	require.NoError(t, err)
	require.NoError(t, s.AddTool(tool))

	var rec recorder
	s.Handle(context.Background(), protocol.Request{ID: "p", Action: protocol.ActionCallTool, ToolName: "premium"}, rec.reply)
	resps := rec.all()
	require.Len(t, resps, 1)
	assert.True(t, errors.Is(resps[0].Error, protocol.ErrPaymentUnavailable))

	assert.ErrorIs(t, s.Run(context.Background()), ErrGateRequired)
}

func TestHandle_ConcurrentUnknownToolsAreIndependent(t *testing.T) {
	s := mathServer(t, Options{})
	var wg sync.WaitGroup
	results := make([]protocol.Response, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var rec recorder
			s.Handle(context.Background(), protocol.Request{
				ID: fmt.Sprintf("req-%d", i), Action: protocol.ActionCallTool, ToolName: "missing", ThreadID: fmt.Sprintf("t-%d", i),
			}, rec.reply)
			results[i] = rec.all()[0]
		}(i)
	}
	wg.Wait()
	for i, resp := range results {
		assert.Equal(t, fmt.Sprintf("req-%d", i), resp.RequestID)
		assert.Equal(t, fmt.Sprintf("t-%d", i), resp.ThreadID)
		assert.True(t, errors.Is(resp.Error, protocol.ErrUnknownTool))
	}
}

// scriptedEndpoint replays a fixed set of inbound messages and records
// every response sent.
type scriptedEndpoint struct {
	inbound []channel.Inbound

	mu   sync.Mutex
	sent map[string][]protocol.Response
}

func (e *scriptedEndpoint) PublicKey() string { return "server" }
func (e *scriptedEndpoint) Relays() []string  { return nil }

func (e *scriptedEndpoint) Listen(ctx context.Context) <-chan channel.Inbound {
	out := make(chan channel.Inbound, len(e.inbound))
	for _, in := range e.inbound {
		out <- in
	}
	close(out)
	return out
}

func (e *scriptedEndpoint) SendRequest(context.Context, string, protocol.Request) (string, error) {
	return "", errors.New("not supported")
}

func (e *scriptedEndpoint) SendResponse(_ context.Context, recipient string, resp protocol.Response) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sent == nil {
		e.sent = map[string][]protocol.Response{}
	}
	e.sent[recipient] = append(e.sent[recipient], resp)
	return resp.RequestID, nil
}

func (e *scriptedEndpoint) Announce(context.Context, string, any) (string, error) { return "", nil }

func (e *scriptedEndpoint) Discover(context.Context, string) ([]protocol.Descriptor, error) {
	return nil, nil
}

func TestRun_RedeliveredRequestRunsOnce(t *testing.T) {
	req := protocol.Request{ID: "same", Action: protocol.ActionCallTool, ToolName: "bump"}
	ep := &scriptedEndpoint{inbound: []channel.Inbound{
		{Sender: "alice", EventID: "e1", Request: &req},
		{Sender: "alice", EventID: "e1", Request: &req},
		{Sender: "alice", EventID: "e2", Request: &req},
		{Sender: "bob", EventID: "e3", Request: &req},
	}}

	var runs atomic.Int32
	s := New(ep, Options{})
	tool, err := tools.New(func(context.Context, map[string]any) (any, error) {
		return runs.Add(1), nil
	}, tools.WithName("bump"))
	require.NoError(t, err)
	require.NoError(t, s.AddTool(tool))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	assert.EqualValues(t, 2, runs.Load(), "one run per (sender, request id)")
	ep.mu.Lock()
	defer ep.mu.Unlock()
	assert.Len(t, ep.sent["alice"], 1)
	assert.Len(t, ep.sent["bob"], 1)
}
