// Package mcpclient discovers tool servers and agents on the relay network
// and calls them, paying invoices when a call is priced.
package mcpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"agentrelay/internal/channel"
	"agentrelay/internal/correlate"
	"agentrelay/internal/logging"
	"agentrelay/internal/payment"
	"agentrelay/internal/protocol"

	"github.com/google/uuid"
)

type Options struct {
	// Wallet pays invoices. Without one, priced calls fail with
	// protocol.ErrPaymentRequired.
	Wallet payment.Wallet
	// MaxPriceSats refuses invoices above this amount. Zero means no limit.
	MaxPriceSats int64
	Timeout      time.Duration
	// Retries is how many times ListTools is re-sent after a timeout.
	Retries      int
	DiscoveryTag string
	Logger       logging.Logger
}

type Client struct {
	ch   channel.Endpoint
	opts Options
	corr *correlate.Correlator
	log  logging.Logger

	startOnce sync.Once
	started   atomic.Bool
}

// ErrNotStarted is returned by calls made before Start.
var ErrNotStarted = errors.New("mcpclient: Start must be called before making calls")

func New(ch channel.Endpoint, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.DiscoveryTag == "" {
		opts.DiscoveryTag = protocol.DefaultToolDiscoveryTag
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Client{ch: ch, opts: opts, corr: correlate.New(), log: opts.Logger}
}

// Start subscribes to responses addressed to this client and resolves them
// in the background until ctx is done. Calling it more than once is a no-op.
func (c *Client) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		inbox := c.ch.Listen(ctx)
		c.started.Store(true)
		go func() {
			for in := range inbox {
				if in.Response == nil {
					continue
				}
				if !c.corr.Resolve(*in.Response) {
					c.log.Debug("discarded response", "request_id", in.Response.RequestID, "sender", in.Sender)
				}
			}
		}()
	})
}

// Run is Start followed by waiting for ctx.
func (c *Client) Run(ctx context.Context) error {
	c.Start(ctx)
	<-ctx.Done()
	return nil
}

func (c *Client) PublicKey() string { return c.ch.PublicKey() }

// Pending reports outstanding calls.
func (c *Client) Pending() int { return c.corr.Pending() }

// Discover returns one descriptor per server advertising under tag, the
// configured discovery tag when tag is empty. A ctx without a deadline is
// bounded by Timeout.
func (c *Client) Discover(ctx context.Context, tag string) ([]protocol.Descriptor, error) {
	if tag == "" {
		tag = c.opts.DiscoveryTag
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}
	return c.ch.Discover(ctx, tag)
}

// ListTools asks server for its tools, re-sending under a fresh id after a
// timeout up to Retries times.
func (c *Client) ListTools(ctx context.Context, server string) ([]protocol.ToolMetadata, error) {
	var lastErr error
	for attempt := 0; attempt <= c.opts.Retries; attempt++ {
		resp, err := c.roundTrip(ctx, server, protocol.Request{ID: uuid.NewString(), Action: protocol.ActionListTools})
		if errors.Is(err, correlate.ErrTimeout) {
			lastErr = err
			c.log.Debug("list_tools timed out", "server", server, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return nil, err
		}
		var out protocol.ListToolsResult
		if err := json.Unmarshal(resp.Result, &out); err != nil {
			return nil, fmt.Errorf("decode tool list: %w", err)
		}
		return out.Tools, nil
	}
	return nil, lastErr
}

// CallTool calls name on server. When the server answers with an invoice
// the client pays it and keeps waiting on the same request for the result.
func (c *Client) CallTool(ctx context.Context, server, name string, args map[string]any) (json.RawMessage, error) {
	resp, err := c.roundTrip(ctx, server, protocol.Request{
		ID:        uuid.NewString(),
		Action:    protocol.ActionCallTool,
		ToolName:  name,
		Arguments: args,
	})
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// ChatReply is an agent's answer and the thread it belongs to.
type ChatReply struct {
	Text     string
	ThreadID string
}

// Chat sends messages to agent. An empty threadID starts a new thread;
// pass the returned ThreadID to continue it.
func (c *Client) Chat(ctx context.Context, agent string, messages []string, threadID string) (ChatReply, error) {
	if threadID == "" {
		threadID = uuid.NewString()
	}
	resp, err := c.roundTrip(ctx, agent, protocol.Request{
		ID:       uuid.NewString(),
		Action:   protocol.ActionChat,
		Messages: messages,
		ThreadID: threadID,
	})
	if err != nil {
		return ChatReply{}, err
	}
	var text string
	if err := json.Unmarshal(resp.Result, &text); err != nil {
		text = string(resp.Result)
	}
	if resp.ThreadID != "" {
		threadID = resp.ThreadID
	}
	return ChatReply{Text: text, ThreadID: threadID}, nil
}

// roundTrip sends req and waits for its final response, paying at most
// one invoice per distinct invoice id along the way. A response carrying a
// protocol error is returned as that error.
func (c *Client) roundTrip(ctx context.Context, peer string, req protocol.Request) (protocol.Response, error) {
	if !c.started.Load() {
		return protocol.Response{}, ErrNotStarted
	}
	call, err := c.corr.Register(req.ID)
	if err != nil {
		return protocol.Response{}, err
	}
	defer call.Cancel()

	if _, err := c.ch.SendRequest(ctx, peer, req); err != nil {
		return protocol.Response{}, fmt.Errorf("send %s: %w", req.Action, err)
	}
	log := c.log.With("request_id", req.ID, "peer", peer)

	for {
		resp, err := call.Next(ctx, c.opts.Timeout)
		if err != nil {
			return protocol.Response{}, err
		}
		if resp.AwaitingPayment() {
			if err := c.pay(ctx, *resp.Invoice); err != nil {
				return protocol.Response{}, err
			}
			log.Info("invoice paid", "invoice_id", resp.Invoice.ID, "amount_sats", resp.Invoice.AmountSats)
			continue
		}
		if resp.Error != nil {
			return resp, resp.Error
		}
		return resp, nil
	}
}

func (c *Client) pay(ctx context.Context, inv protocol.Invoice) error {
	detail := fmt.Sprintf("invoice %s for %d sats", inv.ID, inv.AmountSats)
	switch {
	case c.opts.Wallet == nil:
		return protocol.NewError(protocol.CodePaymentRequired, protocol.ErrPaymentRequired.Message, detail)
	case c.opts.MaxPriceSats > 0 && inv.AmountSats > c.opts.MaxPriceSats:
		return protocol.NewError(protocol.CodePaymentRequired, "price above configured limit", detail)
	case inv.Expired(time.Now()):
		return protocol.NewError(protocol.CodeInvoiceExpired, protocol.ErrInvoiceExpired.Message, detail)
	}
	if err := c.opts.Wallet.PayInvoice(ctx, inv.PaymentRequest); err != nil {
		if errors.Is(err, payment.ErrInvoiceExpired) {
			return protocol.NewError(protocol.CodeInvoiceExpired, protocol.ErrInvoiceExpired.Message, detail)
		}
		return fmt.Errorf("pay %s: %w", detail, err)
	}
	return nil
}
