package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"agentrelay/internal/dedupe"
	"agentrelay/internal/logging"
	"agentrelay/internal/metrics"
	"agentrelay/internal/protocol"
)

type Options struct {
	InvoiceExpiry time.Duration
	// SettlementWait bounds how long a call waits for payment. It never
	// extends past the invoice expiry.
	SettlementWait time.Duration
	PollInterval   time.Duration
	Logger         logging.Logger
}

func (o Options) withDefaults() Options {
	if o.InvoiceExpiry <= 0 {
		o.InvoiceExpiry = 10 * time.Minute
	}
	if o.SettlementWait <= 0 || o.SettlementWait > o.InvoiceExpiry {
		o.SettlementWait = o.InvoiceExpiry
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
	return o
}

type pendingInvoice struct {
	invoice protocol.Invoice
	settled bool
	wake    chan struct{}
}

// Gate issues invoices for priced work and lets that work run at most once
// per settled invoice. It is owned by one server instance.
type Gate struct {
	wallet Wallet
	opts   Options
	log    logging.Logger

	mu      sync.Mutex
	pending map[string]*pendingInvoice
	claimed *dedupe.Set
}

func NewGate(wallet Wallet, opts Options) *Gate {
	opts = opts.withDefaults()
	return &Gate{
		wallet:  wallet,
		opts:    opts,
		log:     opts.Logger,
		pending: make(map[string]*pendingInvoice),
		claimed: dedupe.New(2*opts.InvoiceExpiry, 0),
	}
}

// Run forwards push notifications from the wallet, when it has them, to
// waiting calls. Without it the gate relies on polling alone. Run returns
// when ctx is done.
func (g *Gate) Run(ctx context.Context) {
	n, ok := g.wallet.(Notifier)
	if !ok {
		return
	}
	settled := n.Settlements(ctx)
	for {
		var id string
		select {
		case <-ctx.Done():
			return
		case id, ok = <-settled:
			if !ok {
				return
			}
		}
		g.mu.Lock()
		p := g.pending[id]
		g.mu.Unlock()
		if p == nil {
			continue
		}
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
}

func (g *Gate) Issue(ctx context.Context, amountSats int64, memo string) (protocol.Invoice, error) {
	if amountSats <= 0 {
		return protocol.Invoice{}, fmt.Errorf("payment: invoice amount must be positive, got %d", amountSats)
	}
	inv, err := g.wallet.MakeInvoice(ctx, amountSats, memo, g.opts.InvoiceExpiry)
	if err != nil {
		return protocol.Invoice{}, fmt.Errorf("make invoice: %w", err)
	}
	g.mu.Lock()
	g.pending[inv.ID] = &pendingInvoice{invoice: inv, wake: make(chan struct{}, 1)}
	g.mu.Unlock()
	metrics.Invoices.WithLabelValues("issued").Inc()
	g.log.Debug("invoice issued", "invoice_id", inv.ID, "amount_sats", amountSats)
	return inv, nil
}

// AwaitSettlement blocks until the invoice is settled, returning an error
// matching protocol.ErrInvoiceExpired once the settlement window closes.
func (g *Gate) AwaitSettlement(ctx context.Context, invoiceID string) error {
	g.mu.Lock()
	p := g.pending[invoiceID]
	g.mu.Unlock()
	if p == nil {
		return ErrUnknownInvoice
	}

	deadline := time.Now().Add(g.opts.SettlementWait)
	if !p.invoice.ExpiresAt.IsZero() && p.invoice.ExpiresAt.Before(deadline) {
		deadline = p.invoice.ExpiresAt
	}
	ticker := time.NewTicker(g.opts.PollInterval)
	defer ticker.Stop()
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for {
		inv, err := g.wallet.LookupInvoice(ctx, invoiceID)
		switch {
		case err != nil && !errors.Is(err, context.Canceled):
			g.log.Warn("invoice lookup failed", "invoice_id", invoiceID, "err", err.Error())
		case err == nil && inv.Settled:
			g.mu.Lock()
			p.settled = true
			g.mu.Unlock()
			metrics.Invoices.WithLabelValues("settled").Inc()
			return nil
		}

		select {
		case <-ctx.Done():
			g.forget(invoiceID)
			return ctx.Err()
		case <-timer.C:
			g.forget(invoiceID)
			metrics.Invoices.WithLabelValues("expired").Inc()
			return protocol.NewError(protocol.CodeInvoiceExpired, protocol.ErrInvoiceExpired.Message, invoiceID)
		case <-ticker.C:
		case <-p.wake:
		}
	}
}

// Claim reports true exactly once for a settled invoice. Work guarded by a
// successful Claim runs at most once per payment.
func (g *Gate) Claim(invoiceID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	p := g.pending[invoiceID]
	if p == nil || !p.settled || !g.claimed.Add(invoiceID) {
		return false
	}
	delete(g.pending, invoiceID)
	metrics.Invoices.WithLabelValues("claimed").Inc()
	return true
}

// Charge issues an invoice for amountSats, hands it to present (which
// delivers it to the payer), waits for settlement and claims it. A nil
// return means the caller may now run the paid work once.
func (g *Gate) Charge(ctx context.Context, amountSats int64, memo string, present func(context.Context, protocol.Invoice) error) error {
	inv, err := g.Issue(ctx, amountSats, memo)
	if err != nil {
		return err
	}
	if err := present(ctx, inv); err != nil {
		g.forget(inv.ID)
		return fmt.Errorf("present invoice: %w", err)
	}
	if err := g.AwaitSettlement(ctx, inv.ID); err != nil {
		return err
	}
	if !g.Claim(inv.ID) {
		return fmt.Errorf("payment: invoice %s already claimed", inv.ID)
	}
	return nil
}

// Pending returns the number of invoices issued but not yet claimed or
// expired.
func (g *Gate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

func (g *Gate) forget(invoiceID string) {
	g.mu.Lock()
	delete(g.pending, invoiceID)
	g.mu.Unlock()
}
