package payment

import (
	"context"
	"sync"
	"time"

	"agentrelay/internal/protocol"

	"github.com/oklog/ulid/v2"
)

// Ledger is an in-process Wallet: invoices live in memory and paying one
// settles it immediately. Payer and payee must share the same Ledger.
type Ledger struct {
	mu       sync.Mutex
	invoices map[string]protocol.Invoice
	subs     map[chan string]struct{}
	now      func() time.Time
}

func NewLedger() *Ledger {
	return &Ledger{
		invoices: make(map[string]protocol.Invoice),
		subs:     make(map[chan string]struct{}),
		now:      time.Now,
	}
}

func (l *Ledger) MakeInvoice(_ context.Context, amountSats int64, _ string, expiry time.Duration) (protocol.Invoice, error) {
	id := ulid.Make().String()
	inv := protocol.Invoice{
		ID:             id,
		PaymentRequest: paymentRequest(id),
		AmountSats:     amountSats,
		ExpiresAt:      l.now().Add(expiry),
	}
	l.mu.Lock()
	l.invoices[id] = inv
	l.mu.Unlock()
	return inv, nil
}

func (l *Ledger) LookupInvoice(_ context.Context, invoiceID string) (protocol.Invoice, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	inv, ok := l.invoices[invoiceID]
	if !ok {
		return protocol.Invoice{}, ErrUnknownInvoice
	}
	return inv, nil
}

// PayInvoice settles the invoice. Paying a settled invoice again is a no-op.
func (l *Ledger) PayInvoice(_ context.Context, req string) error {
	id, err := invoiceIDFromRequest(req)
	if err != nil {
		return err
	}
	l.mu.Lock()
	inv, ok := l.invoices[id]
	switch {
	case !ok:
		l.mu.Unlock()
		return ErrUnknownInvoice
	case inv.Settled:
		l.mu.Unlock()
		return nil
	case inv.Expired(l.now()):
		l.mu.Unlock()
		return ErrInvoiceExpired
	}
	inv.Settled = true
	l.invoices[id] = inv
	// Sends never block and happen under mu so a subscriber cannot be
	// closed mid-send.
	for ch := range l.subs {
		select {
		case ch <- id:
		default:
		}
	}
	l.mu.Unlock()
	return nil
}

// Settlements yields settled invoice ids and closes when ctx is done.
func (l *Ledger) Settlements(ctx context.Context) <-chan string {
	ch := make(chan string, 64)
	l.mu.Lock()
	l.subs[ch] = struct{}{}
	l.mu.Unlock()
	go func() {
		<-ctx.Done()
		l.mu.Lock()
		delete(l.subs, ch)
		close(ch)
		l.mu.Unlock()
	}()
	return ch
}
