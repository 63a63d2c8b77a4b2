// Package payment mints invoices for priced calls, confirms their
// settlement and pays invoices on the client side.
package payment

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"agentrelay/internal/protocol"
)

var (
	ErrUnknownInvoice      = errors.New("payment: unknown invoice")
	ErrInvoiceExpired      = errors.New("payment: invoice expired")
	ErrUnsupportedWallet   = errors.New("payment: unsupported wallet connection")
	ErrMalformedPayRequest = errors.New("payment: malformed payment request")
)

// Wallet is the settlement service behind a Gate and the payer used by
// clients. Implementations must be safe for concurrent use.
type Wallet interface {
	MakeInvoice(ctx context.Context, amountSats int64, memo string, expiry time.Duration) (protocol.Invoice, error)
	LookupInvoice(ctx context.Context, invoiceID string) (protocol.Invoice, error)
	PayInvoice(ctx context.Context, paymentRequest string) error
}

// Notifier is implemented by wallets that push settlement notices. The
// returned channel yields settled invoice ids until ctx is done.
type Notifier interface {
	Settlements(ctx context.Context) <-chan string
}

const requestPrefix = "agentrelay:invoice:"

func paymentRequest(id string) string { return requestPrefix + id }

func invoiceIDFromRequest(req string) (string, error) {
	id, ok := strings.CutPrefix(strings.TrimSpace(req), requestPrefix)
	if !ok || id == "" {
		return "", fmt.Errorf("%w: %q", ErrMalformedPayRequest, req)
	}
	return id, nil
}

// Open returns the wallet for a connection string. An empty string means no
// wallet. memory:// is a process-local ledger; redis:// and rediss:// share
// one ledger between processes.
func Open(ctx context.Context, conn string) (Wallet, error) {
	conn = strings.TrimSpace(conn)
	if conn == "" {
		return nil, nil
	}
	u, err := url.Parse(conn)
	if err != nil {
		return nil, fmt.Errorf("wallet url: %w", err)
	}
	switch u.Scheme {
	case "memory":
		return NewLedger(), nil
	case "redis", "rediss":
		return NewRedisLedger(ctx, conn)
	default:
		return nil, fmt.Errorf("%w: scheme %q", ErrUnsupportedWallet, u.Scheme)
	}
}
