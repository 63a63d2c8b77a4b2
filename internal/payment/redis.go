package payment

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"agentrelay/internal/protocol"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

const (
	settledChannel = "agentrelay:invoice:settled"
	// Records outlive their expiry so late lookups still resolve.
	invoiceRetention = time.Hour
)

// RedisLedger is a Wallet whose invoices live in redis, so a payer and a
// payee in different processes settle against the same record.
type RedisLedger struct {
	client *redis.Client
}

func NewRedisLedger(ctx context.Context, redisURL string) (*RedisLedger, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ledger: %w", err)
	}
	return &RedisLedger{client: client}, nil
}

func (l *RedisLedger) Close() error { return l.client.Close() }

func invoiceKey(id string) string { return "agentrelay:invoice:" + id }

func settledKey(id string) string { return "agentrelay:invoice:" + id + ":settled" }

func (l *RedisLedger) MakeInvoice(ctx context.Context, amountSats int64, memo string, expiry time.Duration) (protocol.Invoice, error) {
	id := ulid.Make().String()
	inv := protocol.Invoice{
		ID:             id,
		PaymentRequest: paymentRequest(id),
		AmountSats:     amountSats,
		ExpiresAt:      time.Now().Add(expiry).UTC(),
	}
	key := invoiceKey(id)
	pipe := l.client.TxPipeline()
	pipe.HSet(ctx, key,
		"amount_sats", amountSats,
		"expires_at", inv.ExpiresAt.UnixMilli(),
		"memo", memo,
	)
	pipe.Expire(ctx, key, expiry+invoiceRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return protocol.Invoice{}, err
	}
	return inv, nil
}

func (l *RedisLedger) LookupInvoice(ctx context.Context, invoiceID string) (protocol.Invoice, error) {
	fields, err := l.client.HGetAll(ctx, invoiceKey(invoiceID)).Result()
	if err != nil {
		return protocol.Invoice{}, err
	}
	if len(fields) == 0 {
		return protocol.Invoice{}, ErrUnknownInvoice
	}
	amount, _ := strconv.ParseInt(fields["amount_sats"], 10, 64)
	expiresMs, _ := strconv.ParseInt(fields["expires_at"], 10, 64)
	settled, err := l.client.Exists(ctx, settledKey(invoiceID)).Result()
	if err != nil {
		return protocol.Invoice{}, err
	}
	return protocol.Invoice{
		ID:             invoiceID,
		PaymentRequest: paymentRequest(invoiceID),
		AmountSats:     amount,
		ExpiresAt:      time.UnixMilli(expiresMs).UTC(),
		Settled:        settled > 0,
	}, nil
}

// PayInvoice marks the invoice settled with SETNX so concurrent payers
// settle it once, then announces the settlement.
func (l *RedisLedger) PayInvoice(ctx context.Context, req string) error {
	id, err := invoiceIDFromRequest(req)
	if err != nil {
		return err
	}
	inv, err := l.LookupInvoice(ctx, id)
	if err != nil {
		return err
	}
	if inv.Settled {
		return nil
	}
	if inv.Expired(time.Now()) {
		return ErrInvoiceExpired
	}
	ok, err := l.client.SetNX(ctx, settledKey(id), time.Now().UTC().Format(time.RFC3339Nano), time.Until(inv.ExpiresAt)+invoiceRetention).Result()
	if err != nil {
		return err
	}
	if ok {
		// Gates also poll, so a lost notice only delays them.
		_ = l.client.Publish(ctx, settledChannel, id).Err()
	}
	return nil
}

func (l *RedisLedger) Settlements(ctx context.Context) <-chan string {
	out := make(chan string, 64)
	sub := l.client.Subscribe(ctx, settledChannel)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				default:
				}
			}
		}
	}()
	return out
}
