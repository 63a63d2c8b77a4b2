package cmd

import (
	"context"
	"io"

	"agentrelay/internal/channel"
	"agentrelay/internal/config"
	"agentrelay/internal/identity"
	"agentrelay/internal/logging"
	"agentrelay/internal/payment"
	"agentrelay/internal/relay"

	"github.com/spf13/cobra"
)

// node is one relay participant: configuration, identity, relay pool and
// encrypted channel, plus the wallet when one is configured.
type node struct {
	cfg    *config.Config
	log    logging.Logger
	id     *identity.Identity
	pool   *relay.Pool
	ch     *channel.Channel
	wallet payment.Wallet
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(config.LoadOptions{ConfigFile: GetConfigFileFlag()})
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// startNode loads config and connects to the relays. The caller must Close
// the node.
func startNode(ctx context.Context, cmd *cobra.Command) (*node, error) {
	log := logging.FromContext(cmd.Context())
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	id, err := cfg.LoadIdentity()
	if err != nil {
		return nil, err
	}
	log = log.With("npub", id.NPub())

	wallet, err := payment.Open(ctx, cfg.Wallet.URL)
	if err != nil {
		return nil, err
	}

	pool, err := relay.NewPool(cfg.Relays, relay.Options{Logger: log})
	if err != nil {
		closeWallet(wallet)
		return nil, err
	}
	if err := pool.Start(ctx); err != nil {
		closeWallet(wallet)
		return nil, err
	}
	log.Info("relays connected", "connected", len(pool.Connected()), "configured", len(pool.Relays()))

	return &node{
		cfg:    cfg,
		log:    log,
		id:     id,
		pool:   pool,
		ch:     channel.New(id, pool, log),
		wallet: wallet,
	}, nil
}

// gate returns a payment gate over the node's wallet, or nil without one.
func (n *node) gate() *payment.Gate {
	if n.wallet == nil {
		return nil
	}
	return payment.NewGate(n.wallet, payment.Options{
		InvoiceExpiry:  n.cfg.Payment.InvoiceExpiry,
		SettlementWait: n.cfg.Payment.SettlementWait,
		PollInterval:   n.cfg.Payment.PollInterval,
		Logger:         n.log,
	})
}

func (n *node) Close() {
	n.pool.Close()
	closeWallet(n.wallet)
}

func closeWallet(w payment.Wallet) {
	if c, ok := w.(io.Closer); ok {
		_ = c.Close()
	}
}
