package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"agentrelay/internal/config"
	"agentrelay/internal/logging"
	"agentrelay/internal/relayd"

	"github.com/spf13/cobra"
)

func NewRelayCmd() *cobra.Command {
	relayCmd := &cobra.Command{
		Use:   "relay",
		Short: "Development relay node",
	}
	relayCmd.AddCommand(newRelayServeCmd())
	return relayCmd
}

func newRelayServeCmd() *cobra.Command {
	var listen string
	var redisURL string
	var redisChannel string
	var instanceID string
	var maxEvents int

	c := &cobra.Command{
		Use:   "serve",
		Short: "Start a websocket relay (optional redis fan-out between instances)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// The relay needs no identity, so only file defaults are applied.
			cfg, err := config.Load(config.LoadOptions{ConfigFile: GetConfigFileFlag()})
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("listen") {
				listen = cfg.RelayServer.Listen
			}
			if !cmd.Flags().Changed("redis-url") {
				redisURL = cfg.RelayServer.RedisURL
			}
			if !cmd.Flags().Changed("max-events") {
				maxEvents = cfg.RelayServer.MaxEvents
			}

			server := relayd.New(relayd.Options{
				ListenAddr:   listen,
				MaxEvents:    maxEvents,
				RedisURL:     redisURL,
				RedisChannel: redisChannel,
				InstanceID:   instanceID,
				Logger:       logging.FromContext(cmd.Context()),
			})
			return server.Run(ctx)
		},
	}
	c.Flags().StringVar(&listen, "listen", ":7447", "listen address")
	c.Flags().StringVar(&redisURL, "redis-url", "", "redis connection URL for multi-instance fan-out (optional)")
	c.Flags().StringVar(&redisChannel, "redis-channel", "agentrelay:events", "redis pub/sub channel for fan-out")
	c.Flags().StringVar(&instanceID, "instance-id", "", "relay instance id (default: auto)")
	c.Flags().IntVar(&maxEvents, "max-events", 10000, "events kept in memory for replay")
	return c
}
