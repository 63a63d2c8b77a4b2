package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"agentrelay/internal/identity"
	"agentrelay/internal/mcpbridge"
	"agentrelay/internal/mcpclient"
	"agentrelay/internal/mcpserver"
	"agentrelay/internal/tools"
	"agentrelay/internal/tools/builtin"

	"github.com/spf13/cobra"
)

func NewMCPCmd() *cobra.Command {
	mcpCmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve and call tools over relays",
	}
	mcpCmd.AddCommand(newMCPServeCmd())
	mcpCmd.AddCommand(newMCPDiscoverCmd())
	mcpCmd.AddCommand(newMCPListCmd())
	mcpCmd.AddCommand(newMCPCallCmd())
	mcpCmd.AddCommand(newMCPBridgeCmd())
	return mcpCmd
}

func newMCPServeCmd() *cobra.Command {
	var name, about string
	var mathPrice, datetimePrice int64
	var announce bool

	c := &cobra.Command{
		Use:   "serve",
		Short: "Serve the built-in math and datetime tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			n, err := startNode(ctx, cmd)
			if err != nil {
				return err
			}
			defer n.Close()

			server := mcpserver.New(n.ch, mcpserver.Options{
				Name:         name,
				About:        about,
				DiscoveryTag: n.cfg.Discovery.Tag,
				Gate:         n.gate(),
				Logger:       n.log,
			})
			groups := []struct {
				build func(int64) ([]*tools.Tool, error)
				price int64
			}{
				{builtin.Math, mathPrice},
				{builtin.Datetime, datetimePrice},
			}
			for _, g := range groups {
				ts, err := g.build(g.price)
				if err != nil {
					return err
				}
				for _, t := range ts {
					if err := server.AddTool(t); err != nil {
						return err
					}
				}
			}

			if announce {
				if _, err := server.Announce(ctx); err != nil {
					n.log.Warn("announce failed", "err", err.Error())
				}
			}
			n.log.Info("tool server running", "tools", len(server.ListTools()), "discovery_tag", n.cfg.Discovery.Tag)
			return server.Run(ctx)
		},
	}
	c.Flags().StringVar(&name, "name", "agentrelay tools", "server name in the discovery post")
	c.Flags().StringVar(&about, "about", "Math and datetime tools", "server description in the discovery post")
	c.Flags().Int64Var(&mathPrice, "math-price", 0, "price in sats for each math tool")
	c.Flags().Int64Var(&datetimePrice, "datetime-price", 0, "price in sats for each datetime tool")
	c.Flags().BoolVar(&announce, "announce", true, "publish a discovery post on start")
	return c
}

// withClient starts a node and a client on it for the duration of fn.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, n *node, client *mcpclient.Client) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := startNode(ctx, cmd)
	if err != nil {
		return err
	}
	defer n.Close()

	client := mcpclient.New(n.ch, mcpclient.Options{
		Wallet:       n.wallet,
		MaxPriceSats: n.cfg.Client.MaxPriceSats,
		Timeout:      n.cfg.Client.Timeout,
		Retries:      n.cfg.Client.Retries,
		DiscoveryTag: n.cfg.Discovery.Tag,
		Logger:       n.log,
	})
	client.Start(ctx)
	return fn(ctx, n, client)
}

func newMCPDiscoverCmd() *cobra.Command {
	var tag string
	c := &cobra.Command{
		Use:   "discover",
		Short: "List tool servers advertising under the discovery tag",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, n *node, client *mcpclient.Client) error {
				qctx, cancel := context.WithTimeout(ctx, n.cfg.Client.Timeout)
				defer cancel()
				found, err := client.Discover(qctx, tag)
				if err != nil {
					return err
				}
				return writeJSON(os.Stdout, found)
			})
		},
	}
	c.Flags().StringVar(&tag, "tag", "", "discovery tag (default: discovery.tag from config)")
	return c
}

func newMCPListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <server-pubkey>",
		Short: "List the tools of a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			server, err := identity.ParsePublicKey(args[0])
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, _ *node, client *mcpclient.Client) error {
				list, err := client.ListTools(ctx, server)
				if err != nil {
					return err
				}
				return writeJSON(os.Stdout, list)
			})
		},
	}
}

func newMCPCallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "call <server-pubkey> <tool> [json-arguments]",
		Short: "Call a tool, paying its invoice when priced",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			server, err := identity.ParsePublicKey(args[0])
			if err != nil {
				return err
			}
			raw := ""
			if len(args) == 3 {
				raw = args[2]
			}
			toolArgs, err := parseArgs(raw)
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, _ *node, client *mcpclient.Client) error {
				result, err := client.CallTool(ctx, server, args[1], toolArgs)
				if err != nil {
					return err
				}
				fmt.Fprintln(os.Stdout, string(result))
				return nil
			})
		},
	}
}

func newMCPBridgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bridge <server-pubkey>",
		Short: "Expose a relay tool server as a local MCP server on stdio",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			server, err := identity.ParsePublicKey(args[0])
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, n *node, client *mcpclient.Client) error {
				return mcpbridge.New(client, server, mcpbridge.Options{Logger: n.log}).Serve(ctx)
			})
		},
	}
}
