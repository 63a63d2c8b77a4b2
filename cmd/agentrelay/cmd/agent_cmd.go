package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"agentrelay/internal/agent"
	"agentrelay/internal/config"
	"agentrelay/internal/httpapi"
	"agentrelay/internal/identity"
	"agentrelay/internal/mcpclient"
	"agentrelay/internal/protocol"
	"agentrelay/internal/threads"
	"agentrelay/internal/tools/builtin"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func NewAgentCmd() *cobra.Command {
	agentCmd := &cobra.Command{
		Use:   "agent",
		Short: "Serve and chat with agents over relays",
	}
	agentCmd.AddCommand(newAgentServeCmd())
	agentCmd.AddCommand(newAgentDiscoverCmd())
	agentCmd.AddCommand(newAgentChatCmd())
	return agentCmd
}

func newAgentServeCmd() *cobra.Command {
	var httpListen string
	var agentURL string
	var announce bool
	var allow []string

	c := &cobra.Command{
		Use:   "serve",
		Short: "Serve agents over relays: an HTTP agent at --agent-url, or the demo echo and clock agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			n, err := startNode(ctx, cmd)
			if err != nil {
				return err
			}
			defer n.Close()

			allowed := make([]string, 0, len(allow))
			for _, a := range allow {
				pk, err := identity.ParsePublicKey(a)
				if err != nil {
					return err
				}
				allowed = append(allowed, pk)
			}

			opts := agent.Options{
				Filters: agent.NoteFilters{PubKeys: allowed},
				Gate:    n.gate(),
				Logger:  n.log,
			}
			var server *agent.Server
			if remote := firstNonEmpty(agentURL, n.cfg.Agent.URL); remote != "" {
				server = agent.New(n.ch, opts)
				if err := registerHTTPAgent(ctx, server, remote, n.cfg.Agent); err != nil {
					return err
				}
			} else {
				store, err := threads.Open(ctx, n.cfg.Threads.Store, n.cfg.Threads.Path)
				if err != nil {
					return err
				}
				defer store.Close()

				echoName := firstNonEmpty(n.cfg.Agent.Name, "Echo")
				opts.Router = agent.KeywordRouter{Fallback: echoName}
				server = agent.New(n.ch, opts)
				if err := registerDemoAgents(server, store, n.cfg.Agent.Description, echoName, n.cfg.Agent.PriceSats, n.cfg.Threads.History); err != nil {
					return err
				}
			}

			if announce {
				if _, err := server.Announce(ctx); err != nil {
					n.log.Warn("announce failed", "err", err.Error())
				}
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return server.Run(gctx) })
			if listen := firstNonEmpty(httpListen, n.cfg.HTTP.Listen); listen != "" {
				g.Go(func() error { return httpapi.Serve(gctx, listen, httpapi.NewRouter(server, n.log), n.log) })
			}
			n.log.Info("agents running", "agents", len(server.Cards()))
			return g.Wait()
		},
	}
	c.Flags().StringVar(&httpListen, "http", "", "also serve /info and /chat on this address (default: http.listen from config)")
	c.Flags().StringVar(&agentURL, "agent-url", "", "front the HTTP agent at this base URL (default: agent.url from config)")
	c.Flags().BoolVar(&announce, "announce", true, "publish discovery posts on start")
	c.Flags().StringSliceVar(&allow, "allow", nil, "only accept chats from these public keys")
	return c
}

// registerHTTPAgent fronts the agent at baseURL. Name, description and a
// positive price from config override what its /info reports.
func registerHTTPAgent(ctx context.Context, server *agent.Server, baseURL string, cfg config.AgentConfig) error {
	card, call, err := agent.HTTPAgent(ctx, baseURL, nil)
	if err != nil {
		return fmt.Errorf("agent at %s: %w", baseURL, err)
	}
	card.Name = firstNonEmpty(cfg.Name, card.Name)
	card.Description = firstNonEmpty(cfg.Description, card.Description)
	if cfg.PriceSats > 0 {
		card.PriceSats = cfg.PriceSats
	}
	return server.Register(card, call)
}

// registerDemoAgents adds an echo agent that remembers its threads and a
// clock agent chosen for time and date questions.
func registerDemoAgents(server *agent.Server, store threads.Store, description, echoName string, priceSats int64, history int) error {
	echo := threads.Remember(store, history, func(_ context.Context, req agent.ChatRequest) (string, error) {
		return fmt.Sprintf("%s (turn %d)", strings.Join(req.Messages, " "), len(req.History)/2+1), nil
	})
	err := server.Register(protocol.AgentCard{
		Name:        echoName,
		Description: firstNonEmpty(description, "Repeats what you say and counts the turns of the thread"),
		PriceSats:   priceSats,
	}, echo)
	if err != nil {
		return err
	}
	return server.Register(protocol.AgentCard{
		Name:        "Clock",
		Description: "Tells the current local time and date",
		Skills: []protocol.Skill{
			{Name: "current_time", Description: "what time is it now"},
			{Name: "current_date", Description: "what date is today"},
		},
	}, func(ctx context.Context, req agent.ChatRequest) (string, error) {
		return builtin.GetCurrentDatetime(ctx, builtin.NoArgs{})
	})
}

func newAgentDiscoverCmd() *cobra.Command {
	var tag string
	c := &cobra.Command{
		Use:   "discover",
		Short: "List agents advertising under the agent discovery tag",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, n *node, client *mcpclient.Client) error {
				qctx, cancel := context.WithTimeout(ctx, n.cfg.Client.Timeout)
				defer cancel()
				found, err := client.Discover(qctx, firstNonEmpty(tag, protocol.DefaultAgentDiscoveryTag))
				if err != nil {
					return err
				}
				cards := make([]protocol.AgentCard, 0, len(found))
				for _, d := range found {
					card, err := d.AgentCard()
					if err != nil {
						n.log.Debug("unreadable agent card", "pubkey", d.PubKey, "err", err.Error())
						continue
					}
					card.PubKey = d.PubKey
					card.Relays = d.Relays
					cards = append(cards, card)
				}
				return writeJSON(os.Stdout, cards)
			})
		},
	}
	c.Flags().StringVar(&tag, "tag", "", "discovery tag")
	return c
}

func newAgentChatCmd() *cobra.Command {
	var threadID string
	c := &cobra.Command{
		Use:   "chat <agent-pubkey> <message>...",
		Short: "Send a chat message to an agent, paying when it is priced",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer, err := identity.ParsePublicKey(args[0])
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, _ *node, client *mcpclient.Client) error {
				reply, err := client.Chat(ctx, peer, []string{strings.Join(args[1:], " ")}, threadID)
				if err != nil {
					return err
				}
				fmt.Fprintln(os.Stdout, reply.Text)
				fmt.Fprintf(os.Stderr, "thread: %s\n", reply.ThreadID)
				return nil
			})
		},
	}
	c.Flags().StringVar(&threadID, "thread", "", "continue an existing thread")
	return c
}
