// Package mcpbridge exposes the tools of a remote relay tool server to a
// local MCP host, so editors and agent runtimes can call them like any
// other MCP server.
package mcpbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"agentrelay/internal/logging"
	"agentrelay/internal/protocol"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RemoteTools is the client side of a relay tool server.
type RemoteTools interface {
	ListTools(ctx context.Context, server string) ([]protocol.ToolMetadata, error)
	CallTool(ctx context.Context, server, name string, args map[string]any) (json.RawMessage, error)
}

type Options struct {
	Name    string
	Version string
	Logger  logging.Logger
}

type Bridge struct {
	remote RemoteTools
	server string
	opts   Options
	log    logging.Logger
}

// New bridges the tools of the relay server with public key server.
func New(remote RemoteTools, server string, opts Options) *Bridge {
	if opts.Name == "" {
		opts.Name = "agentrelay-bridge"
	}
	if opts.Version == "" {
		opts.Version = "1.0.0"
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Bridge{remote: remote, server: server, opts: opts, log: opts.Logger.With("server", server)}
}

// Build lists the remote tools once and returns an MCP server forwarding
// each of them.
func (b *Bridge) Build(ctx context.Context) (*mcp.Server, error) {
	tools, err := b.remote.ListTools(ctx, b.server)
	if err != nil {
		return nil, fmt.Errorf("list remote tools: %w", err)
	}
	srv := mcp.NewServer(&mcp.Implementation{Name: b.opts.Name, Version: b.opts.Version}, nil)
	for _, t := range tools {
		srv.AddTool(mcpTool(t), b.forward(t.Name))
	}
	b.log.Info("bridging remote tools", "count", len(tools))
	return srv, nil
}

// Serve builds the server and runs it over stdin/stdout until ctx is done
// or the host disconnects.
func (b *Bridge) Serve(ctx context.Context) error {
	srv, err := b.Build(ctx)
	if err != nil {
		return err
	}
	return srv.Run(ctx, &mcp.StdioTransport{})
}

func mcpTool(t protocol.ToolMetadata) *mcp.Tool {
	desc := t.Description
	if t.PriceSats > 0 {
		desc = fmt.Sprintf("%s (costs %d sats)", desc, t.PriceSats)
	}
	var schema any = map[string]any{"type": "object"}
	if t.InputSchema != nil {
		schema = t.InputSchema
	}
	return &mcp.Tool{Name: t.Name, Description: desc, InputSchema: schema}
}

func (b *Bridge) forward(name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := map[string]any{}
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
			}
		}
		result, err := b.remote.CallTool(ctx, b.server, name, args)
		if err != nil {
			var perr *protocol.Error
			if errors.As(err, &perr) {
				b.log.Info("remote tool error", "tool", name, "code", perr.Code)
			} else {
				b.log.Warn("remote call failed", "tool", name, "err", err.Error())
			}
			return errorResult(err.Error()), nil
		}
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(result)}}}, nil
	}
}

func errorResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{IsError: true, Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}
