// Package mcpserver answers list_tools and call_tool requests arriving as
// encrypted direct messages, charging for priced tools before running them.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"agentrelay/internal/channel"
	"agentrelay/internal/dedupe"
	"agentrelay/internal/logging"
	"agentrelay/internal/metrics"
	"agentrelay/internal/payment"
	"agentrelay/internal/protocol"
	"agentrelay/internal/tools"
)

// ErrGateRequired is returned by Run when a priced tool is registered but
// no payment gate is configured.
var ErrGateRequired = errors.New("mcpserver: priced tools need a payment gate")

type Options struct {
	Name         string
	About        string
	DiscoveryTag string
	Gate         *payment.Gate
	// DedupeTTL is how long a (sender, request id) pair is remembered so a
	// redelivered request is not run twice.
	DedupeTTL time.Duration
	Logger    logging.Logger
}

// Replier delivers a response to the requester.
type Replier func(ctx context.Context, resp protocol.Response) error

type Server struct {
	ch    channel.Endpoint
	opts  Options
	tools *tools.Registry
	seen  *dedupe.Set
	log   logging.Logger

	wg sync.WaitGroup
}

func New(ch channel.Endpoint, opts Options) *Server {
	if opts.DiscoveryTag == "" {
		opts.DiscoveryTag = protocol.DefaultToolDiscoveryTag
	}
	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = 30 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Server{
		ch:    ch,
		opts:  opts,
		tools: tools.NewRegistry(),
		seen:  dedupe.New(opts.DedupeTTL, 0),
		log:   opts.Logger,
	}
}

func (s *Server) AddTool(t *tools.Tool) error { return s.tools.Add(t) }

func (s *Server) ListTools() []protocol.ToolMetadata { return s.tools.List() }

func (s *Server) Card() protocol.ServerCard {
	return protocol.ServerCard{
		Name:   s.opts.Name,
		About:  s.opts.About,
		PubKey: s.ch.PublicKey(),
		Relays: s.ch.Relays(),
		Tools:  s.tools.List(),
	}
}

// Announce publishes the server card under the discovery tag.
func (s *Server) Announce(ctx context.Context) (string, error) {
	return s.ch.Announce(ctx, s.opts.DiscoveryTag, s.Card())
}

// Run serves requests until ctx is done. Each request runs on its own
// goroutine so a slow tool never stalls the listening loop.
func (s *Server) Run(ctx context.Context) error {
	if s.tools.Priced() && s.opts.Gate == nil {
		return ErrGateRequired
	}
	if s.opts.Gate != nil {
		go s.opts.Gate.Run(ctx)
	}

	s.log.Info("mcp server listening", "pubkey", s.ch.PublicKey(), "tools", s.tools.Len())
	for in := range s.ch.Listen(ctx) {
		if in.Request == nil {
			continue
		}
		if !s.seen.Add(in.Sender + "/" + in.Request.ID) {
			s.log.Debug("duplicate request", "request_id", in.Request.ID, "sender", in.Sender)
			continue
		}
		sender, req := in.Sender, *in.Request
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.Handle(ctx, req, func(ctx context.Context, resp protocol.Response) error {
				_, err := s.ch.SendResponse(ctx, sender, resp)
				return err
			})
		}()
	}
	s.wg.Wait()
	return nil
}

// Handle runs one request to completion and replies through reply. Every
// request gets exactly one final response; a priced call is preceded by an
// interim response carrying the invoice.
func (s *Server) Handle(ctx context.Context, req protocol.Request, reply Replier) {
	log := s.log.With("request_id", req.ID, "action", req.Action)
	respond := func(resp protocol.Response, outcome string) {
		resp.RequestID = req.ID
		resp.ThreadID = req.ThreadID
		metrics.RequestsHandled.WithLabelValues(req.Action, outcome).Inc()
		if err := reply(ctx, resp); err != nil {
			log.Warn("reply failed", "err", err.Error())
		}
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("handler panic", "panic", fmt.Sprint(r))
			respond(protocol.Response{Error: protocol.NewError(protocol.CodeToolExecution, "internal error", fmt.Sprint(r))}, "panic")
		}
	}()

	switch req.Action {
	case protocol.ActionListTools:
		result, err := json.Marshal(protocol.ListToolsResult{Tools: s.tools.List()})
		if err != nil {
			respond(protocol.Response{Error: toolError(err)}, "error")
			return
		}
		respond(protocol.Response{Result: result}, "ok")
	case protocol.ActionCallTool:
		s.callTool(ctx, req, log, respond)
	default:
		respond(protocol.Response{Error: protocol.NewError(protocol.CodeUnsupportedAction, protocol.ErrUnsupportedAction.Message, req.Action)}, "unsupported")
	}
}

func (s *Server) callTool(ctx context.Context, req protocol.Request, log logging.Logger, respond func(protocol.Response, string)) {
	tool, ok := s.tools.Get(req.ToolName)
	if !ok {
		respond(protocol.Response{Error: protocol.NewError(protocol.CodeUnknownTool, protocol.ErrUnknownTool.Message, req.ToolName)}, "unknown_tool")
		return
	}
	if err := tool.Validate(req.Arguments); err != nil {
		respond(protocol.Response{Error: toolError(err)}, "invalid_arguments")
		return
	}

	var paid *protocol.Invoice
	if price := tool.Price(); price > 0 {
		if s.opts.Gate == nil {
			respond(protocol.Response{Error: protocol.ErrPaymentUnavailable}, "payment_unavailable")
			return
		}
		err := s.opts.Gate.Charge(ctx, price, fmt.Sprintf("%s (%s)", tool.Name(), req.ID), func(ctx context.Context, inv protocol.Invoice) error {
			paid = &inv
			log.Info("invoice issued", "tool", tool.Name(), "invoice_id", inv.ID, "amount_sats", inv.AmountSats)
			respond(protocol.Response{Invoice: &inv}, "invoiced")
			return nil
		})
		switch {
		case errors.Is(err, protocol.ErrInvoiceExpired):
			respond(protocol.Response{Error: toolError(err), Invoice: paid}, "invoice_expired")
			return
		case ctx.Err() != nil:
			log.Debug("shutdown while awaiting payment", "tool", tool.Name())
			return
		case err != nil:
			respond(protocol.Response{Error: protocol.NewError(protocol.CodePaymentUnavailable, "payment failed", err.Error())}, "payment_error")
			return
		}
		settled := *paid
		settled.Settled = true
		paid = &settled
	}

	result, err := tool.Call(ctx, req.Arguments)
	if err != nil {
		log.Info("tool failed", "tool", tool.Name(), "err", err.Error())
		respond(protocol.Response{Error: toolError(err), Invoice: paid}, "tool_error")
		return
	}
	respond(protocol.Response{Result: result, Invoice: paid}, "ok")
}

func toolError(err error) *protocol.Error {
	var perr *protocol.Error
	if errors.As(err, &perr) {
		return perr
	}
	return protocol.NewError(protocol.CodeToolExecution, protocol.ErrToolExecution.Message, err.Error())
}
