// Package agent serves chat requests for one or more agents sharing a relay
// identity, picking one agent per request and charging when an agent is
// priced.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"agentrelay/internal/channel"
	"agentrelay/internal/dedupe"
	"agentrelay/internal/logging"
	"agentrelay/internal/metrics"
	"agentrelay/internal/payment"
	"agentrelay/internal/protocol"

	"github.com/google/uuid"
)

var (
	ErrNoAgents       = errors.New("agent: no agents registered")
	ErrDuplicateAgent = errors.New("agent: agent name already registered")
	ErrGateRequired   = errors.New("agent: priced agents need a payment gate")
)

// Turn is one earlier message in a thread.
type Turn struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

// ChatRequest is what an agent callable receives. ThreadID is stable for
// the whole conversation. History is filled only by wrappers that keep it.
type ChatRequest struct {
	Sender   string
	ThreadID string
	Messages []string
	History  []Turn
}

// Callable is an opaque agent: messages in, reply text out.
type Callable func(ctx context.Context, req ChatRequest) (string, error)

// NoteFilters decides which inbound chats are accepted at all. Rejected
// requests get no response.
type NoteFilters struct {
	// PubKeys, when set, lists the only senders accepted.
	PubKeys []string
	Match   func(sender string, messages []string) bool
}

func (f NoteFilters) Allow(sender string, messages []string) bool {
	if len(f.PubKeys) > 0 && !slices.Contains(f.PubKeys, sender) {
		return false
	}
	if f.Match != nil && !f.Match(sender, messages) {
		return false
	}
	return true
}

// Router picks the agent that answers message, by card name. An empty
// name means no agent should answer.
type Router interface {
	Route(ctx context.Context, message string, agents []protocol.AgentCard) (string, error)
}

type RouterFunc func(ctx context.Context, message string, agents []protocol.AgentCard) (string, error)

func (f RouterFunc) Route(ctx context.Context, message string, agents []protocol.AgentCard) (string, error) {
	return f(ctx, message, agents)
}

type Options struct {
	Filters      NoteFilters
	Router       Router
	Gate         *payment.Gate
	DiscoveryTag string
	DedupeTTL    time.Duration
	Logger       logging.Logger
}

type registered struct {
	card protocol.AgentCard
	fn   Callable
}

type Server struct {
	ch   channel.Endpoint
	opts Options
	seen *dedupe.Set
	log  logging.Logger

	mu     sync.RWMutex
	agents []registered

	wg sync.WaitGroup
}

func New(ch channel.Endpoint, opts Options) *Server {
	if opts.DiscoveryTag == "" {
		opts.DiscoveryTag = protocol.DefaultAgentDiscoveryTag
	}
	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = 30 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Server{ch: ch, opts: opts, seen: dedupe.New(opts.DedupeTTL, 0), log: opts.Logger}
}

// Register adds an agent. Card names must be unique; the card's pubkey and
// relays are filled in from the channel when announced.
func (s *Server) Register(card protocol.AgentCard, fn Callable) error {
	if card.Name == "" || fn == nil {
		return errors.New("agent: card name and callable are required")
	}
	if card.PriceSats < 0 {
		return fmt.Errorf("agent: %s: negative price", card.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.agents {
		if a.card.Name == card.Name {
			return fmt.Errorf("%w: %s", ErrDuplicateAgent, card.Name)
		}
	}
	s.agents = append(s.agents, registered{card: card, fn: fn})
	return nil
}

// Cards returns the advertised cards in registration order.
func (s *Server) Cards() []protocol.AgentCard {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]protocol.AgentCard, 0, len(s.agents))
	for _, a := range s.agents {
		card := a.card
		if s.ch != nil {
			card.PubKey = s.ch.PublicKey()
			card.Relays = s.ch.Relays()
		}
		out = append(out, card)
	}
	return out
}

// Announce publishes one discovery post per agent.
func (s *Server) Announce(ctx context.Context) ([]string, error) {
	var ids []string
	for _, card := range s.Cards() {
		id, err := s.ch.Announce(ctx, s.opts.DiscoveryTag, card)
		if err != nil {
			return ids, fmt.Errorf("announce %s: %w", card.Name, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Server) Run(ctx context.Context) error {
	cards := s.Cards()
	if len(cards) == 0 {
		return ErrNoAgents
	}
	if s.opts.Gate == nil && slices.ContainsFunc(cards, func(c protocol.AgentCard) bool { return c.PriceSats > 0 }) {
		return ErrGateRequired
	}
	if s.opts.Gate != nil {
		go s.opts.Gate.Run(ctx)
	}

	s.log.Info("agent server listening", "pubkey", s.ch.PublicKey(), "agents", len(cards))
	for in := range s.ch.Listen(ctx) {
		if in.Request == nil {
			continue
		}
		if !s.seen.Add(in.Sender + "/" + in.Request.ID) {
			continue
		}
		sender, req := in.Sender, *in.Request
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.Handle(ctx, sender, req, func(ctx context.Context, resp protocol.Response) error {
				_, err := s.ch.SendResponse(ctx, sender, resp)
				return err
			})
		}()
	}
	s.wg.Wait()
	return nil
}

// Handle answers one request from sender through reply. Requests rejected
// by the filters get no reply; every other request gets exactly one final
// response.
func (s *Server) Handle(ctx context.Context, sender string, req protocol.Request, reply func(context.Context, protocol.Response) error) {
	if req.Action == protocol.ActionChat && !s.opts.Filters.Allow(sender, req.Messages) {
		s.log.Debug("chat filtered out", "request_id", req.ID, "sender", sender)
		metrics.RequestsHandled.WithLabelValues(req.Action, "filtered").Inc()
		return
	}

	threadID := req.ThreadID
	if threadID == "" {
		threadID = uuid.NewString()
	}
	log := s.log.With("request_id", req.ID, "thread_id", threadID)
	respond := func(resp protocol.Response, outcome string) {
		resp.RequestID = req.ID
		resp.ThreadID = threadID
		metrics.RequestsHandled.WithLabelValues(req.Action, outcome).Inc()
		if err := reply(ctx, resp); err != nil {
			log.Warn("reply failed", "err", err.Error())
		}
	}

	if req.Action != protocol.ActionChat {
		respond(protocol.Response{Error: protocol.NewError(protocol.CodeUnsupportedAction, protocol.ErrUnsupportedAction.Message, req.Action)}, "unsupported")
		return
	}

	if len(req.Messages) == 0 {
		respond(protocol.Response{Error: protocol.NewError(protocol.CodeInvalidRequest, protocol.ErrInvalidRequest.Message, "messages are required")}, "invalid_request")
		return
	}

	chosen, err := s.pick(ctx, req.Messages)
	if err != nil {
		respond(protocol.Response{Error: protocol.NewError(protocol.CodeNotHandled, protocol.ErrNotHandled.Message, err.Error())}, "not_handled")
		return
	}
	log = log.With("agent", chosen.card.Name)

	var paid *protocol.Invoice
	if price := chosen.card.PriceSats; price > 0 {
		if s.opts.Gate == nil {
			respond(protocol.Response{Error: protocol.ErrPaymentUnavailable}, "payment_unavailable")
			return
		}
		err := s.opts.Gate.Charge(ctx, price, fmt.Sprintf("%s (%s)", chosen.card.Name, req.ID), func(ctx context.Context, inv protocol.Invoice) error {
			paid = &inv
			respond(protocol.Response{Invoice: &inv}, "invoiced")
			return nil
		})
		switch {
		case errors.Is(err, protocol.ErrInvoiceExpired):
			var perr *protocol.Error
			errors.As(err, &perr)
			respond(protocol.Response{Error: perr, Invoice: paid}, "invoice_expired")
			return
		case ctx.Err() != nil:
			return
		case err != nil:
			respond(protocol.Response{Error: protocol.NewError(protocol.CodePaymentUnavailable, "payment failed", err.Error())}, "payment_error")
			return
		}
		settled := *paid
		settled.Settled = true
		paid = &settled
	}

	text, err := s.invoke(ctx, chosen, ChatRequest{Sender: sender, ThreadID: threadID, Messages: req.Messages})
	if err != nil {
		log.Info("agent failed", "err", err.Error())
		respond(protocol.Response{Error: protocol.NewError(protocol.CodeAgentFailure, protocol.ErrAgentFailure.Message, err.Error()), Invoice: paid}, "agent_error")
		return
	}
	result, _ := json.Marshal(text)
	respond(protocol.Response{Result: result, Invoice: paid}, "ok")
}

// Chat routes req to one agent and runs it locally, without payment. It is
// the entry point for transports other than the relay, such as HTTP.
// The returned thread id is req.ThreadID, or a new one when it was empty.
func (s *Server) Chat(ctx context.Context, req ChatRequest) (reply, threadID string, err error) {
	if len(req.Messages) == 0 {
		return "", req.ThreadID, protocol.NewError(protocol.CodeInvalidRequest, protocol.ErrInvalidRequest.Message, "messages are required")
	}
	if req.ThreadID == "" {
		req.ThreadID = uuid.NewString()
	}
	chosen, err := s.pick(ctx, req.Messages)
	if err != nil {
		return "", req.ThreadID, protocol.NewError(protocol.CodeNotHandled, protocol.ErrNotHandled.Message, err.Error())
	}
	text, err := s.invoke(ctx, chosen, req)
	if err != nil {
		return "", req.ThreadID, protocol.NewError(protocol.CodeAgentFailure, protocol.ErrAgentFailure.Message, err.Error())
	}
	return text, req.ThreadID, nil
}

func (s *Server) invoke(ctx context.Context, a registered, req ChatRequest) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return a.fn(ctx, req)
}

// pick selects the agent for messages. A lone agent answers without a
// router; with several agents and no router the first registered answers.
func (s *Server) pick(ctx context.Context, messages []string) (registered, error) {
	s.mu.RLock()
	agents := slices.Clone(s.agents)
	s.mu.RUnlock()
	if len(agents) == 0 {
		return registered{}, ErrNoAgents
	}
	if s.opts.Router == nil {
		return agents[0], nil
	}

	cards := make([]protocol.AgentCard, len(agents))
	for i, a := range agents {
		cards[i] = a.card
	}
	name, err := s.opts.Router.Route(ctx, messages[len(messages)-1], cards)
	if err != nil {
		return registered{}, fmt.Errorf("router: %w", err)
	}
	if name == "" {
		return registered{}, errors.New("router selected no agent")
	}
	for _, a := range agents {
		if a.card.Name == name {
			return a, nil
		}
	}
	return registered{}, fmt.Errorf("router selected unknown agent %q", name)
}
