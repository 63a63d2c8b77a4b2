// Package relay maintains connections to a set of broadcast relays,
// publishes signed events to all of them and merges their subscription
// feeds into one deduplicated stream.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"agentrelay/internal/dedupe"
	"agentrelay/internal/logging"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
)

type Options struct {
	DialTimeout    time.Duration
	PublishTimeout time.Duration
	BackoffMin     time.Duration
	BackoffMax     time.Duration
	PingInterval   time.Duration
	ReadLimit      int64
	// SeenTTL bounds how long an event id is remembered per subscription.
	SeenTTL time.Duration
	// ResumeSkew is how far before the newest delivered event a
	// subscription restarts after a reconnect, to pick up events that
	// arrived out of order.
	ResumeSkew time.Duration
	Logger     logging.Logger
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 10 * time.Second
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = 500 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 30 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 1 << 20
	}
	if o.SeenTTL <= 0 {
		o.SeenTTL = 10 * time.Minute
	}
	if o.ResumeSkew <= 0 {
		o.ResumeSkew = time.Minute
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
	return o
}

type Pool struct {
	opts  Options
	log   logging.Logger
	conns []*conn

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewPool(urls []string, opts Options) (*Pool, error) {
	opts = opts.withDefaults()
	p := &Pool{opts: opts, log: opts.Logger}
	seen := make(map[string]bool)
	for _, raw := range urls {
		u, err := NormalizeURL(raw)
		if err != nil {
			return nil, err
		}
		if seen[u] {
			continue
		}
		seen[u] = true
		p.conns = append(p.conns, newConn(u, opts, p.log))
	}
	if len(p.conns) == 0 {
		return nil, fmt.Errorf("%w: relay list is empty", ErrNoRelays)
	}
	return p, nil
}

// NormalizeURL validates a ws:// or wss:// relay address.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("relay url %q: %w", raw, err)
	}
	if (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return "", fmt.Errorf("relay url %q: must be ws:// or wss://", raw)
	}
	return strings.TrimRight(u.String(), "/"), nil
}

// Start launches one connection loop per relay and waits until at least one
// relay is reachable. Relays that are down keep retrying in the background.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.mu.Unlock()

	for _, c := range p.conns {
		p.wg.Add(1)
		go func(c *conn) {
			defer p.wg.Done()
			c.run(runCtx)
		}(c)
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, p.opts.DialTimeout)
	defer waitCancel()
	anyUp := make(chan struct{}, len(p.conns))
	for _, c := range p.conns {
		go func(c *conn) {
			select {
			case <-c.ready():
				anyUp <- struct{}{}
			case <-waitCtx.Done():
			}
		}(c)
	}
	select {
	case <-anyUp:
		return nil
	case <-waitCtx.Done():
		p.Close()
		return fmt.Errorf("%w: none of %d relay(s) answered", ErrNoRelays, len(p.conns))
	}
}

func (p *Pool) Relays() []string {
	out := make([]string, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, c.url)
	}
	return out
}

func (p *Pool) Connected() []string {
	var out []string
	for _, c := range p.conns {
		if c.connected() {
			out = append(out, c.url)
		}
	}
	return out
}

// Publish sends ev to every relay independently. It returns nil when all
// relays accepted it, a *PartialDeliveryError when some did, and an error
// wrapping ErrAllRelaysFailed when none did.
func (p *Pool) Publish(ctx context.Context, ev nostr.Event) error {
	type result struct {
		url string
		err error
	}
	results := make(chan result, len(p.conns))
	for _, c := range p.conns {
		go func(c *conn) {
			results <- result{url: c.url, err: c.publish(ctx, ev)}
		}(c)
	}

	var accepted []string
	failed := make(map[string]error)
	for range p.conns {
		r := <-results
		if r.err != nil {
			failed[r.url] = r.err
			continue
		}
		accepted = append(accepted, r.url)
	}

	switch {
	case len(failed) == 0:
		return nil
	case len(accepted) == 0:
		errs := make([]error, 0, len(failed))
		for u, err := range failed {
			errs = append(errs, fmt.Errorf("%s: %w", u, err))
		}
		return fmt.Errorf("%w: %w", ErrAllRelaysFailed, errors.Join(errs...))
	default:
		p.log.Debug("partial delivery", "event_id", ev.ID, "accepted", len(accepted), "failed", len(failed))
		return &PartialDeliveryError{EventID: ev.ID, Accepted: accepted, Failed: failed}
	}
}

// Subscribe streams events matching any filter from all relays. Each event
// id is yielded once however many relays deliver it; events are not
// reordered. The channel closes when ctx is done. Relays that are down
// receive the subscription when they reconnect, resuming from the newest
// event already delivered rather than from the original filters.
func (p *Pool) Subscribe(ctx context.Context, filters ...nostr.Filter) <-chan nostr.Event {
	out := make(chan nostr.Event, 64)
	seen := dedupe.New(p.opts.SeenTTL, 0)

	var mu sync.RWMutex
	done := false
	deliver := func(relayURL string, ev *nostr.Event) {
		if !seen.Add(ev.ID) {
			return
		}
		mu.RLock()
		defer mu.RUnlock()
		if done {
			return
		}
		select {
		case out <- *ev:
		case <-ctx.Done():
		}
	}

	cleanup := p.open(ctx, filters, deliver, nil)
	go func() {
		<-ctx.Done()
		cleanup()
		mu.Lock()
		done = true
		close(out)
		mu.Unlock()
	}()
	return out
}

// Query collects the stored events matching filters, returning once every
// connected relay has signalled end of stored events or ctx is done.
func (p *Pool) Query(ctx context.Context, filters ...nostr.Filter) ([]nostr.Event, error) {
	live := 0
	for _, c := range p.conns {
		if c.connected() {
			live++
		}
	}
	if live == 0 {
		return nil, ErrOffline
	}

	var mu sync.Mutex
	var events []nostr.Event
	seen := make(map[string]bool)
	eosed := make(map[string]bool)
	allDone := make(chan struct{})
	var closeOnce sync.Once

	deliver := func(_ string, ev *nostr.Event) {
		mu.Lock()
		defer mu.Unlock()
		if seen[ev.ID] {
			return
		}
		seen[ev.ID] = true
		events = append(events, *ev)
	}
	eose := func(relayURL string) {
		mu.Lock()
		eosed[relayURL] = true
		n := len(eosed)
		mu.Unlock()
		if n >= live {
			closeOnce.Do(func() { close(allDone) })
		}
	}

	cleanup := p.open(ctx, filters, deliver, eose)
	defer cleanup()

	select {
	case <-allDone:
	case <-ctx.Done():
		// Return what arrived; a slow relay does not fail discovery.
	}
	mu.Lock()
	defer mu.Unlock()
	return append([]nostr.Event(nil), events...), nil
}

func (p *Pool) open(ctx context.Context, filters []nostr.Filter, deliver func(string, *nostr.Event), eose func(string)) func() {
	s := newSubscription(uuid.NewString(), filters, p.opts.ResumeSkew, deliver, eose)
	for _, c := range p.conns {
		c.subscribe(ctx, s)
	}
	return func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		for _, c := range p.conns {
			c.unsubscribe(closeCtx, s.id)
		}
	}
}

func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}
