package relay

import (
	"context"
	"sync"
	"time"

	"agentrelay/internal/logging"
	"agentrelay/internal/metrics"

	"github.com/nbd-wtf/go-nostr"
	"nhooyr.io/websocket"
)

type okResult struct {
	ok     bool
	reason string
}

type subscription struct {
	id      string
	filters []nostr.Filter
	deliver func(url string, ev *nostr.Event)
	eose    func(url string)
	skew    nostr.Timestamp

	mu     sync.Mutex
	newest nostr.Timestamp
	// recent holds the ids delivered within skew of newest. A resumed
	// subscription asks for everything since newest-skew, so these are the
	// only events a relay can hand back again.
	recent map[string]nostr.Timestamp
}

func newSubscription(id string, filters []nostr.Filter, skew time.Duration, deliver func(string, *nostr.Event), eose func(string)) *subscription {
	return &subscription{
		id:      id,
		filters: filters,
		deliver: deliver,
		eose:    eose,
		skew:    nostr.Timestamp(skew / time.Second),
		recent:  make(map[string]nostr.Timestamp),
	}
}

// admit records ev and reports whether this subscription has not delivered
// it before within the resume window.
func (s *subscription) admit(ev *nostr.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recent[ev.ID]; ok {
		return false
	}
	if ev.CreatedAt > s.newest {
		s.newest = ev.CreatedAt
		for id, at := range s.recent {
			if at < s.newest-s.skew {
				delete(s.recent, id)
			}
		}
	}
	if ev.CreatedAt >= s.newest-s.skew {
		s.recent[ev.ID] = ev.CreatedAt
	}
	return true
}

// resumeFilters are the filters to send on (re)subscribe. Once something
// was delivered, Since moves up to newest-skew so a reconnect does not
// replay the whole history.
func (s *subscription) resumeFilters() []nostr.Filter {
	s.mu.Lock()
	newest := s.newest
	s.mu.Unlock()
	if newest == 0 {
		return s.filters
	}
	from := newest - s.skew
	out := make([]nostr.Filter, len(s.filters))
	for i, f := range s.filters {
		if f.Since == nil || *f.Since < from {
			since := from
			f.Since = &since
		}
		out[i] = f
	}
	return out
}

// conn owns one relay connection. It reconnects on its own with
// exponential backoff; a dead relay never blocks the others.
type conn struct {
	url  string
	opts Options
	log  logging.Logger

	mu      sync.Mutex
	ws      *websocket.Conn
	up      chan struct{} // closed while connected
	subs    map[string]*subscription
	waiters map[string]chan okResult

	writeMu sync.Mutex
}

func newConn(url string, opts Options, log logging.Logger) *conn {
	return &conn{
		url:     url,
		opts:    opts,
		log:     log.With("relay", url),
		up:      make(chan struct{}),
		subs:    make(map[string]*subscription),
		waiters: make(map[string]chan okResult),
	}
}

func (c *conn) run(ctx context.Context) {
	backoff := c.opts.BackoffMin
	for {
		ws, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Debug("relay dial failed", "err", err.Error(), "retry_in", backoff.String())
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, c.opts.BackoffMax)
			continue
		}
		backoff = c.opts.BackoffMin

		c.attach(ctx, ws)
		c.log.Info("relay connected")
		err = c.readLoop(ctx, ws)
		c.detach(ws)
		_ = ws.Close(websocket.StatusNormalClosure, "")
		if ctx.Err() != nil {
			return
		}
		c.log.Warn("relay disconnected", "err", errString(err))
	}
}

func (c *conn) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()
	ws, _, err := websocket.Dial(dialCtx, c.url, nil)
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(c.opts.ReadLimit)
	return ws, nil
}

// attach marks the connection live and replays every active subscription
// so a reconnect restarts the streams.
func (c *conn) attach(ctx context.Context, ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	close(c.up)
	subs := make([]*subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()
	metrics.RelayConnected.WithLabelValues(c.url).Set(1)

	for _, s := range subs {
		if err := c.sendReq(ctx, s); err != nil {
			c.log.Warn("resubscribe failed", "sub_id", s.id, "err", err.Error())
		}
	}
}

func (c *conn) detach(ws *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws != ws {
		return
	}
	c.ws = nil
	c.up = make(chan struct{})
	for id, ch := range c.waiters {
		ch <- okResult{ok: false, reason: "connection lost"}
		delete(c.waiters, id)
	}
	metrics.RelayConnected.WithLabelValues(c.url).Set(0)
}

func (c *conn) connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// ready returns a channel that is closed while the connection is up.
func (c *conn) ready() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.up
}

func (c *conn) readLoop(ctx context.Context, ws *websocket.Conn) error {
	stopPing := c.keepalive(ctx, ws)
	defer stopPing()

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return err
		}
		f, err := ParseFrame(data)
		if err != nil {
			c.log.Debug("invalid relay frame", "err", err.Error())
			continue
		}
		c.dispatch(f)
	}
}

func (c *conn) dispatch(f Frame) {
	switch f.Label {
	case LabelEvent:
		if f.Event == nil {
			return
		}
		metrics.RelayEventsReceived.WithLabelValues(c.url).Inc()
		c.mu.Lock()
		s := c.subs[f.SubID]
		c.mu.Unlock()
		if s == nil || !MatchesAny(s.filters, f.Event) || !Verify(f.Event) {
			return
		}
		if s.admit(f.Event) {
			s.deliver(c.url, f.Event)
		}
	case LabelEOSE:
		c.mu.Lock()
		s := c.subs[f.SubID]
		c.mu.Unlock()
		if s != nil && s.eose != nil {
			s.eose(c.url)
		}
	case LabelOK:
		c.mu.Lock()
		ch, ok := c.waiters[f.EventID]
		delete(c.waiters, f.EventID)
		c.mu.Unlock()
		if ok {
			ch <- okResult{ok: f.OK, reason: f.Message}
		}
	case LabelNotice:
		c.log.Info("relay notice", "message", f.Message)
	case LabelClosed:
		c.log.Warn("relay closed subscription", "sub_id", f.SubID, "message", f.Message)
	}
}

func (c *conn) keepalive(ctx context.Context, ws *websocket.Conn) func() {
	if c.opts.PingInterval <= 0 {
		return func() {}
	}
	pingCtx, cancel := context.WithCancel(ctx)
	go func() {
		t := time.NewTicker(c.opts.PingInterval)
		defer t.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-t.C:
				pctx, pcancel := context.WithTimeout(pingCtx, c.opts.PingInterval)
				err := ws.Ping(pctx)
				pcancel()
				if err != nil && pingCtx.Err() == nil {
					c.log.Warn("relay ping failed", "err", err.Error())
					_ = ws.Close(websocket.StatusGoingAway, "ping timeout")
					return
				}
			}
		}
	}()
	return cancel
}

func (c *conn) write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrOffline
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.Write(ctx, websocket.MessageText, data)
}

func (c *conn) publish(ctx context.Context, ev nostr.Event) error {
	if !c.connected() {
		metrics.RelayPublishes.WithLabelValues(c.url, "offline").Inc()
		return ErrOffline
	}
	data, err := EncodePublish(ev)
	if err != nil {
		return err
	}

	ch := make(chan okResult, 1)
	c.mu.Lock()
	c.waiters[ev.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, ev.ID)
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, c.opts.PublishTimeout)
	defer cancel()
	if err := c.write(ctx, data); err != nil {
		metrics.RelayPublishes.WithLabelValues(c.url, "error").Inc()
		return err
	}
	select {
	case res := <-ch:
		if !res.ok {
			metrics.RelayPublishes.WithLabelValues(c.url, "rejected").Inc()
			return &RejectedError{Relay: c.url, Reason: res.reason}
		}
		metrics.RelayPublishes.WithLabelValues(c.url, "ok").Inc()
		return nil
	case <-ctx.Done():
		metrics.RelayPublishes.WithLabelValues(c.url, "error").Inc()
		return ctx.Err()
	}
}

func (c *conn) subscribe(ctx context.Context, s *subscription) {
	c.mu.Lock()
	c.subs[s.id] = s
	live := c.ws != nil
	c.mu.Unlock()
	if !live {
		// Sent by attach once the relay comes up.
		return
	}
	if err := c.sendReq(ctx, s); err != nil {
		c.log.Warn("subscribe failed", "sub_id", s.id, "err", err.Error())
	}
}

func (c *conn) unsubscribe(ctx context.Context, id string) {
	c.mu.Lock()
	_, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if !ok {
		return
	}
	if data, err := EncodeClose(id); err == nil {
		_ = c.write(ctx, data)
	}
}

func (c *conn) sendReq(ctx context.Context, s *subscription) error {
	data, err := EncodeReq(s.id, s.resumeFilters())
	if err != nil {
		return err
	}
	return c.write(ctx, data)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
