// Package relayd is a small websocket relay for development and tests:
// it verifies and stores recent events, answers subscriptions with stored
// matches followed by EOSE, and fans live events out to subscribers.
// Several instances can share traffic over redis pub/sub.
package relayd

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"agentrelay/internal/logging"
	"agentrelay/internal/relay"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"github.com/redis/go-redis/v9"
	"nhooyr.io/websocket"
)

type Options struct {
	ListenAddr   string
	MaxEvents    int
	RedisURL     string
	RedisChannel string
	InstanceID   string
	Logger       logging.Logger
}

type Server struct {
	opts Options
	log  logging.Logger

	mu     sync.RWMutex
	events []nostr.Event
	ids    map[string]bool

	clientsMu sync.Mutex
	clients   map[*client]struct{}

	redis *redis.Client
}

type client struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex
	mu      sync.Mutex
	subs    map[string][]nostr.Filter
}

type redisEnvelope struct {
	Origin string      `json:"origin"`
	Event  nostr.Event `json:"event"`
}

func New(opts Options) *Server {
	if opts.ListenAddr == "" {
		opts.ListenAddr = ":7447"
	}
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = 10000
	}
	if opts.RedisChannel == "" {
		opts.RedisChannel = "agentrelay:events"
	}
	if opts.InstanceID == "" {
		opts.InstanceID = defaultInstanceID()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Server{
		opts:    opts,
		log:     opts.Logger,
		ids:     make(map[string]bool),
		clients: make(map[*client]struct{}),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/", s.handleWS)
	return mux
}

func (s *Server) Run(ctx context.Context) error {
	if strings.TrimSpace(s.opts.RedisURL) != "" {
		client, err := newRedisClient(s.opts.RedisURL)
		if err != nil {
			return err
		}
		s.redis = client
		defer s.redis.Close()
		s.log.Info("redis fan-out enabled", "instance_id", s.opts.InstanceID, "channel", s.opts.RedisChannel)
		go s.consumeRedis(ctx)
	}

	httpServer := &http.Server{
		Addr:              s.opts.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info("relay listening", "addr", s.opts.ListenAddr)
	err := httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 20)

	c := &client{id: "ws_" + uuid.NewString(), conn: conn, subs: make(map[string][]nostr.Filter)}
	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	s.clientsMu.Unlock()
	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, c)
		s.clientsMu.Unlock()
	}()
	s.log.Debug("client connected", "remote", r.RemoteAddr, "client_id", c.id)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		f, err := relay.ParseFrame(data)
		if err != nil {
			s.sendNotice(ctx, c, "invalid: "+err.Error())
			continue
		}

		switch f.Label {
		case relay.LabelEvent:
			if f.Event == nil {
				continue
			}
			ok, reason := s.ingest(ctx, *f.Event, true)
			if msg, err := relay.EncodeOK(f.Event.ID, ok, reason); err == nil {
				_ = s.send(ctx, c, msg)
			}
		case relay.LabelReq:
			s.handleReq(ctx, c, f)
		case relay.LabelClose:
			c.mu.Lock()
			delete(c.subs, f.SubID)
			c.mu.Unlock()
		default:
			s.sendNotice(ctx, c, "unsupported: "+f.Label)
		}
	}
	s.log.Debug("client disconnected", "client_id", c.id)
}

func (s *Server) handleReq(ctx context.Context, c *client, f relay.Frame) {
	// Register before snapshotting so nothing ingested in between is missed;
	// clients deduplicate the overlap.
	c.mu.Lock()
	c.subs[f.SubID] = f.Filters
	c.mu.Unlock()

	for _, ev := range s.stored(f.Filters) {
		if msg, err := relay.EncodeEvent(f.SubID, ev); err == nil {
			if err := s.send(ctx, c, msg); err != nil {
				return
			}
		}
	}
	if msg, err := relay.EncodeEOSE(f.SubID); err == nil {
		_ = s.send(ctx, c, msg)
	}
}

// ingest verifies, stores and fans out ev. local is false for events that
// arrived from another instance over redis.
func (s *Server) ingest(ctx context.Context, ev nostr.Event, local bool) (bool, string) {
	if !relay.Verify(&ev) {
		return false, "invalid: bad id or signature"
	}

	s.mu.Lock()
	if s.ids[ev.ID] {
		s.mu.Unlock()
		return true, "duplicate: already have this event"
	}
	s.ids[ev.ID] = true
	s.events = append(s.events, ev)
	if over := len(s.events) - s.opts.MaxEvents; over > 0 {
		for _, old := range s.events[:over] {
			delete(s.ids, old.ID)
		}
		s.events = append([]nostr.Event(nil), s.events[over:]...)
	}
	s.mu.Unlock()

	s.fanOut(ev)
	if local {
		s.publishRedis(ctx, ev)
	}
	return true, ""
}

func (s *Server) stored(filters []nostr.Filter) []nostr.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []nostr.Event
	for _, f := range filters {
		var matched []nostr.Event
		for i := range s.events {
			if f.Matches(&s.events[i]) {
				matched = append(matched, s.events[i])
			}
		}
		if f.Limit > 0 && len(matched) > f.Limit {
			matched = matched[len(matched)-f.Limit:]
		}
		out = append(out, matched...)
	}
	return out
}

func (s *Server) fanOut(ev nostr.Event) {
	s.clientsMu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.Unlock()

	for _, c := range clients {
		c.mu.Lock()
		var subIDs []string
		for id, filters := range c.subs {
			if relay.MatchesAny(filters, &ev) {
				subIDs = append(subIDs, id)
			}
		}
		c.mu.Unlock()
		for _, id := range subIDs {
			msg, err := relay.EncodeEvent(id, ev)
			if err != nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = s.send(ctx, c, msg)
			cancel()
		}
	}
}

func (s *Server) send(ctx context.Context, c *client, msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, msg)
}

func (s *Server) sendNotice(ctx context.Context, c *client, text string) {
	if msg, err := relay.EncodeNotice(text); err == nil {
		_ = s.send(ctx, c, msg)
	}
}

func (s *Server) publishRedis(ctx context.Context, ev nostr.Event) {
	if s.redis == nil {
		return
	}
	b, err := json.Marshal(redisEnvelope{Origin: s.opts.InstanceID, Event: ev})
	if err != nil {
		return
	}
	if err := s.redis.Publish(ctx, s.opts.RedisChannel, b).Err(); err != nil {
		s.log.Warn("redis publish failed", "err", err.Error())
	}
}

func (s *Server) consumeRedis(ctx context.Context) {
	sub := s.redis.Subscribe(ctx, s.opts.RedisChannel)
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
			var env redisEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				s.log.Debug("invalid redis envelope", "err", err.Error())
				continue
			}
			if env.Origin == s.opts.InstanceID {
				continue
			}
			s.ingest(ctx, env.Event, false)
		}
	}
}

func newRedisClient(redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opt), nil
}

func defaultInstanceID() string {
	h, _ := os.Hostname()
	if h == "" {
		h = "relay"
	}
	return h + "-" + uuid.NewString()
}
