// Package relaydtest starts in-process relays and connected pools for
// tests that need a real websocket relay.
package relaydtest

import (
	"context"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"agentrelay/internal/relay"
	"agentrelay/internal/relayd"
)

// Start serves a fresh relay and returns its ws:// URL. The relay stops
// when the test ends.
func Start(t testing.TB) string {
	t.Helper()
	srv := httptest.NewServer(relayd.New(relayd.Options{}).Handler())
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// Pool connects a started pool to urls and closes it when the test ends.
func Pool(t testing.TB, urls ...string) *relay.Pool {
	t.Helper()
	return PoolWith(t, relay.Options{}, urls...)
}

// PoolWith is Pool with explicit options. Zero dial and publish timeouts
// default to two seconds.
func PoolWith(t testing.TB, opts relay.Options, urls ...string) *relay.Pool {
	t.Helper()
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 2 * time.Second
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 2 * time.Second
	}
	p, err := relay.NewPool(urls, opts)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start pool: %v", err)
	}
	t.Cleanup(p.Close)
	return p
}

// Proxy forwards TCP connections to a relay. Cut drops every live
// connection while the listener keeps accepting, which looks to a pool
// like a relay restart.
type Proxy struct {
	ln     net.Listener
	target string

	mu    sync.Mutex
	conns []net.Conn
}

// NewProxy listens on a loopback port and forwards to the relay at
// relayURL. It stops when the test ends.
func NewProxy(t testing.TB, relayURL string) *Proxy {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("proxy listen: %v", err)
	}
	p := &Proxy{ln: ln, target: strings.TrimPrefix(relayURL, "ws://")}
	go p.serve()
	t.Cleanup(func() {
		_ = ln.Close()
		p.Cut()
	})
	return p
}

// URL is the ws:// address clients should dial.
func (p *Proxy) URL() string {
	return "ws://" + p.ln.Addr().String()
}

// Cut closes all forwarded connections.
func (p *Proxy) Cut() {
	p.mu.Lock()
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (p *Proxy) serve() {
	for {
		in, err := p.ln.Accept()
		if err != nil {
			return
		}
		out, err := net.Dial("tcp", p.target)
		if err != nil {
			_ = in.Close()
			continue
		}
		p.mu.Lock()
		p.conns = append(p.conns, in, out)
		p.mu.Unlock()
		go pipe(in, out)
		go pipe(out, in)
	}
}

func pipe(dst, src net.Conn) {
	_, _ = io.Copy(dst, src)
	_ = dst.Close()
	_ = src.Close()
}
