// Package correlate matches inbound responses to the outbound requests
// waiting for them.
package correlate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"agentrelay/internal/metrics"
	"agentrelay/internal/protocol"
)

var (
	// ErrTimeout means no correlated response arrived before the deadline.
	// It is distinct from any tool-level error carried in a Response.
	ErrTimeout          = errors.New("correlate: timed out waiting for response")
	ErrDuplicateRequest = errors.New("correlate: request id already pending")
	ErrCanceled         = errors.New("correlate: call canceled")
)

// Correlator is safe for concurrent use. The listening loop calls Resolve;
// callers Register, wait and cancel from their own goroutines.
type Correlator struct {
	mu    sync.Mutex
	calls map[string]*Call
}

func New() *Correlator {
	return &Correlator{calls: make(map[string]*Call)}
}

// Call is one pending request. A priced call sees an interim invoice
// response before its final one; each is delivered at most once.
type Call struct {
	id string
	c  *Correlator

	mu       sync.Mutex
	queue    chan protocol.Response
	invoices map[string]bool
	final    bool
	done     bool
}

func (c *Correlator) Register(requestID string) (*Call, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.calls[requestID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, requestID)
	}
	call := &Call{
		id:       requestID,
		c:        c,
		queue:    make(chan protocol.Response, 4),
		invoices: make(map[string]bool),
	}
	c.calls[requestID] = call
	metrics.PendingCalls.Inc()
	return call, nil
}

// Resolve hands resp to the call waiting on its request id. It reports
// false, and discards resp, when nothing is waiting or resp repeats a
// delivery the call already received.
func (c *Correlator) Resolve(resp protocol.Response) bool {
	c.mu.Lock()
	call := c.calls[resp.RequestID]
	c.mu.Unlock()
	if call == nil || !call.offer(resp) {
		metrics.DiscardedResponses.Inc()
		return false
	}
	return true
}

// AwaitResponse registers requestID and waits for its first response.
func (c *Correlator) AwaitResponse(ctx context.Context, requestID string, timeout time.Duration) (protocol.Response, error) {
	call, err := c.Register(requestID)
	if err != nil {
		return protocol.Response{}, err
	}
	defer call.Cancel()
	return call.Next(ctx, timeout)
}

func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *Correlator) remove(call *Call) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls[call.id] == call {
		delete(c.calls, call.id)
		metrics.PendingCalls.Dec()
	}
}

func (call *Call) ID() string { return call.id }

func (call *Call) offer(resp protocol.Response) bool {
	call.mu.Lock()
	defer call.mu.Unlock()
	if call.done || call.final {
		return false
	}
	awaiting := resp.AwaitingPayment()
	if awaiting && call.invoices[resp.Invoice.ID] {
		return false
	}
	select {
	case call.queue <- resp:
	default:
		return false
	}
	if awaiting {
		call.invoices[resp.Invoice.ID] = true
	} else {
		call.final = true
	}
	return true
}

// Next waits for the next response to this call. On timeout or
// cancellation the call is removed, so a response arriving afterwards is
// discarded rather than delivered.
func (call *Call) Next(ctx context.Context, timeout time.Duration) (protocol.Response, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case resp := <-call.queue:
		if !resp.AwaitingPayment() {
			call.Cancel()
		}
		return resp, nil
	case <-timer:
		call.Cancel()
		return protocol.Response{}, fmt.Errorf("%w: request %s", ErrTimeout, call.id)
	case <-ctx.Done():
		call.Cancel()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return protocol.Response{}, fmt.Errorf("%w: request %s", ErrTimeout, call.id)
		}
		return protocol.Response{}, fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
	}
}

// Cancel stops waiting. It does not retract the request.
func (call *Call) Cancel() {
	call.mu.Lock()
	call.done = true
	call.mu.Unlock()
	call.c.remove(call)
}
