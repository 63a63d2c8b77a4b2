package relay

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNoRelays is fatal at startup: nothing configured or nothing reachable.
	ErrNoRelays = errors.New("relay: no reachable relay")
	// ErrAllRelaysFailed means no relay accepted a published event.
	ErrAllRelaysFailed = errors.New("relay: no relay accepted the event")
	ErrOffline         = errors.New("relay: connection is down")
	ErrClosed          = errors.New("relay: pool closed")
)

// PartialDeliveryError reports that some, but not all, relays accepted an
// event. It is informational: the event is on the network.
type PartialDeliveryError struct {
	EventID  string
	Accepted []string
	Failed   map[string]error
}

func (e *PartialDeliveryError) Error() string {
	urls := make([]string, 0, len(e.Failed))
	for u := range e.Failed {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	parts := make([]string, 0, len(urls))
	for _, u := range urls {
		parts = append(parts, fmt.Sprintf("%s: %v", u, e.Failed[u]))
	}
	return fmt.Sprintf("relay: event %s accepted by %d relay(s), failed on %s",
		e.EventID, len(e.Accepted), strings.Join(parts, "; "))
}

// RejectedError is an OK=false answer from a relay.
type RejectedError struct {
	Relay  string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("relay %s rejected event: %s", e.Relay, e.Reason)
}
