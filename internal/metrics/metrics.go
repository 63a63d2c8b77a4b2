package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Relay transport
	RelayPublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrelay_relay_publish_total",
			Help: "Events published per relay by outcome",
		},
		[]string{"relay", "outcome"}, // "ok", "rejected", "error", "offline"
	)

	RelayEventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrelay_relay_events_received_total",
			Help: "Events received per relay before deduplication",
		},
		[]string{"relay"},
	)

	RelayConnected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentrelay_relay_connected",
			Help: "1 while the relay connection is up",
		},
		[]string{"relay"},
	)

	DecryptFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentrelay_decrypt_failures_total",
			Help: "Inbound direct messages dropped because they could not be decrypted",
		},
	)

	// Request handling
	RequestsHandled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrelay_requests_total",
			Help: "Inbound requests by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	PendingCalls = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentrelay_pending_calls",
			Help: "Outbound requests awaiting a correlated response",
		},
	)

	DiscardedResponses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentrelay_discarded_responses_total",
			Help: "Late or duplicate responses with no matching waiter",
		},
	)

	// Payments
	Invoices = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrelay_invoices_total",
			Help: "Invoice lifecycle transitions",
		},
		[]string{"state"}, // "issued", "settled", "expired", "claimed"
	)
)
