package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
)

type ToolMetadata struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	InputSchema *jsonschema.Schema `json:"input_schema,omitempty"`
	PriceSats   int64              `json:"satoshis"`
}

type ListToolsResult struct {
	Tools []ToolMetadata `json:"tools"`
}

type Invoice struct {
	ID             string    `json:"invoice_id"`
	PaymentRequest string    `json:"payment_request,omitempty"`
	AmountSats     int64     `json:"amount_sats"`
	ExpiresAt      time.Time `json:"expires_at"`
	Settled        bool      `json:"settled"`
}

func (i Invoice) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}

type Skill struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	PriceSats   int64  `json:"satoshis"`
}

// AgentCard is the discovery document an agent advertises.
type AgentCard struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Skills      []Skill  `json:"skills"`
	PriceSats   int64    `json:"satoshis"`
	PubKey      string   `json:"nostr_pubkey"`
	Relays      []string `json:"relays,omitempty"`
}

// ServerCard is the discovery document a tool server advertises.
type ServerCard struct {
	Name   string         `json:"name"`
	About  string         `json:"about,omitempty"`
	PubKey string         `json:"nostr_pubkey"`
	Relays []string       `json:"relays,omitempty"`
	Tools  []ToolMetadata `json:"tools,omitempty"`
}

// Descriptor is one discovered participant, built from its latest
// discovery post.
type Descriptor struct {
	PubKey    string          `json:"pubkey"`
	Relays    []string        `json:"relays"`
	Name      string          `json:"name,omitempty"`
	About     string          `json:"about,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (d Descriptor) AgentCard() (AgentCard, error) {
	var card AgentCard
	if len(d.Content) == 0 {
		return card, nil
	}
	err := json.Unmarshal(d.Content, &card)
	return card, err
}

func (d Descriptor) ServerCard() (ServerCard, error) {
	var card ServerCard
	if len(d.Content) == 0 {
		return card, nil
	}
	err := json.Unmarshal(d.Content, &card)
	return card, err
}
