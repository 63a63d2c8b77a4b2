// Package channel carries protocol messages as encrypted direct messages
// over a relay transport and publishes or reads discovery posts.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"agentrelay/internal/identity"
	"agentrelay/internal/logging"
	"agentrelay/internal/metrics"
	"agentrelay/internal/protocol"
	"agentrelay/internal/relay"

	"github.com/nbd-wtf/go-nostr"
)

// ErrDecrypt marks an inbound envelope that could not be decrypted. It is
// logged and counted, never returned from Listen.
var ErrDecrypt = errors.New("channel: cannot decrypt message")

// Transport is the relay surface a Channel needs. *relay.Pool implements it.
type Transport interface {
	Publish(ctx context.Context, ev nostr.Event) error
	Subscribe(ctx context.Context, filters ...nostr.Filter) <-chan nostr.Event
	Query(ctx context.Context, filters ...nostr.Filter) ([]nostr.Event, error)
	Relays() []string
}

// Endpoint is what servers and clients use from a Channel.
type Endpoint interface {
	PublicKey() string
	Relays() []string
	Listen(ctx context.Context) <-chan Inbound
	SendRequest(ctx context.Context, recipient string, req protocol.Request) (string, error)
	SendResponse(ctx context.Context, recipient string, resp protocol.Response) (string, error)
	Announce(ctx context.Context, topic string, card any) (string, error)
	Discover(ctx context.Context, topic string) ([]protocol.Descriptor, error)
}

var _ Endpoint = (*Channel)(nil)

// Inbound is one decrypted, decoded message addressed to the local
// identity. Exactly one of Request and Response is set.
type Inbound struct {
	Sender    string
	EventID   string
	CreatedAt time.Time
	Request   *protocol.Request
	Response  *protocol.Response
}

type Channel struct {
	id        *identity.Identity
	transport Transport
	log       logging.Logger
}

func New(id *identity.Identity, transport Transport, log logging.Logger) *Channel {
	if log == nil {
		log = logging.Discard()
	}
	return &Channel{id: id, transport: transport, log: log}
}

func (c *Channel) PublicKey() string { return c.id.PublicKey() }

func (c *Channel) Relays() []string { return c.transport.Relays() }

// Send encrypts payload to recipient and publishes it, returning the event
// id. Delivery to a subset of relays counts as success.
func (c *Channel) Send(ctx context.Context, recipient string, payload []byte) (string, error) {
	ciphertext, err := c.id.Encrypt(recipient, string(payload))
	if err != nil {
		return "", err
	}
	ev := nostr.Event{
		Kind:      protocol.KindEncryptedDirectMessage,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{protocol.TagPubKey, recipient}},
		Content:   ciphertext,
	}
	if err := c.id.Sign(&ev); err != nil {
		return "", err
	}
	if err := c.transport.Publish(ctx, ev); err != nil {
		var partial *relay.PartialDeliveryError
		if !errors.As(err, &partial) {
			return "", err
		}
		c.log.Debug("message reached a subset of relays", "event_id", ev.ID, "err", err.Error())
	}
	return ev.ID, nil
}

func (c *Channel) SendRequest(ctx context.Context, recipient string, req protocol.Request) (string, error) {
	body, err := protocol.EncodeRequest(req)
	if err != nil {
		return "", err
	}
	return c.Send(ctx, recipient, body)
}

func (c *Channel) SendResponse(ctx context.Context, recipient string, resp protocol.Response) (string, error) {
	body, err := protocol.EncodeResponse(resp)
	if err != nil {
		return "", err
	}
	return c.Send(ctx, recipient, body)
}

// Listen streams messages addressed to the local identity that were created
// from now on. Envelopes that fail to decrypt or decode are dropped and the
// stream continues. The channel closes when ctx is done.
func (c *Channel) Listen(ctx context.Context) <-chan Inbound {
	since := nostr.Now()
	events := c.transport.Subscribe(ctx, nostr.Filter{
		Kinds: []int{protocol.KindEncryptedDirectMessage},
		Tags:  nostr.TagMap{protocol.TagPubKey: {c.id.PublicKey()}},
		Since: &since,
	})

	out := make(chan Inbound, 16)
	go func() {
		defer close(out)
		for ev := range events {
			in, err := c.open(ev)
			if err != nil {
				if errors.Is(err, ErrDecrypt) {
					metrics.DecryptFailures.Inc()
				}
				c.log.Debug("dropping inbound message", "event_id", ev.ID, "sender", ev.PubKey, "err", err.Error())
				continue
			}
			select {
			case out <- in:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (c *Channel) open(ev nostr.Event) (Inbound, error) {
	if ev.Kind != protocol.KindEncryptedDirectMessage {
		return Inbound{}, fmt.Errorf("unexpected kind %d", ev.Kind)
	}
	if p := ev.Tags.GetFirst([]string{protocol.TagPubKey, ""}); p == nil || p.Value() != c.id.PublicKey() {
		return Inbound{}, errors.New("not addressed to this identity")
	}
	plaintext, err := c.id.Decrypt(ev.PubKey, ev.Content)
	if err != nil {
		return Inbound{}, fmt.Errorf("%w: %w", ErrDecrypt, err)
	}
	req, resp, err := protocol.DecodeMessage([]byte(plaintext))
	if err != nil {
		return Inbound{}, fmt.Errorf("decode body: %w", err)
	}
	return Inbound{
		Sender:    ev.PubKey,
		EventID:   ev.ID,
		CreatedAt: ev.CreatedAt.Time(),
		Request:   req,
		Response:  resp,
	}, nil
}

// Announce publishes a discovery post under topic carrying the JSON form of
// card and one relay tag per configured relay.
func (c *Channel) Announce(ctx context.Context, topic string, card any) (string, error) {
	content, err := json.Marshal(card)
	if err != nil {
		return "", fmt.Errorf("encode card: %w", err)
	}
	tags := nostr.Tags{{protocol.TagTopic, topic}}
	for _, u := range c.transport.Relays() {
		tags = append(tags, nostr.Tag{protocol.TagRelay, u})
	}
	ev := nostr.Event{
		Kind:      protocol.KindTextNote,
		CreatedAt: nostr.Now(),
		Tags:      tags,
		Content:   string(content),
	}
	if err := c.id.Sign(&ev); err != nil {
		return "", err
	}
	if err := c.transport.Publish(ctx, ev); err != nil {
		var partial *relay.PartialDeliveryError
		if !errors.As(err, &partial) {
			return "", err
		}
	}
	c.log.Info("announced", "topic", topic, "event_id", ev.ID)
	return ev.ID, nil
}

// Discover reads discovery posts under topic and returns one descriptor per
// author, built from that author's latest post, newest first.
func (c *Channel) Discover(ctx context.Context, topic string) ([]protocol.Descriptor, error) {
	events, err := c.transport.Query(ctx, nostr.Filter{
		Kinds: []int{protocol.KindTextNote},
		Tags:  nostr.TagMap{protocol.TagTopic: {topic}},
	})
	if err != nil {
		return nil, err
	}

	latest := make(map[string]nostr.Event)
	for _, ev := range events {
		if cur, ok := latest[ev.PubKey]; ok && cur.CreatedAt >= ev.CreatedAt {
			continue
		}
		latest[ev.PubKey] = ev
	}

	out := make([]protocol.Descriptor, 0, len(latest))
	for pk, ev := range latest {
		out = append(out, describe(pk, ev))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].PubKey < out[j].PubKey
	})
	return out, nil
}

func describe(pubkey string, ev nostr.Event) protocol.Descriptor {
	d := protocol.Descriptor{PubKey: pubkey, UpdatedAt: ev.CreatedAt.Time()}
	for _, tag := range ev.Tags.GetAll([]string{protocol.TagRelay, ""}) {
		d.Relays = append(d.Relays, tag.Value())
	}
	var meta struct {
		Name        string `json:"name"`
		About       string `json:"about"`
		Description string `json:"description"`
	}
	if json.Unmarshal([]byte(ev.Content), &meta) == nil {
		d.Content = json.RawMessage(ev.Content)
		d.Name = meta.Name
		d.About = meta.About
		if d.About == "" {
			d.About = meta.Description
		}
	}
	return d
}
