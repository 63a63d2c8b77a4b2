// Package identity holds the keypair a participant signs with and derives
// pairwise encryption secrets from.
package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/nbd-wtf/go-nostr/nip19"
)

var (
	ErrMissingKey = errors.New("identity: private key is required")
	ErrInvalidKey = errors.New("identity: invalid key")
)

// Identity is owned by the process holding the private key. The private key
// is never serialized by this package except through NSec for the keys CLI.
type Identity struct {
	secret string
	public string

	mu     sync.Mutex
	shared map[string][]byte
}

func Generate() *Identity {
	id, err := fromHex(nostr.GeneratePrivateKey())
	if err != nil {
		// GeneratePrivateKey always yields a valid scalar.
		panic(err)
	}
	return id
}

// Parse accepts a hex secret key or a bech32 nsec.
func Parse(key string) (*Identity, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrMissingKey
	}
	if strings.HasPrefix(key, "nsec1") {
		prefix, value, err := nip19.Decode(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		sk, ok := value.(string)
		if prefix != "nsec" || !ok {
			return nil, fmt.Errorf("%w: not an nsec", ErrInvalidKey)
		}
		key = sk
	}
	return fromHex(key)
}

func fromHex(sk string) (*Identity, error) {
	if !isHex32(sk) {
		return nil, fmt.Errorf("%w: secret must be 32 bytes of hex", ErrInvalidKey)
	}
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &Identity{secret: sk, public: pk, shared: make(map[string][]byte)}, nil
}

// ParsePublicKey normalizes a hex or npub public key to hex.
func ParsePublicKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if strings.HasPrefix(key, "npub1") {
		prefix, value, err := nip19.Decode(key)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		pk, ok := value.(string)
		if prefix != "npub" || !ok {
			return "", fmt.Errorf("%w: not an npub", ErrInvalidKey)
		}
		key = pk
	}
	key = strings.ToLower(key)
	if !isHex32(key) {
		return "", fmt.Errorf("%w: public key must be 32 bytes of hex", ErrInvalidKey)
	}
	return key, nil
}

func (i *Identity) PublicKey() string { return i.public }

func (i *Identity) NPub() string {
	s, _ := nip19.EncodePublicKey(i.public)
	return s
}

func (i *Identity) NSec() string {
	s, _ := nip19.EncodePrivateKey(i.secret)
	return s
}

// Sign sets PubKey, ID and Sig on ev.
func (i *Identity) Sign(ev *nostr.Event) error {
	if err := ev.Sign(i.secret); err != nil {
		return fmt.Errorf("sign event: %w", err)
	}
	return nil
}

// SharedSecret derives (and caches) the ECDH secret shared with peer.
// Both sides derive the same value from their own secret and the other's
// public key.
func (i *Identity) SharedSecret(peer string) ([]byte, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if s, ok := i.shared[peer]; ok {
		return s, nil
	}
	s, err := nip04.ComputeSharedSecret(peer, i.secret)
	if err != nil {
		return nil, fmt.Errorf("shared secret with %s: %w", short(peer), err)
	}
	i.shared[peer] = s
	return s, nil
}

func (i *Identity) Encrypt(peer, plaintext string) (string, error) {
	key, err := i.SharedSecret(peer)
	if err != nil {
		return "", err
	}
	return nip04.Encrypt(plaintext, key)
}

func (i *Identity) Decrypt(peer, ciphertext string) (string, error) {
	key, err := i.SharedSecret(peer)
	if err != nil {
		return "", err
	}
	return nip04.Decrypt(ciphertext, key)
}

func isHex32(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func short(pk string) string {
	if len(pk) > 12 {
		return pk[:12]
	}
	return pk
}
