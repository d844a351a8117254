// Package signing provides the optional signer delegate consulted only when
// a relay issues a NIP-42 auth challenge (spec.md §4.1, §6).
package signing

import (
	"context"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// Signer signs an unsigned auth-challenge event template. It is never called
// for anything other than NIP-42 AUTH events.
type Signer interface {
	Sign(ctx context.Context, event nostr.Event) (nostr.Event, error)
}

// AuthPolicy decides whether a given relay's challenge should be answered at
// all. Returning false proceeds the subscription un-authenticated; any
// resulting rejection surfaces downstream as a normal relay error.
type AuthPolicy func(relayURL, challenge string) bool

// AllowAll answers every challenge.
func AllowAll(string, string) bool { return true }

// DenyAll never answers a challenge.
func DenyAll(string, string) bool { return false }

// PrivateKeySigner signs with a single hex private key held in memory, the
// direct route nostr.Event.Sign already provides.
type PrivateKeySigner struct {
	privateKeyHex string
}

// NewPrivateKeySigner wraps a hex-encoded secp256k1 private key.
func NewPrivateKeySigner(privateKeyHex string) *PrivateKeySigner {
	return &PrivateKeySigner{privateKeyHex: privateKeyHex}
}

func (s *PrivateKeySigner) Sign(_ context.Context, event nostr.Event) (nostr.Event, error) {
	if err := event.Sign(s.privateKeyHex); err != nil {
		return nostr.Event{}, fmt.Errorf("signing: sign event: %w", err)
	}
	return event, nil
}
