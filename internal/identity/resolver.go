// Package identity provides the pubkey-resolution collaborator the sync
// engine consumes but never implements itself (spec.md §6 "Identity
// resolver"). The engine only ever sees the resolved hex pubkey; it never
// parses a bech32-style identifier.
package identity

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

// Identity is the resolved result of a textual identifier.
type Identity struct {
	PubKeyHex  string
	HintRelays []string
}

// Resolver turns a textual identifier (npub1..., nprofile1...) into a pubkey
// plus optional hint relays. Implementations may hit local storage, a
// directory service, or decode the identifier directly.
type Resolver interface {
	Resolve(identifier string) (Identity, error)
}

// NIP19Resolver decodes npub/nprofile identifiers locally, without any
// network round trip.
type NIP19Resolver struct{}

// NewNIP19Resolver returns a Resolver that only ever decodes bech32 locally.
func NewNIP19Resolver() NIP19Resolver {
	return NIP19Resolver{}
}

func (NIP19Resolver) Resolve(identifier string) (Identity, error) {
	prefix, decoded, err := nip19.Decode(identifier)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: decode %q: %w", identifier, err)
	}

	switch prefix {
	case "npub":
		pubkey, ok := decoded.(string)
		if !ok {
			return Identity{}, fmt.Errorf("identity: unexpected npub payload type %T", decoded)
		}
		return Identity{PubKeyHex: pubkey}, nil

	case "nprofile":
		pointer, ok := decoded.(nostr.ProfilePointer)
		if !ok {
			return Identity{}, fmt.Errorf("identity: unexpected nprofile payload type %T", decoded)
		}
		return Identity{PubKeyHex: pointer.PublicKey, HintRelays: pointer.Relays}, nil

	default:
		return Identity{}, fmt.Errorf("identity: unsupported identifier prefix %q", prefix)
	}
}
