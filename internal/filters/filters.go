// Package filters builds the two canonical filters the Sync Engine runs
// against (spec.md §3): events authored by the target pubkey, and events
// mentioning it. Grounded on the teacher's internal/sync.FilterBuilder,
// simplified down to exactly what the sync engine needs — no scope/kind
// overrides, since those config knobs belonged to the teacher's broader
// multi-kind sync, not this filter pair.
package filters

import "github.com/nbd-wtf/go-nostr"

// Nostr event kinds relevant to the two canonical filters (NIP-01, NIP-18,
// NIP-23, NIP-25, NIP-57).
const (
	kindTextNote     = 1
	kindRepost       = 6
	kindReaction     = 7
	kindLongFormNote = 30023
	kindZapReceipt   = 9735
)

// Authored kinds: short text notes, reposts, and long-form articles.
var writeKinds = []int{kindTextNote, kindRepost, kindLongFormNote}

// Mentioning kinds: short text notes, reposts, reactions, and zap receipts.
var readKinds = []int{kindTextNote, kindRepost, kindReaction, kindZapReceipt}

// Write returns the filter for events authored by pubkey.
func Write(pubkeyHex string) nostr.Filter {
	return nostr.Filter{
		Authors: []string{pubkeyHex},
		Kinds:   writeKinds,
	}
}

// Read returns the filter for events mentioning pubkey via a p-tag.
func Read(pubkeyHex string) nostr.Filter {
	return nostr.Filter{
		Kinds: readKinds,
		Tags:  nostr.TagMap{"p": []string{pubkeyHex}},
	}
}
