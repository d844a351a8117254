package relaylist

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
)

func TestParse(t *testing.T) {
	event := &nostr.Event{
		Kind: KindRelayList,
		Tags: nostr.Tags{
			{"r", "wss://relay.one"},
			{"r", "wss://relay.two", "write"},
			{"r", "wss://relay.three", "read"},
			{"r", "wss://relay.two", "write"}, // duplicate, must be deduped
			{"p", "ignored"},
		},
	}

	got, err := Parse(event)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 descriptors, got %d: %+v", len(got), got)
	}

	if got[0].Role != RoleReadWrite {
		t.Errorf("relay.one: expected RoleReadWrite, got %v", got[0].Role)
	}
	if got[1].Role != RoleWriteOnly {
		t.Errorf("relay.two: expected RoleWriteOnly, got %v", got[1].Role)
	}
	if got[2].Role != RoleReadOnly {
		t.Errorf("relay.three: expected RoleReadOnly, got %v", got[2].Role)
	}
}

func TestParseWrongKind(t *testing.T) {
	_, err := Parse(&nostr.Event{Kind: 1})
	if err == nil {
		t.Fatal("expected error for non-relay-list event")
	}
}

func TestWriteReadURLs(t *testing.T) {
	descriptors := []Descriptor{
		{URL: "wss://a", Role: RoleReadWrite},
		{URL: "wss://b", Role: RoleWriteOnly},
		{URL: "wss://c", Role: RoleReadOnly},
	}

	write := WriteURLs(descriptors, 0)
	if len(write) != 2 {
		t.Errorf("expected 2 write relays, got %v", write)
	}

	read := ReadURLs(descriptors, 0)
	if len(read) != 2 {
		t.Errorf("expected 2 read relays, got %v", read)
	}

	capped := WriteURLs(descriptors, 1)
	if len(capped) != 1 {
		t.Errorf("expected cap to 1, got %v", capped)
	}
}
