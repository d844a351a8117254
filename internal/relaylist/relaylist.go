// Package relaylist parses NIP-65 relay list events into the role-tagged
// relay descriptors the sync engine operates on.
package relaylist

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

// KindRelayList is the NIP-65 event kind (10002).
const KindRelayList = 10002

// Role classifies how a relay was declared in a NIP-65 document.
type Role int

const (
	RoleReadWrite Role = iota
	RoleWriteOnly
	RoleReadOnly
)

func (r Role) String() string {
	switch r {
	case RoleWriteOnly:
		return "write-only"
	case RoleReadOnly:
		return "read-only"
	default:
		return "read+write"
	}
}

// Descriptor is a normalized relay URL plus its declared role. The role is
// derived once and never mutates during a sync run.
type Descriptor struct {
	URL  string
	Role Role
}

// CanWrite reports whether events authored by the owner belong on this relay.
func (d Descriptor) CanWrite() bool {
	return d.Role == RoleReadWrite || d.Role == RoleWriteOnly
}

// CanRead reports whether events mentioning the owner should be found here.
func (d Descriptor) CanRead() bool {
	return d.Role == RoleReadWrite || d.Role == RoleReadOnly
}

var ErrWrongKind = errors.New("relaylist: event is not a NIP-65 relay list")

// Parse extracts relay descriptors from a kind-10002 event's "r" tags.
func Parse(event *nostr.Event) ([]Descriptor, error) {
	if event == nil {
		return nil, fmt.Errorf("relaylist: nil event")
	}
	if event.Kind != KindRelayList {
		return nil, fmt.Errorf("%w: got kind %d", ErrWrongKind, event.Kind)
	}

	descriptors := make([]Descriptor, 0, len(event.Tags))
	seen := make(map[string]bool, len(event.Tags))

	for _, tag := range event.Tags {
		if len(tag) < 2 || tag[0] != "r" {
			continue
		}

		url := strings.TrimSpace(tag[1])
		if url == "" {
			continue
		}
		url = nostr.NormalizeURL(url)
		if seen[url] {
			continue
		}
		seen[url] = true

		role := RoleReadWrite
		if len(tag) >= 3 {
			switch strings.ToLower(strings.TrimSpace(tag[2])) {
			case "write":
				role = RoleWriteOnly
			case "read":
				role = RoleReadOnly
			}
		}

		descriptors = append(descriptors, Descriptor{URL: url, Role: role})
	}

	return descriptors, nil
}

// WriteURLs returns the normalized URLs of every relay designated to carry
// events authored by the owner, capped at max (<=0 means unbounded).
func WriteURLs(descriptors []Descriptor, max int) []string {
	return urlsFor(descriptors, Descriptor.CanWrite, max)
}

// ReadURLs returns the normalized URLs of every relay designated to carry
// events that mention the owner, capped at max (<=0 means unbounded).
func ReadURLs(descriptors []Descriptor, max int) []string {
	return urlsFor(descriptors, Descriptor.CanRead, max)
}

func urlsFor(descriptors []Descriptor, include func(Descriptor) bool, max int) []string {
	urls := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		if !include(d) {
			continue
		}
		urls = append(urls, d.URL)
		if max > 0 && len(urls) >= max {
			break
		}
	}
	return urls
}
