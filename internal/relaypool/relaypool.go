// Package relaypool implements the Relay Pool (spec.md §4.2): it holds one
// transport per target relay URL, aggregates a batch fetch across all target
// relays into a single deduplicated stream, publishes to one target relay at
// a time, and maintains the sighting index that drives which relays are
// still missing a given event.
//
// The transport map and sighting index both use
// github.com/puzpuzpuz/xsync/v3, the lock-free map the teacher's go.mod
// already pulled in (via asmogo/nws's SimplePool pattern) but never used in
// its own code.
package relaypool

import (
	"context"
	"fmt"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/sandwichfarm/relaysync/internal/signing"
	"github.com/sandwichfarm/relaysync/internal/transport"
)

// FetchedEvent pairs a received event with the relay URL it arrived from.
type FetchedEvent struct {
	Event *nostr.Event
	Relay string
}

// RelayError records a per-relay failure observed during a fetch or publish,
// without aborting the other relays in the same call (spec.md §4.2, §7).
type RelayError struct {
	Relay string
	Err   error
}

func (e RelayError) Error() string {
	return fmt.Sprintf("relaypool: %s: %v", e.Relay, e.Err)
}

// RelayStatus is the per-relay shape attached to a Sync Engine health-check
// failure (SPEC_FULL.md §13 "per-relay connection status in progress
// records"), adapted from the teacher's Discovery.GetRelays() []RelayStatus.
type RelayStatus struct {
	URL       string `json:"url"`
	Connected bool   `json:"connected"`
	LastError string `json:"last_error,omitempty"`
}

// relayTransport is the subset of *transport.Transport the pool depends on.
// Narrowing to an interface lets tests substitute a hand-rolled fake instead
// of opening a real websocket connection (SPEC_FULL.md §10.4).
type relayTransport interface {
	IsConnected() bool
	LastError() error
	Subscribe(ctx context.Context, filter nostr.Filter) (*transport.Subscription, error)
	Publish(ctx context.Context, event nostr.Event) transport.PublishResult
	Close() error
}

// Pool manages transports to a fixed set of relay URLs for the lifetime of
// one sync run.
type Pool struct {
	authPolicy signing.AuthPolicy
	signer     signing.Signer

	transports *xsync.MapOf[string, relayTransport]

	// sighted maps event id -> set of relay URLs known to hold that event,
	// built from which relays actually returned the event during a fetch and
	// which relays accepted it on publish.
	sighted *xsync.MapOf[string, *xsync.MapOf[string, struct{}]]

	// openTransport defaults to opening a live websocket connection;
	// overridden in tests with a fake so FetchBatch/Publish can be exercised
	// without a real relay.
	openTransport func(ctx context.Context, url string, authPolicy signing.AuthPolicy, signer signing.Signer) (relayTransport, error)
}

// New creates an empty pool. Transports are opened lazily per relay URL the
// first time they are needed.
func New(authPolicy signing.AuthPolicy, signer signing.Signer) *Pool {
	if authPolicy == nil {
		authPolicy = signing.DenyAll
	}
	return &Pool{
		authPolicy:    authPolicy,
		signer:        signer,
		transports:    xsync.NewMapOf[string, relayTransport](),
		sighted:       xsync.NewMapOf[string, *xsync.MapOf[string, struct{}]](),
		openTransport: openLiveTransport,
	}
}

func openLiveTransport(ctx context.Context, url string, authPolicy signing.AuthPolicy, signer signing.Signer) (relayTransport, error) {
	return transport.Open(ctx, url, authPolicy, signer)
}

// ensure returns the transport for url, opening a fresh connection on first
// use and reusing it while it stays connected; a disconnected transport is
// replaced by a newly opened one.
func (p *Pool) ensure(ctx context.Context, url string) (relayTransport, error) {
	normalized := nostr.NormalizeURL(url)

	if t, ok := p.transports.Load(normalized); ok && t.IsConnected() {
		return t, nil
	}

	t, err := p.openTransport(ctx, normalized, p.authPolicy, p.signer)
	if err != nil {
		return nil, err
	}
	p.transports.Store(normalized, t)
	return t, nil
}

// FetchBatch opens one subscription per relay in urls for the same filter and
// merges all results into a single deduplicated, descending-by-created_at
// slice, recording sightings as events arrive (spec.md §4.2, §4.3).
//
// A relay that fails to connect or whose subscription closes unexpectedly
// contributes a RelayError to errs but never aborts the other relays.
func (p *Pool) FetchBatch(ctx context.Context, urls []string, filter nostr.Filter) (events []*nostr.Event, errs []RelayError) {
	type result struct {
		events []*nostr.Event
		err    *RelayError
	}

	results := make(chan result, len(urls))
	var wg sync.WaitGroup

	for _, url := range urls {
		url := nostr.NormalizeURL(url)
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := p.fetchOne(ctx, url, filter)
			if err != nil {
				results <- result{err: &RelayError{Relay: url, Err: err}}
				return
			}
			results <- result{events: got}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	seen := make(map[string]*nostr.Event)
	for r := range results {
		if r.err != nil {
			errs = append(errs, *r.err)
			continue
		}
		for _, event := range r.events {
			seen[event.ID] = event
		}
	}

	events = make([]*nostr.Event, 0, len(seen))
	for _, event := range seen {
		events = append(events, event)
	}
	sortByCreatedAtDesc(events)

	return events, errs
}

func (p *Pool) fetchOne(ctx context.Context, url string, filter nostr.Filter) ([]*nostr.Event, error) {
	t, err := p.ensure(ctx, url)
	if err != nil {
		return nil, err
	}

	sub, err := t.Subscribe(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	var got []*nostr.Event
	for {
		select {
		case <-ctx.Done():
			return got, ctx.Err()

		case <-sub.EOSE:
			return got, nil

		case reason := <-sub.Closed:
			if reason.Expected {
				return got, nil
			}
			return got, fmt.Errorf("subscription closed: %s", reason.Reason)

		case event, ok := <-sub.Events:
			if !ok {
				return got, nil
			}
			got = append(got, event)
			p.markSighted(event.ID, url)
		}
	}
}

// markSighted records that url is known to hold event id.
func (p *Pool) markSighted(id, url string) {
	relays, _ := p.sighted.LoadOrCompute(id, func() *xsync.MapOf[string, struct{}] {
		return xsync.NewMapOf[string, struct{}]()
	})
	relays.Store(url, struct{}{})
}

// MissingTargets returns the subset of targetURLs not yet known to hold the
// given event id (spec.md §4.4 "missing set").
func (p *Pool) MissingTargets(id string, targetURLs []string) []string {
	relays, ok := p.sighted.Load(id)
	if !ok {
		out := make([]string, len(targetURLs))
		copy(out, targetURLs)
		return out
	}

	missing := make([]string, 0, len(targetURLs))
	for _, url := range targetURLs {
		normalized := nostr.NormalizeURL(url)
		if _, sighted := relays.Load(normalized); !sighted {
			missing = append(missing, url)
		}
	}
	return missing
}

// Publish sends event to a single write relay and waits for its OK.
func (p *Pool) Publish(ctx context.Context, url string, event nostr.Event) (transport.PublishResult, error) {
	t, err := p.ensure(ctx, url)
	if err != nil {
		return transport.PublishResult{}, err
	}

	result := t.Publish(ctx, event)
	if result.Outcome == transport.PublishAccepted {
		p.markSighted(event.ID, nostr.NormalizeURL(url))
	}
	return result, nil
}

// Connected reports whether a transport has already been opened for url and
// still reports a live connection. It never opens a new connection itself
// (spec.md §4.4 step 3 "health-check").
func (p *Pool) Connected(url string) bool {
	t, ok := p.transports.Load(nostr.NormalizeURL(url))
	return ok && t.IsConnected()
}

// Status reports {URL, Connected, LastError} for every URL in targetURLs,
// without opening any new connections, so a health-check failure can attach
// the full per-relay picture to its progress record (spec.md §4.4 step 3,
// SPEC_FULL.md §13).
func (p *Pool) Status(targetURLs []string) []RelayStatus {
	statuses := make([]RelayStatus, 0, len(targetURLs))
	for _, url := range targetURLs {
		normalized := nostr.NormalizeURL(url)
		status := RelayStatus{URL: normalized}
		if t, ok := p.transports.Load(normalized); ok {
			status.Connected = t.IsConnected()
			if err := t.LastError(); err != nil {
				status.LastError = err.Error()
			}
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// Close tears down every transport opened during this run.
func (p *Pool) Close() {
	p.transports.Range(func(_ string, t relayTransport) bool {
		_ = t.Close()
		return true
	})
}

func sortByCreatedAtDesc(events []*nostr.Event) {
	for i := 1; i < len(events); i++ {
		for j := i; j > 0 && events[j].CreatedAt > events[j-1].CreatedAt; j-- {
			events[j], events[j-1] = events[j-1], events[j]
		}
	}
}
