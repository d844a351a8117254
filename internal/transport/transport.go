// Package transport implements one logical connection per relay URL
// (spec.md §4.1 "Relay Transport"), wrapping *nostr.Relay from
// github.com/nbd-wtf/go-nostr the same way the example pack's relay clients
// do (sandwichfarm/nophr's internal/nostr.Client, asmogo/nws's
// protocol.SimplePool.EnsureRelay).
package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/relaysync/internal/signing"
)

// ConnectFailedError is returned by Open on refusal, TLS failure, or
// handshake timeout.
type ConnectFailedError struct {
	URL    string
	Reason string
}

func (e *ConnectFailedError) Error() string {
	return fmt.Sprintf("transport: connect to %s failed: %s", e.URL, e.Reason)
}

// CloseReason classifies why a subscription ended.
type CloseReason struct {
	// Expected is true only when Close was called by this transport's own
	// caller; any other reason is unexpected (spec.md §4.1).
	Expected bool
	Reason   string
}

// PublishOutcome enumerates the result of awaiting a relay's OK for a
// published event.
type PublishOutcome int

const (
	PublishAccepted PublishOutcome = iota
	PublishRejected
	PublishTimeout
)

// PublishResult is the transport-level answer to Publish.
type PublishResult struct {
	Outcome PublishOutcome
	Reason  string
}

// IsDeletion reports whether a rejection reason is the one tolerated
// rejection class in spec.md §7: the relay already processed a deletion
// request for this event id.
func (r PublishResult) IsDeletion() bool {
	return r.Outcome == PublishRejected && strings.HasPrefix(r.Reason, "deletion")
}

// Subscription is a single open REQ against one relay.
type Subscription struct {
	Events <-chan *nostr.Event
	EOSE   <-chan struct{}
	Closed <-chan CloseReason

	inner  *nostr.Subscription
	cancel context.CancelFunc
}

// Close cooperatively ends the subscription. The transport treats this as an
// expected close (spec.md §4.1).
func (s *Subscription) Close() {
	if s.inner != nil {
		s.inner.Unsub()
	}
	if s.cancel != nil {
		s.cancel()
	}
}

// relayConn is the subset of *nostr.Relay a Transport depends on. Narrowing
// to an interface lets tests substitute a hand-rolled fake in place of a live
// websocket connection (SPEC_FULL.md §10.4).
type relayConn interface {
	IsConnected() bool
	Subscribe(ctx context.Context, filters nostr.Filters) (*nostr.Subscription, error)
	Publish(ctx context.Context, event nostr.Event) error
	Auth(ctx context.Context, sign func(*nostr.Event) error) error
	Close() error
}

// Transport owns one websocket connection to one relay.
type Transport struct {
	URL        string
	relay      relayConn
	authPolicy signing.AuthPolicy
	signer     signing.Signer

	mu      sync.Mutex
	lastErr error
}

// Open establishes a full-duplex connection to a single relay.
func Open(ctx context.Context, url string, authPolicy signing.AuthPolicy, signer signing.Signer) (*Transport, error) {
	normalized := nostr.NormalizeURL(url)

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	relay, err := nostr.RelayConnect(connectCtx, normalized)
	if err != nil {
		return nil, &ConnectFailedError{URL: normalized, Reason: err.Error()}
	}

	if authPolicy == nil {
		authPolicy = signing.DenyAll
	}

	return &Transport{
		URL:        normalized,
		relay:      relay,
		authPolicy: authPolicy,
		signer:     signer,
	}, nil
}

// IsConnected reports the underlying relay's live connection state.
func (t *Transport) IsConnected() bool {
	return t.relay != nil && t.relay.IsConnected()
}

// LastError returns the most recent connection or publish failure observed
// for this transport, or nil if none has occurred, for the health-check's
// per-relay status report (spec.md §4.4 step 3).
func (t *Transport) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

func (t *Transport) setLastErr(err error) {
	t.mu.Lock()
	t.lastErr = err
	t.mu.Unlock()
}

// Subscribe opens a bounded REQ against this relay. The returned
// subscription remains open until Close is called or the relay closes it
// unilaterally.
func (t *Transport) Subscribe(ctx context.Context, filter nostr.Filter) (*Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)

	inner, err := t.relay.Subscribe(subCtx, nostr.Filters{filter})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("transport: subscribe to %s: %w", t.URL, err)
	}

	events := make(chan *nostr.Event)
	eose := make(chan struct{})
	closed := make(chan CloseReason, 1)

	go t.pump(subCtx, inner.Events, inner.EndOfStoredEvents, inner.ClosedReason, events, eose, closed)

	return &Subscription{
		Events: events,
		EOSE:   eose,
		Closed: closed,
		inner:  inner,
		cancel: cancel,
	}, nil
}

// pump forwards relay events and answers at most one auth challenge,
// mirroring asmogo/nws's subMany "auth-required:" handling. After a
// successful AUTH it keeps waiting on the same subscription channels; it does
// not send a new REQ. It depends only
// on the three raw channels a *nostr.Subscription exposes, never the
// concrete type itself, so tests can drive it with hand-made channels
// instead of a live subscription.
func (t *Transport) pump(ctx context.Context, relayEvents <-chan *nostr.Event, eoseSrc <-chan struct{}, closedReason <-chan string, events chan<- *nostr.Event, eose chan<- struct{}, closed chan<- CloseReason) {
	defer close(events)

	hasAuthed := false
	eoseSeen := false

	for {
		select {
		case <-ctx.Done():
			closed <- CloseReason{Expected: true, Reason: "caller closed"}
			return

		case <-eoseSrc:
			if !eoseSeen {
				eoseSeen = true
				close(eose)
			}

		case reason, ok := <-closedReason:
			if !ok {
				return
			}
			if strings.HasPrefix(reason, "auth-required:") && !hasAuthed && t.signer != nil && t.authPolicy(t.URL, reason) {
				hasAuthed = true
				if err := t.relay.Auth(ctx, func(authEvent *nostr.Event) error {
					signed, signErr := t.signer.Sign(ctx, *authEvent)
					if signErr != nil {
						return signErr
					}
					*authEvent = signed
					return nil
				}); err == nil {
					continue // authenticated; keep reading the same subscription
				}
			}
			t.setLastErr(fmt.Errorf("subscription closed: %s", reason))
			closed <- CloseReason{Expected: false, Reason: reason}
			return

		case event, ok := <-relayEvents:
			if !ok {
				t.setLastErr(fmt.Errorf("subscription closed: connection closed"))
				closed <- CloseReason{Expected: false, Reason: "connection closed"}
				return
			}
			select {
			case events <- event:
			case <-ctx.Done():
				closed <- CloseReason{Expected: true, Reason: "caller closed"}
				return
			}
		}
	}
}

// Publish sends an event and awaits the relay's per-event acknowledgment.
func (t *Transport) Publish(ctx context.Context, event nostr.Event) PublishResult {
	err := t.relay.Publish(ctx, event)
	if err == nil {
		return PublishResult{Outcome: PublishAccepted}
	}
	if ctx.Err() != nil {
		t.setLastErr(err)
		return PublishResult{Outcome: PublishTimeout, Reason: err.Error()}
	}
	t.setLastErr(err)
	return PublishResult{Outcome: PublishRejected, Reason: err.Error()}
}

// Close terminates the underlying relay connection entirely.
func (t *Transport) Close() error {
	return t.relay.Close()
}
