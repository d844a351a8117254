package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/relaysync/internal/progress"
	"github.com/sandwichfarm/relaysync/internal/relaypool"
	"github.com/sandwichfarm/relaysync/internal/transport"
)

// fakeFetcher is a hand-rolled stand-in for *fetch.Fetcher (spec.md's test
// tooling promise: no mocking framework, per SPEC_FULL.md §10.4). batches is
// consumed one slice per call; once exhausted, Fetch reports end of history.
type fakeFetcher struct {
	batches      [][]*nostr.Event
	errAtCall    int // 1-based call index at which to return err instead of a batch
	err          error
	cancelAtCall int // 1-based call index at which to invoke cancel before returning
	cancel       context.CancelFunc

	calls      int
	untilsSeen []int64
}

func (f *fakeFetcher) Fetch(ctx context.Context, urls []string, filter nostr.Filter) ([]*nostr.Event, error) {
	f.calls++
	if filter.Until != nil {
		f.untilsSeen = append(f.untilsSeen, int64(*filter.Until))
	}
	if f.cancel != nil && f.calls == f.cancelAtCall {
		f.cancel()
	}
	if f.errAtCall != 0 && f.calls == f.errAtCall {
		return nil, f.err
	}
	idx := f.calls - 1
	if idx >= len(f.batches) {
		return nil, nil
	}
	return f.batches[idx], nil
}

// fakePool is a hand-rolled stand-in for *relaypool.Pool.
type fakePool struct {
	missing        map[string][]string // event id -> relays MissingTargets reports
	publishResults map[string]transport.PublishResult
	publishErr     map[string]error
	statuses       []relaypool.RelayStatus
	connected      map[string]bool

	publishCalls []publishCall
}

type publishCall struct {
	url     string
	eventID string
}

func (p *fakePool) MissingTargets(id string, targetURLs []string) []string {
	if p.missing == nil {
		return nil
	}
	return p.missing[id]
}

func (p *fakePool) Publish(ctx context.Context, url string, event nostr.Event) (transport.PublishResult, error) {
	p.publishCalls = append(p.publishCalls, publishCall{url: url, eventID: event.ID})
	if err, ok := p.publishErr[url]; ok {
		return transport.PublishResult{}, err
	}
	if result, ok := p.publishResults[url]; ok {
		return result, nil
	}
	return transport.PublishResult{Outcome: transport.PublishAccepted}, nil
}

func (p *fakePool) Connected(url string) bool {
	if p.connected == nil {
		return true
	}
	return p.connected[url]
}

func (p *fakePool) Status(targetURLs []string) []relaypool.RelayStatus {
	if p.statuses != nil {
		return p.statuses
	}
	statuses := make([]relaypool.RelayStatus, len(targetURLs))
	for i, url := range targetURLs {
		statuses[i] = relaypool.RelayStatus{URL: url, Connected: true}
	}
	return statuses
}

// quickPolicy disables pacing delays so scenario tests run instantly.
func quickPolicy() Policy {
	p := DefaultPolicy()
	p.InterEventDelay = 0
	p.InterBatchDelay = 0
	return p
}

func TestRunRejectsEmptyTargetSet(t *testing.T) {
	e := New(nil, nil, nil, DefaultPolicy())

	result, err := e.Run(context.Background(), nil, nostr.Filter{}, 1700000000, 0)
	if !errors.Is(err, ErrNoRelays) {
		t.Fatalf("Run() error = %v, want ErrNoRelays", err)
	}
	if result.CursorUntil != 1700000000 {
		t.Errorf("CursorUntil = %d, want unchanged initial-until", result.CursorUntil)
	}
}

func TestRunPaginatesBackwardAndAdvancesCursor(t *testing.T) {
	fetcher := &fakeFetcher{batches: [][]*nostr.Event{
		{{ID: "e1", CreatedAt: 300}, {ID: "e2", CreatedAt: 200}},
		{{ID: "e3", CreatedAt: 100}},
	}}
	pool := &fakePool{}
	e := New(pool, fetcher, nil, quickPolicy())

	targets := []string{"wss://a.test", "wss://b.test"}
	result, err := e.Run(context.Background(), targets, nostr.Filter{}, 1700000000, 0)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.TotalSynced != 3 {
		t.Errorf("TotalSynced = %d, want 3", result.TotalSynced)
	}
	if result.CursorUntil != 99 {
		t.Errorf("CursorUntil = %d, want 99", result.CursorUntil)
	}
	wantUntils := []int64{1700000000, 199, 99}
	if len(fetcher.untilsSeen) != len(wantUntils) {
		t.Fatalf("untilsSeen = %v, want %v", fetcher.untilsSeen, wantUntils)
	}
	for i, want := range wantUntils {
		if fetcher.untilsSeen[i] != want {
			t.Errorf("untilsSeen[%d] = %d, want %d", i, fetcher.untilsSeen[i], want)
		}
	}
	if len(pool.publishCalls) != 0 {
		t.Errorf("publishCalls = %v, want none (MissingTargets reported nothing missing)", pool.publishCalls)
	}
}

func TestRunPublishesOnlyToMissingTargets(t *testing.T) {
	fetcher := &fakeFetcher{batches: [][]*nostr.Event{
		{{ID: "e1", CreatedAt: 300}},
	}}
	pool := &fakePool{missing: map[string][]string{"e1": {"wss://b.test"}}}
	e := New(pool, fetcher, nil, quickPolicy())

	targets := []string{"wss://a.test", "wss://b.test"}
	_, err := e.Run(context.Background(), targets, nostr.Filter{}, 1700000000, 0)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(pool.publishCalls) != 1 || pool.publishCalls[0].url != "wss://b.test" {
		t.Fatalf("publishCalls = %v, want exactly one call to wss://b.test", pool.publishCalls)
	}
}

func TestRunStopsAtCutoffWithoutProcessingOlderEvents(t *testing.T) {
	fetcher := &fakeFetcher{batches: [][]*nostr.Event{
		{{ID: "e1", CreatedAt: 300}, {ID: "e2", CreatedAt: 250}, {ID: "e3", CreatedAt: 150}},
	}}
	pool := &fakePool{}
	e := New(pool, fetcher, nil, quickPolicy())

	result, err := e.Run(context.Background(), []string{"wss://a.test"}, nostr.Filter{}, 1700000000, 200)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.TotalSynced != 2 {
		t.Errorf("TotalSynced = %d, want 2 (e3 is below stop-at)", result.TotalSynced)
	}
	if result.CursorUntil != 249 {
		t.Errorf("CursorUntil = %d, want 249", result.CursorUntil)
	}
	if fetcher.calls != 1 {
		t.Errorf("fetcher.calls = %d, want 1 (run should stop after hitting cutoff, never fetch a second batch)", fetcher.calls)
	}
}

func TestRunContinuesOnDeletionOnlyRejection(t *testing.T) {
	fetcher := &fakeFetcher{batches: [][]*nostr.Event{
		{{ID: "e1", CreatedAt: 300}},
	}}
	pool := &fakePool{
		missing: map[string][]string{"e1": {"wss://a.test"}},
		publishResults: map[string]transport.PublishResult{
			"wss://a.test": {Outcome: transport.PublishRejected, Reason: "deletion: already removed"},
		},
	}
	e := New(pool, fetcher, nil, quickPolicy())

	result, err := e.Run(context.Background(), []string{"wss://a.test"}, nostr.Filter{}, 1700000000, 0)
	if err != nil {
		t.Fatalf("Run() error = %v, want nil (deletion-only rejection is tolerated)", err)
	}
	if result.TotalSynced != 0 {
		t.Errorf("TotalSynced = %d, want 0 (deletion-only event is not counted as synced)", result.TotalSynced)
	}
}

func TestRunFailsOnNonDeletionPublishRejection(t *testing.T) {
	fetcher := &fakeFetcher{batches: [][]*nostr.Event{
		{{ID: "e1", CreatedAt: 300}},
	}}
	pool := &fakePool{
		missing: map[string][]string{"e1": {"wss://a.test"}},
		publishResults: map[string]transport.PublishResult{
			"wss://a.test": {Outcome: transport.PublishRejected, Reason: "blocked: rate limited"},
		},
	}
	e := New(pool, fetcher, nil, quickPolicy())

	result, err := e.Run(context.Background(), []string{"wss://a.test"}, nostr.Filter{}, 1700000000, 0)
	var rejected *PublishRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("Run() error = %v, want *PublishRejectedError", err)
	}
	if result.CursorUntil != 1700000000 {
		t.Errorf("CursorUntil = %d, want unchanged initial-until (run fails before advancing)", result.CursorUntil)
	}
}

func TestRunReturnsCancelledOnMidFetchCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fetcher := &fakeFetcher{errAtCall: 1, err: context.Canceled, cancelAtCall: 1, cancel: cancel}
	pool := &fakePool{}
	e := New(pool, fetcher, nil, quickPolicy())

	_, err := e.Run(ctx, []string{"wss://a.test"}, nostr.Filter{}, 1700000000, 0)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("Run() error = %v, want ErrCancelled", err)
	}
}

func TestRunReturnsDisconnectedWithPerRelayStatusDetails(t *testing.T) {
	fetcher := &fakeFetcher{}
	pool := &fakePool{statuses: []relaypool.RelayStatus{
		{URL: "wss://a.test", Connected: false, LastError: "connection reset"},
		{URL: "wss://b.test", Connected: true},
	}}
	reporter := progress.New(8, nil, "")
	e := New(pool, fetcher, reporter, quickPolicy())

	_, err := e.Run(context.Background(), []string{"wss://a.test", "wss://b.test"}, nostr.Filter{}, 1700000000, 0)
	if !errors.Is(err, ErrDisconnected) {
		t.Fatalf("Run() error = %v, want ErrDisconnected", err)
	}
	if !strings.Contains(err.Error(), "wss://a.test") {
		t.Errorf("Run() error = %v, want it to name the disconnected relay", err)
	}

	var rec progress.Record
	var found bool
drain:
	for {
		select {
		case r := <-reporter.Records():
			if r.Phase == progress.PhaseFailed && r.Message == "relay health check failed" {
				rec = r
				found = true
				break drain
			}
		default:
			break drain
		}
	}
	if !found {
		t.Fatal("no \"relay health check failed\" progress record was emitted")
	}
	var statuses []relaypool.RelayStatus
	if jsonErr := json.Unmarshal([]byte(rec.ErrorDetails), &statuses); jsonErr != nil {
		t.Fatalf("ErrorDetails = %q, not valid JSON: %v", rec.ErrorDetails, jsonErr)
	}
	if len(statuses) != 2 || statuses[0].Connected || !statuses[1].Connected {
		t.Fatalf("ErrorDetails decoded = %+v, want both relay statuses preserved", statuses)
	}
}

func TestRunTimeoutSleepIsCancellable(t *testing.T) {
	// Sanity check that quickPolicy's zero delays don't mask a real
	// pacing cancellation path elsewhere in sleep().
	e := New(&fakePool{}, &fakeFetcher{}, nil, DefaultPolicy())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := e.sleep(ctx, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("sleep() error = %v, want context.Canceled", err)
	}
}

func TestIsDeletionOnlyAllDeletions(t *testing.T) {
	r := publishResult{rejections: map[string]string{
		"wss://a.test": "deletion: event was deleted by author",
		"wss://b.test": "deletion request honored",
	}}
	if !isDeletionOnly(r) {
		t.Error("expected all-deletion rejections to be treated as deletion-only")
	}
}

func TestIsDeletionOnlyMixedReasons(t *testing.T) {
	r := publishResult{rejections: map[string]string{
		"wss://a.test": "deletion: event was deleted by author",
		"wss://b.test": "blocked: rate limited",
	}}
	if isDeletionOnly(r) {
		t.Error("expected mixed rejection reasons to not be deletion-only")
	}
}

func TestIsDeletionOnlyEmpty(t *testing.T) {
	if isDeletionOnly(publishResult{}) {
		t.Error("expected empty rejection set to not be deletion-only")
	}
}

func TestSortByCreatedAtDesc(t *testing.T) {
	events := []*nostr.Event{
		{ID: "old", CreatedAt: 100},
		{ID: "newest", CreatedAt: 300},
		{ID: "mid", CreatedAt: 200},
	}
	sortByCreatedAtDesc(events)

	want := []string{"newest", "mid", "old"}
	for i, id := range want {
		if events[i].ID != id {
			t.Fatalf("events[%d].ID = %q, want %q", i, events[i].ID, id)
		}
	}
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	if p.BatchSize != 20 {
		t.Errorf("BatchSize = %d, want 20", p.BatchSize)
	}
}

func TestPublishRejectedErrorMessage(t *testing.T) {
	err := &PublishRejectedError{EventID: "abc", Reasons: map[string]string{"wss://a.test": "blocked"}}
	if err.Error() == "" {
		t.Error("expected non-empty error message")
	}
}
