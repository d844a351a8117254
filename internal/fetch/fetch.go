// Package fetch implements the Batch Fetcher (spec.md §4.3): one bounded
// subscription call across a named relay set, collected until EOSE, a
// wall-clock timeout, or an unexpected close.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/relaysync/internal/relaypool"
)

// Default policy knobs (spec.md §6 "Constants").
const (
	DefaultBatchSize    = 20
	DefaultBatchTimeout = 15 * time.Second
	closingSlack        = 3 * time.Second
)

// ErrFetchTimeout is returned when the internal subscription deadline
// elapses before every relay reaches EOSE.
var ErrFetchTimeout = errors.New("fetch: timed out waiting for batch")

// ClosedUnexpectedlyError carries the per-relay reasons a fetch failed for
// any cause other than a caller-initiated close (spec.md §4.3 step 4).
type ClosedUnexpectedlyError struct {
	Reasons []relaypool.RelayError
}

func (e *ClosedUnexpectedlyError) Error() string {
	return fmt.Sprintf("fetch: closed unexpectedly on %d relay(s): %v", len(e.Reasons), e.Reasons)
}

// Pool is the subset of *relaypool.Pool the Fetcher depends on. Narrowing to
// an interface lets tests substitute a hand-rolled fake instead of a real
// relay pool (SPEC_FULL.md §10.4).
type Pool interface {
	FetchBatch(ctx context.Context, urls []string, filter nostr.Filter) ([]*nostr.Event, []relaypool.RelayError)
}

// Fetcher runs bounded batch fetches against a relay pool.
type Fetcher struct {
	pool         Pool
	batchSize    int
	batchTimeout time.Duration
}

// New returns a Fetcher using the given batch size and wall-clock timeout.
// Passing zero for either selects the spec default.
func New(pool Pool, batchSize int, batchTimeout time.Duration) *Fetcher {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if batchTimeout <= 0 {
		batchTimeout = DefaultBatchTimeout
	}
	return &Fetcher{pool: pool, batchSize: batchSize, batchTimeout: batchTimeout}
}

// Fetch runs one bounded fetch across urls for filter (the engine is
// responsible for setting filter.Until before calling). It never
// deduplicates against the sighting index — every relay's delivery of an
// event is recorded, even if another relay already delivered the same id
// (spec.md §4.3).
func (f *Fetcher) Fetch(ctx context.Context, urls []string, filter nostr.Filter) ([]*nostr.Event, error) {
	filter.Limit = f.batchSize

	internalTimeout := f.batchTimeout - closingSlack
	if internalTimeout <= 0 {
		internalTimeout = f.batchTimeout
	}

	fetchCtx, cancel := context.WithTimeout(ctx, internalTimeout)
	defer cancel()

	events, errs := f.pool.FetchBatch(fetchCtx, urls, filter)

	// Check the caller's own ctx first: a cancellation there must surface as
	// ctx.Err() (context.Canceled, distinct from ErrFetchTimeout) so the
	// engine can classify it as ErrCancelled rather than a relay failure,
	// even though fetchCtx (derived from ctx) reports the same Err() once
	// its parent is done (spec.md §7 "Cancelled" taxonomy entry).
	if ctx.Err() != nil {
		return events, ctx.Err()
	}

	if errors.Is(fetchCtx.Err(), context.DeadlineExceeded) {
		return events, ErrFetchTimeout
	}

	if len(errs) > 0 {
		return events, &ClosedUnexpectedlyError{Reasons: errs}
	}

	return events, nil
}
