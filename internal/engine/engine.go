// Package engine implements the Sync Engine (spec.md §4.4): the
// backward-paginating state machine that drives the Batch Fetcher and Relay
// Pool, computes per-event missing sets, republishes to whatever targets
// are missing an event, and enforces pacing and stop-on-error.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/relaysync/internal/fetch"
	"github.com/sandwichfarm/relaysync/internal/progress"
	"github.com/sandwichfarm/relaysync/internal/relaypool"
	"github.com/sandwichfarm/relaysync/internal/transport"
)

// Sentinel errors from the taxonomy in spec.md §7. Wrapped errors from the
// fetch and relaypool packages surface through these via errors.Is/As where
// the caller needs to distinguish recovery paths; otherwise the raw error
// from Run carries enough context for a human-readable report.
var (
	ErrNoRelays     = errors.New("engine: no target relays configured")
	ErrDisconnected = errors.New("engine: relay disconnected mid-run")
	ErrCancelled    = errors.New("engine: run cancelled")
)

// PublishRejectedError is raised when at least one relay rejects a
// publication for a reason other than a prior deletion (spec.md §7).
type PublishRejectedError struct {
	EventID string
	Reasons map[string]string // relay URL -> rejection reason
}

func (e *PublishRejectedError) Error() string {
	return fmt.Sprintf("engine: publish of %s rejected by %d relay(s): %v", e.EventID, len(e.Reasons), e.Reasons)
}

// Policy carries the pacing and batching knobs spec.md §6 calls out as
// advisory limits enforced at the orchestration layer.
type Policy struct {
	BatchSize       int
	PublishTimeout  time.Duration
	InterEventDelay time.Duration
	InterBatchDelay time.Duration
}

// DefaultPolicy returns the spec's policy-knob defaults.
func DefaultPolicy() Policy {
	return Policy{
		BatchSize:       fetch.DefaultBatchSize,
		PublishTimeout:  5 * time.Second,
		InterEventDelay: 10 * time.Second,
		InterBatchDelay: 10 * time.Second,
	}
}

// Result is the final outcome of a Run, always returned alongside (or
// instead of) an error so a caller can retry from cursor-until (spec.md §7
// "user-visible failure behavior").
type Result struct {
	CursorUntil int64
	TotalSynced int
}

// Fetcher is the subset of *fetch.Fetcher the engine depends on. Narrowing
// to an interface lets tests drive Run with a hand-rolled fake instead of a
// real relay pool (SPEC_FULL.md §10.4).
type Fetcher interface {
	Fetch(ctx context.Context, urls []string, filter nostr.Filter) ([]*nostr.Event, error)
}

// Pool is the subset of *relaypool.Pool the engine depends on.
type Pool interface {
	MissingTargets(id string, targetURLs []string) []string
	Publish(ctx context.Context, url string, event nostr.Event) (transport.PublishResult, error)
	Connected(url string) bool
	Status(targetURLs []string) []relaypool.RelayStatus
}

// Engine runs exactly one sync at a time; target-set coordination across
// concurrent runs (e.g. a write-sync and a read-sync sharing one pool) is
// left to the caller (spec.md §5).
type Engine struct {
	pool     Pool
	fetcher  Fetcher
	reporter *progress.Reporter
	policy   Policy
}

// New builds an Engine around an already-constructed pool, fetcher, and
// progress reporter.
func New(pool Pool, fetcher Fetcher, reporter *progress.Reporter, policy Policy) *Engine {
	return &Engine{pool: pool, fetcher: fetcher, reporter: reporter, policy: policy}
}

// Run executes the backward-paginating sync described in spec.md §4.4.
// initialUntil is the newest timestamp the first batch may include
// (exclusive upper bound); stopAt, if non-zero, is the oldest timestamp the
// run should process (inclusive lower cutoff).
func (e *Engine) Run(ctx context.Context, targetURLs []string, filter nostr.Filter, initialUntil, stopAt int64) (Result, error) {
	if len(targetURLs) == 0 {
		return Result{CursorUntil: initialUntil}, ErrNoRelays
	}

	cursorUntil := initialUntil
	totalSynced := 0

	e.emit(progress.Record{Phase: progress.PhaseFetchingRelays, Message: "opening relay connections", CursorUntil: cursorUntil})

	for {
		if err := ctx.Err(); err != nil {
			e.emit(progress.Record{Phase: progress.PhaseFailed, Message: "cancelled", CursorUntil: cursorUntil, ErrorDetails: err.Error()})
			return Result{CursorUntil: cursorUntil, TotalSynced: totalSynced}, ErrCancelled
		}

		until := nostr.Timestamp(cursorUntil)
		batchFilter := filter
		batchFilter.Until = &until
		batchFilter.Limit = e.policy.BatchSize

		e.emit(progress.Record{Phase: progress.PhaseBatchFetch, Message: "fetching batch", CursorUntil: cursorUntil, FloorUntil: stopAt})

		events, err := e.fetcher.Fetch(ctx, targetURLs, batchFilter)
		if err != nil {
			if isCancellation(err) {
				e.emit(progress.Record{Phase: progress.PhaseFailed, Message: "cancelled during batch fetch", CursorUntil: cursorUntil, ErrorDetails: err.Error()})
				return Result{CursorUntil: cursorUntil, TotalSynced: totalSynced}, ErrCancelled
			}
			e.emit(progress.Record{Phase: progress.PhaseFailed, Message: "batch fetch failed", CursorUntil: cursorUntil, ErrorDetails: err.Error()})
			return Result{CursorUntil: cursorUntil, TotalSynced: totalSynced}, err
		}

		statuses := e.pool.Status(targetURLs)
		var disconnected []string
		for _, status := range statuses {
			if !status.Connected {
				disconnected = append(disconnected, status.URL)
			}
		}
		if len(disconnected) > 0 {
			details, _ := json.Marshal(statuses)
			e.emit(progress.Record{Phase: progress.PhaseFailed, Message: "relay health check failed", CursorUntil: cursorUntil, ErrorDetails: string(details)})
			return Result{CursorUntil: cursorUntil, TotalSynced: totalSynced}, fmt.Errorf("%w: %s", ErrDisconnected, strings.Join(disconnected, ", "))
		}

		if len(events) == 0 {
			message := "reached end of history"
			if stopAt != 0 {
				message = "reached end of range"
			}
			e.emit(progress.Record{Phase: progress.PhaseComplete, Message: message, CursorUntil: cursorUntil})
			return Result{CursorUntil: cursorUntil, TotalSynced: totalSynced}, nil
		}

		sortByCreatedAtDesc(events)
		if len(events) > e.policy.BatchSize {
			events = events[:e.policy.BatchSize]
		}

		oldestProcessed := int64(events[0].CreatedAt)
		stoppedEarly := false

		for _, event := range events {
			if stopAt != 0 && int64(event.CreatedAt) < stopAt {
				stoppedEarly = true
				break
			}
			oldestProcessed = int64(event.CreatedAt)

			e.emit(progress.Record{Phase: progress.PhaseSyncingEvent, Message: "syncing event", CursorUntil: cursorUntil, CurrentEventID: event.ID})

			missing := e.pool.MissingTargets(event.ID, targetURLs)
			if len(missing) == 0 {
				totalSynced++
				continue
			}

			result, err := e.publishToAll(ctx, missing, *event)
			if err != nil {
				if isCancellation(err) {
					e.emit(progress.Record{Phase: progress.PhaseFailed, Message: "cancelled during publish", CursorUntil: cursorUntil, CurrentEventID: event.ID, ErrorDetails: err.Error()})
					return Result{CursorUntil: cursorUntil, TotalSynced: totalSynced}, ErrCancelled
				}
				if isDeletionOnly(result) {
					continue
				}
				e.emit(progress.Record{Phase: progress.PhaseFailed, Message: "publish rejected", CursorUntil: cursorUntil, CurrentEventID: event.ID, ErrorDetails: err.Error()})
				return Result{CursorUntil: cursorUntil, TotalSynced: totalSynced}, err
			}
			totalSynced++

			if sleepErr := e.sleep(ctx, e.policy.InterEventDelay); sleepErr != nil {
				e.emit(progress.Record{Phase: progress.PhaseFailed, Message: "cancelled during pacing", CursorUntil: cursorUntil})
				return Result{CursorUntil: cursorUntil, TotalSynced: totalSynced}, ErrCancelled
			}
		}

		cursorUntil = oldestProcessed - 1

		if stoppedEarly || (stopAt != 0 && oldestProcessed <= stopAt) {
			e.emit(progress.Record{Phase: progress.PhaseComplete, Message: "reached stop-at cutoff", CursorUntil: cursorUntil})
			return Result{CursorUntil: cursorUntil, TotalSynced: totalSynced}, nil
		}

		e.emit(progress.Record{Phase: progress.PhaseBatchComplete, Message: "batch complete", CursorUntil: cursorUntil})

		if sleepErr := e.sleep(ctx, e.policy.InterBatchDelay); sleepErr != nil {
			e.emit(progress.Record{Phase: progress.PhaseFailed, Message: "cancelled during pacing", CursorUntil: cursorUntil})
			return Result{CursorUntil: cursorUntil, TotalSynced: totalSynced}, ErrCancelled
		}
	}
}

// publishResult captures per-relay outcomes for one event's publish round.
type publishResult struct {
	rejections map[string]string
}

// isCancellation reports whether err represents the caller's own ctx having
// been cancelled or timed out, as opposed to a fetch/publish failure
// intrinsic to the relays themselves (spec.md §7 "Cancelled" taxonomy
// entry, kept distinct from every other recovery path).
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func isDeletionOnly(r publishResult) bool {
	if len(r.rejections) == 0 {
		return false
	}
	for _, reason := range r.rejections {
		if !strings.Contains(reason, "deletion") {
			return false
		}
	}
	return true
}

// publishToAll publishes event to every URL in targets, waiting
// publishTimeout per relay. A PublishRejectedError is always returned
// together with its non-empty rejections map so the caller can apply the
// deletion-only carve-out; on cancellation the map may be empty.
func (e *Engine) publishToAll(ctx context.Context, targets []string, event nostr.Event) (publishResult, error) {
	rejections := make(map[string]string)

	for _, url := range targets {
		if err := ctx.Err(); err != nil {
			return publishResult{rejections: rejections}, err
		}

		publishCtx, cancel := context.WithTimeout(ctx, e.policy.PublishTimeout)
		result, err := e.pool.Publish(publishCtx, url, event)
		cancel()

		if err != nil {
			rejections[url] = err.Error()
			continue
		}
		if result.Outcome != transport.PublishAccepted {
			rejections[url] = result.Reason
		}
	}

	// A cancellation of the caller's own ctx (not the per-relay publishCtx
	// timeout above) must surface as ctx.Err() rather than being folded into
	// a PublishRejectedError, so Run can classify it as ErrCancelled.
	if err := ctx.Err(); err != nil {
		return publishResult{rejections: rejections}, err
	}

	if len(rejections) == 0 {
		return publishResult{}, nil
	}
	return publishResult{rejections: rejections}, &PublishRejectedError{EventID: event.ID, Reasons: rejections}
}

func (e *Engine) emit(rec progress.Record) {
	if e.reporter == nil {
		return
	}
	e.reporter.Emit(rec)
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sortByCreatedAtDesc(events []*nostr.Event) {
	sort.Slice(events, func(i, j int) bool {
		return events[i].CreatedAt > events[j].CreatedAt
	})
}
