// Package progress implements the Progress Reporter (spec.md §4 "Progress
// Reporter", §3 "Progress record"): a one-way channel the engine emits
// status updates through, with an optional Redis pub/sub fan-out for
// external observers who aren't running in the same process
// (SPEC_FULL.md §12.4). The channel's subscribers never influence the sync
// run; Emit never blocks the engine on a slow or absent reader.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Phase mirrors the Sync Engine's state machine (spec.md §4.4).
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseFetchingRelays Phase = "fetching_relays"
	PhaseBatchFetch     Phase = "batch_fetch"
	PhaseSyncingEvent   Phase = "syncing_event"
	PhaseBatchComplete  Phase = "batch_complete"
	PhaseComplete       Phase = "complete"
	PhaseFailed         Phase = "failed"
)

// Record is the progress record emitted at every meaningful transition
// (spec.md §3).
type Record struct {
	Phase          Phase  `json:"phase"`
	Message        string `json:"message"`
	CursorUntil    int64  `json:"cursor_until"`
	FloorUntil     int64  `json:"floor_until,omitempty"`
	CurrentEventID string `json:"current_event_id,omitempty"`
	ErrorDetails   string `json:"error_details,omitempty"`
}

// Reporter fans out progress records to an in-process channel and,
// optionally, a Redis pub/sub channel.
type Reporter struct {
	records chan Record
	redis   *redis.Client
	channel string
}

// New creates a Reporter with the given channel buffer size. Pass a nil
// redisClient to disable the broadcast sink entirely.
func New(bufferSize int, redisClient *redis.Client, channel string) *Reporter {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Reporter{
		records: make(chan Record, bufferSize),
		redis:   redisClient,
		channel: channel,
	}
}

// NewRedisClient parses a Redis URL and verifies connectivity, the same
// connect-then-ping shape used elsewhere in the example pack for wiring a
// Redis sink.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("progress: parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("progress: connect to redis: %w", err)
	}

	return client, nil
}

// Records returns the read side of the in-process progress channel.
func (r *Reporter) Records() <-chan Record {
	return r.records
}

// Emit publishes a progress record to every subscriber. The in-process send
// is best-effort: a full buffer drops the record rather than block the
// engine, since progress is observational, never load-bearing (spec.md
// §4.4's Progress Reporter is a one-way, non-influencing channel).
func (r *Reporter) Emit(rec Record) {
	select {
	case r.records <- rec:
	default:
	}

	if r.redis == nil {
		return
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r.redis.Publish(ctx, r.channel, payload)
}

// Close releases the in-process channel and, if present, the Redis client.
// Callers must stop calling Emit before calling Close.
func (r *Reporter) Close() error {
	close(r.records)
	if r.redis != nil {
		return r.redis.Close()
	}
	return nil
}
