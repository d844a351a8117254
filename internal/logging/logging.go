// Package logging wraps log/slog the way the teacher's internal/ops package
// does: a level/format-aware constructor plus a handful of component-shaped
// helpers instead of ad-hoc key/value calls scattered through the engine.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sandwichfarm/relaysync/internal/config"
)

// Logger is a structured logger wrapper around slog.Logger.
type Logger struct {
	*slog.Logger
	level  slog.Level
	format string
}

// New creates a structured logger from a logging configuration, writing to
// stdout.
func New(cfg config.Logging) *Logger {
	return NewWithWriter(cfg, os.Stdout)
}

// NewWithWriter creates a logger that writes to an arbitrary writer, used by
// tests to capture output.
func NewWithWriter(cfg config.Logging, w io.Writer) *Logger {
	level := parseLevel(cfg.Level)

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(time.RFC3339))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{Logger: slog.New(handler), level: level, format: cfg.Format}
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(raw) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithComponent tags every subsequent log line from the returned logger
// with a component field.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{Logger: l.Logger.With("component", component), level: l.level, format: l.format}
}

// IsDebugEnabled reports whether debug-level messages are emitted.
func (l *Logger) IsDebugEnabled() bool {
	return l.level <= slog.LevelDebug
}

// LogRelayConnection logs a relay transport open/close outcome.
func (l *Logger) LogRelayConnection(relay string, connected bool, err error) {
	if err != nil {
		l.Warn("relay connection failed", "relay", relay, "error", err)
		return
	}
	if connected {
		l.Info("relay connected", "relay", relay)
		return
	}
	l.Info("relay disconnected", "relay", relay)
}

// LogBatchFetch logs the outcome of one Batch Fetcher call.
func (l *Logger) LogBatchFetch(urls []string, untilCursor int64, eventCount int, duration time.Duration, err error) {
	if err != nil {
		l.Error("batch fetch failed",
			"relays", len(urls),
			"cursor_until", untilCursor,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return
	}
	l.Debug("batch fetch completed",
		"relays", len(urls),
		"cursor_until", untilCursor,
		"events", eventCount,
		"duration_ms", duration.Milliseconds())
}

// LogPublish logs a single publish attempt's outcome.
func (l *Logger) LogPublish(eventID, relay string, accepted bool, reason string) {
	if accepted {
		l.Debug("publish accepted", "event_id", eventID, "relay", relay)
		return
	}
	l.Warn("publish rejected", "event_id", eventID, "relay", relay, "reason", reason)
}

// LogSyncProgress logs a sync engine phase transition.
func (l *Logger) LogSyncProgress(phase string, cursorUntil int64, syncedCount int) {
	l.Info("sync progress", "phase", phase, "cursor_until", cursorUntil, "synced", syncedCount)
}

// LogCursorPersisted logs a resume-cursor write.
func (l *Logger) LogCursorPersisted(pubkey string, kindSet string, cursorUntil int64, err error) {
	if err != nil {
		l.Error("cursor persist failed", "pubkey", pubkey, "kinds", kindSet, "error", err)
		return
	}
	l.Debug("cursor persisted", "pubkey", pubkey, "kinds", kindSet, "cursor_until", cursorUntil)
}
