// Package store persists chat messages and their render-event log.
package store

import (
	"context"
	"strings"
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Stream statuses for assistant messages. A message starts in_progress and
// transitions monotonically to exactly one terminal status.
const (
	StatusInProgress  = "in_progress"
	StatusCompleted   = "completed"
	StatusInterrupted = "interrupted"
	StatusFailed      = "failed"
)

// Message is one chat message row.
type Message struct {
	ID            string
	SessionID     string
	Role          string
	ContentText   string
	ContentRender map[string]any
	LastSeq       int
	StreamStatus  string
	TotalCostUSD  float64
	CreatedAt     time.Time
}

// Event is one persisted render event.
type Event struct {
	ID            string
	SessionID     string
	MessageID     string
	StreamID      string
	Seq           int
	EventType     string
	RenderPayload map[string]any
	CreatedAt     time.Time
}

// EventInsert is the input shape for appending events.
type EventInsert struct {
	SessionID     string
	MessageID     string
	StreamID      string
	Seq           int
	EventType     string
	RenderPayload map[string]any
}

// Snapshot is the rolling assistant-message state written on each flush.
type Snapshot struct {
	ContentText   string
	ContentRender map[string]any
	LastSeq       int
	StreamStatus  string
	TotalCostUSD  float64
}

// Store is the persistence interface for messages and their event log.
// Per-session seq uniqueness is the caller's to uphold: NextSeq is read once
// per turn and at most one turn per session is in flight.
type Store interface {
	// CreateMessage inserts a message row and returns its id.
	CreateMessage(ctx context.Context, sessionID, role, contentText, streamStatus string) (string, error)

	// AppendEvent inserts one event row.
	AppendEvent(ctx context.Context, ev EventInsert) error

	// AppendEventsBatch inserts the events in one round trip. On failure the
	// caller falls back to per-row AppendEvent.
	AppendEventsBatch(ctx context.Context, events []EventInsert) error

	// UpdateMessageSnapshot overwrites the rolling snapshot of a message.
	UpdateMessageSnapshot(ctx context.Context, messageID string, snap Snapshot) error

	// NextSeq returns COALESCE(MAX(seq),0)+1 for the session.
	NextSeq(ctx context.Context, sessionID string) (int, error)

	// HasPriorAssistant reports whether any assistant message exists for the
	// session; it decides whether a new turn continues the conversation.
	HasPriorAssistant(ctx context.Context, sessionID string) (bool, error)

	// EventsAfter returns events with seq > afterSeq in ascending seq order.
	EventsAfter(ctx context.Context, sessionID string, afterSeq int) ([]Event, error)

	// Close releases the backing resources.
	Close()
}

// StripNullBytes removes NUL characters, which Postgres text and jsonb
// columns reject.
func StripNullBytes(s string) string {
	return strings.ReplaceAll(s, "\x00", "")
}

// SanitizePayload returns payload with NUL characters removed from every
// string, recursively.
func SanitizePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out, _ := sanitizeValue(payload).(map[string]any)
	return out
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case string:
		return StripNullBytes(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[StripNullBytes(k)] = sanitizeValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return v
	}
}
