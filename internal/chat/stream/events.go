// Package stream turns the agent's message stream into an ordered, persisted
// and live-published sequence of render events, and maintains the rolling
// snapshot of the assistant message for each turn.
package stream

import "strings"

// Render event kinds. The set is closed; subscribers treat it as a stable
// wire contract.
const (
	KindSystem            = "system"
	KindAssistantText     = "assistant_text"
	KindAssistantThinking = "assistant_thinking"
	KindToolStarted       = "tool_started"
	KindToolCompleted     = "tool_completed"
	KindToolFailed        = "tool_failed"
	KindUserText          = "user_text"
	KindPromptSuggestions = "prompt_suggestions"
	KindComplete          = "complete"
	KindCancelled         = "cancelled"
	KindError             = "error"
)

// IsTerminalKind reports whether kind ends a stream.
func IsTerminalKind(kind string) bool {
	switch kind {
	case KindComplete, KindCancelled, KindError:
		return true
	}
	return false
}

const topicPrefix = "chat:stream:live:"

// Topic returns the live-bus topic for a session's stream.
func Topic(sessionID string) string {
	return topicPrefix + sessionID
}

// RenderEvent is one typed event before it is sequenced into an envelope.
type RenderEvent struct {
	Kind    string
	Payload map[string]any
}

// Envelope is the wire shape wrapping every render event on the live bus and
// the SSE stream. Field names are camelCase on the wire and must not change.
type Envelope struct {
	SessionID string         `json:"sessionId"`
	MessageID string         `json:"messageId"`
	StreamID  string         `json:"streamId"`
	Seq       int            `json:"seq"`
	Kind      string         `json:"kind"`
	Payload   map[string]any `json:"payload"`
	TS        string         `json:"ts"`
}

// snapshot accumulates the rolling assistant-message state for one turn: the
// ordered event list and the concatenated assistant text.
type snapshot struct {
	events    []any
	textParts []string
}

func (s *snapshot) add(kind string, payload map[string]any) {
	ev := make(map[string]any, len(payload)+1)
	ev["type"] = kind
	for k, v := range payload {
		ev[k] = v
	}
	s.events = append(s.events, ev)

	if kind == KindAssistantText {
		if text, ok := payload["text"].(string); ok {
			s.textParts = append(s.textParts, text)
		}
	}
}

func (s *snapshot) contentText() string {
	return strings.Join(s.textParts, "")
}

func (s *snapshot) render() map[string]any {
	events := s.events
	if events == nil {
		events = []any{}
	}
	return map[string]any{"events": events}
}
