package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store used by tests and single-process
// development runs.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string]*Message
	events   map[string][]Event // keyed by session id
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string]*Message),
		events:   make(map[string][]Event),
	}
}

func (s *MemoryStore) CreateMessage(ctx context.Context, sessionID, role, contentText, streamStatus string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := &Message{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		Role:         role,
		ContentText:  StripNullBytes(contentText),
		StreamStatus: streamStatus,
		CreatedAt:    time.Now(),
	}
	s.messages[msg.ID] = msg
	return msg.ID, nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, ev EventInsert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(ev)
	return nil
}

func (s *MemoryStore) AppendEventsBatch(ctx context.Context, events []EventInsert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		s.appendLocked(ev)
	}
	return nil
}

func (s *MemoryStore) appendLocked(ev EventInsert) {
	s.events[ev.SessionID] = append(s.events[ev.SessionID], Event{
		ID:            uuid.NewString(),
		SessionID:     ev.SessionID,
		MessageID:     ev.MessageID,
		StreamID:      ev.StreamID,
		Seq:           ev.Seq,
		EventType:     ev.EventType,
		RenderPayload: SanitizePayload(ev.RenderPayload),
		CreatedAt:     time.Now(),
	})
}

func (s *MemoryStore) UpdateMessageSnapshot(ctx context.Context, messageID string, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok {
		return nil
	}
	msg.ContentText = StripNullBytes(snap.ContentText)
	msg.ContentRender = SanitizePayload(snap.ContentRender)
	msg.LastSeq = snap.LastSeq
	msg.StreamStatus = snap.StreamStatus
	msg.TotalCostUSD = snap.TotalCostUSD
	return nil
}

func (s *MemoryStore) NextSeq(ctx context.Context, sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	max := 0
	for _, ev := range s.events[sessionID] {
		if ev.Seq > max {
			max = ev.Seq
		}
	}
	return max + 1, nil
}

func (s *MemoryStore) HasPriorAssistant(ctx context.Context, sessionID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, msg := range s.messages {
		if msg.SessionID == sessionID && msg.Role == RoleAssistant {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) EventsAfter(ctx context.Context, sessionID string, afterSeq int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, ev := range s.events[sessionID] {
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() {}

// Message returns a message by id for test assertions.
func (s *MemoryStore) Message(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return Message{}, false
	}
	return *msg, true
}
