package store

import (
	"context"
	"testing"
)

func TestMemoryStoreSeqCounter(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	next, err := s.NextSeq(ctx, "s1")
	if err != nil || next != 1 {
		t.Fatalf("NextSeq on empty session = %d, %v", next, err)
	}

	msgID, err := s.CreateMessage(ctx, "s1", RoleAssistant, "", StatusInProgress)
	if err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}
	for seq := 1; seq <= 3; seq++ {
		if err := s.AppendEvent(ctx, EventInsert{
			SessionID: "s1", MessageID: msgID, StreamID: "st1",
			Seq: seq, EventType: "assistant_text",
			RenderPayload: map[string]any{"text": "x"},
		}); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}

	next, _ = s.NextSeq(ctx, "s1")
	if next != 4 {
		t.Errorf("NextSeq = %d, want 4", next)
	}
	next, _ = s.NextSeq(ctx, "other")
	if next != 1 {
		t.Errorf("NextSeq for other session = %d, want 1", next)
	}
}

func TestMemoryStoreEventsAfter(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	msgID, _ := s.CreateMessage(ctx, "s1", RoleAssistant, "", StatusInProgress)

	var batch []EventInsert
	for seq := 1; seq <= 5; seq++ {
		batch = append(batch, EventInsert{
			SessionID: "s1", MessageID: msgID, StreamID: "st1",
			Seq: seq, EventType: "assistant_text",
		})
	}
	if err := s.AppendEventsBatch(ctx, batch); err != nil {
		t.Fatalf("AppendEventsBatch failed: %v", err)
	}

	events, err := s.EventsAfter(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("EventsAfter failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Seq != i+3 {
			t.Errorf("event %d seq = %d, want %d", i, ev.Seq, i+3)
		}
	}

	// at or beyond the latest seq yields no backlog
	events, _ = s.EventsAfter(ctx, "s1", 5)
	if len(events) != 0 {
		t.Errorf("expected empty backlog, got %d events", len(events))
	}
}

func TestMemoryStoreHasPriorAssistant(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	has, _ := s.HasPriorAssistant(ctx, "s1")
	if has {
		t.Error("fresh session should have no assistant")
	}
	s.CreateMessage(ctx, "s1", RoleUser, "hi", StatusCompleted)
	has, _ = s.HasPriorAssistant(ctx, "s1")
	if has {
		t.Error("user message alone should not count")
	}
	s.CreateMessage(ctx, "s1", RoleAssistant, "", StatusInProgress)
	has, _ = s.HasPriorAssistant(ctx, "s1")
	if !has {
		t.Error("assistant message should count")
	}
}

func TestMemoryStoreSnapshotUpdate(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	msgID, _ := s.CreateMessage(ctx, "s1", RoleAssistant, "", StatusInProgress)

	err := s.UpdateMessageSnapshot(ctx, msgID, Snapshot{
		ContentText:   "hello",
		ContentRender: map[string]any{"events": []any{}},
		LastSeq:       2,
		StreamStatus:  StatusCompleted,
		TotalCostUSD:  0.01,
	})
	if err != nil {
		t.Fatalf("UpdateMessageSnapshot failed: %v", err)
	}

	msg, ok := s.Message(msgID)
	if !ok {
		t.Fatal("message disappeared")
	}
	if msg.ContentText != "hello" || msg.LastSeq != 2 ||
		msg.StreamStatus != StatusCompleted || msg.TotalCostUSD != 0.01 {
		t.Errorf("snapshot = %+v", msg)
	}
}

func TestSanitizeStripsNullBytes(t *testing.T) {
	if got := StripNullBytes("a\x00b"); got != "ab" {
		t.Errorf("StripNullBytes = %q", got)
	}

	payload := SanitizePayload(map[string]any{
		"text": "a\x00b",
		"nested": map[string]any{
			"list": []any{"c\x00", 7},
		},
	})
	if payload["text"] != "ab" {
		t.Errorf("text = %q", payload["text"])
	}
	nested := payload["nested"].(map[string]any)
	list := nested["list"].([]any)
	if list[0] != "c" || list[1] != 7 {
		t.Errorf("list = %#v", list)
	}
}
