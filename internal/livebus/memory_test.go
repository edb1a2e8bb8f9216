package livebus

import (
	"context"
	"testing"
	"time"
)

func recvOne(t *testing.T, sub Subscription) []byte {
	t.Helper()
	select {
	case msg, ok := <-sub.Messages():
		if !ok {
			t.Fatal("subscription channel closed")
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestMemoryBusFanOut(t *testing.T) {
	bus := NewMemoryBus(nil)
	defer bus.Close()
	ctx := context.Background()

	sub1, err := bus.Subscribe(ctx, "chat:stream:live:s1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	sub2, err := bus.Subscribe(ctx, "chat:stream:live:s1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	other, err := bus.Subscribe(ctx, "chat:stream:live:s2")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := bus.Publish(ctx, "chat:stream:live:s1", []byte("hello")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if got := string(recvOne(t, sub1)); got != "hello" {
		t.Errorf("sub1 got %q", got)
	}
	if got := string(recvOne(t, sub2)); got != "hello" {
		t.Errorf("sub2 got %q", got)
	}
	select {
	case msg := <-other.Messages():
		t.Errorf("other topic received %q", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	bus := NewMemoryBus(nil)
	defer bus.Close()
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "t")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, ok := <-sub.Messages(); ok {
		t.Error("channel should be closed after unsubscribe")
	}
	// publishing after unsubscribe must not panic or deliver
	if err := bus.Publish(ctx, "t", []byte("x")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
}

func TestMemoryBusCloseIsIdempotent(t *testing.T) {
	bus := NewMemoryBus(nil)
	sub, _ := bus.Subscribe(context.Background(), "t")
	if err := bus.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if _, ok := <-sub.Messages(); ok {
		t.Error("subscriber channel should close with the bus")
	}
	if err := bus.Publish(context.Background(), "t", []byte("x")); err == nil {
		t.Error("publish on closed bus should fail")
	}
}
