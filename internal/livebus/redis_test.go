package livebus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestRedisBusPublishSubscribe(t *testing.T) {
	mr := miniredis.RunT(t)

	bus, err := NewRedisBus("redis://"+mr.Addr(), nil)
	if err != nil {
		t.Fatalf("NewRedisBus failed: %v", err)
	}
	defer bus.Close()
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "chat:stream:live:s1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	if err := bus.Publish(ctx, "chat:stream:live:s1", []byte(`{"seq":1}`)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case msg := <-sub.Messages():
		if string(msg) != `{"seq":1}` {
			t.Errorf("got %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for redis message")
	}
}

func TestRedisBusSubscriptionCloseEndsStream(t *testing.T) {
	mr := miniredis.RunT(t)

	bus, err := NewRedisBus("redis://"+mr.Addr(), nil)
	if err != nil {
		t.Fatalf("NewRedisBus failed: %v", err)
	}
	defer bus.Close()

	sub, err := bus.Subscribe(context.Background(), "t")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case _, ok := <-sub.Messages():
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("messages channel did not close")
	}
}

func TestRedisBusCloseUnblocksSaturatedPump(t *testing.T) {
	mr := miniredis.RunT(t)

	bus, err := NewRedisBus("redis://"+mr.Addr(), nil)
	if err != nil {
		t.Fatalf("NewRedisBus failed: %v", err)
	}
	defer bus.Close()
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "t")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// overflow the 64-slot buffer without consuming so the pump ends up
	// blocked mid-send, then abandon the subscription
	for i := 0; i < 80; i++ {
		if err := bus.Publish(ctx, "t", []byte("x")); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	time.Sleep(50 * time.Millisecond)
	if err := sub.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// the pump must exit and close the channel instead of leaking
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.Messages():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("messages channel never closed after Close")
		}
	}
}

func TestNewRedisBusRejectsBadURL(t *testing.T) {
	if _, err := NewRedisBus("not-a-url", nil); err == nil {
		t.Fatal("expected error for invalid url")
	}
}
