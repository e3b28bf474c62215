package bus

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func recv(t *testing.T, ch <-chan Message[string, int]) Message[string, int] {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return Message[string, int]{}
	}
}

func TestKeyedDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := New[string, int](zap.NewNop())
	if err := b.Start(ctx); err != nil {
		t.Fatal(err)
	}

	a := b.Subscribe(ctx, "a")
	all := b.Subscribe(ctx)

	b.Publish(ctx, "a", 1)
	b.Publish(ctx, "b", 2)

	if got := recv(t, a); got.Message != 1 {
		t.Fatalf("key sub got %v, want 1", got.Message)
	}
	if got := recv(t, all); got.Message != 1 {
		t.Fatalf("global sub got %v, want 1", got.Message)
	}
	if got := recv(t, all); got.Key != "b" || got.Message != 2 {
		t.Fatalf("global sub got %v/%v, want b/2", got.Key, got.Message)
	}
	select {
	case msg := <-a:
		t.Fatalf("key sub received %v for foreign key", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTryPublishDoesNotBlock(t *testing.T) {
	b := New[string, int](zap.NewNop())
	// No worker running: the buffer fills and then TryPublish must refuse.
	accepted := 0
	for i := 0; i < 100; i++ {
		if b.TryPublish("k", i) {
			accepted++
		}
	}
	if accepted == 0 || accepted == 100 {
		t.Fatalf("accepted %d of 100, want partial acceptance", accepted)
	}
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := New[string, int](zap.NewNop())
	if err := b.Start(ctx); err != nil {
		t.Fatal(err)
	}

	subCtx, subCancel := context.WithCancel(ctx)
	ch := b.Subscribe(subCtx, "a")
	subCancel()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscription channel not closed after cancel")
		}
	}
}
