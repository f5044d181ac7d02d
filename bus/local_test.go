package bus

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestLocalRouterDeliversToSubscribers(t *testing.T) {
	r := NewLocalRouter()
	defer r.Close()

	received := make(chan []byte, 1)
	sub, err := r.Subscribe("agent.a1.in", func(ctx context.Context, subject string, payload []byte, headers Headers) {
		received <- payload
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if err := r.Publish(context.Background(), "agent.a1.in", []byte("hello"), nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-received:
		if string(got) != "hello" {
			t.Fatalf("expected hello, got %s", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestLocalRouterSingleThreadedPerSubscription(t *testing.T) {
	r := NewLocalRouter()
	defer r.Close()

	var mu sync.Mutex
	active := 0
	maxActive := 0
	done := make(chan struct{}, 20)

	sub, err := r.Subscribe("agent.a1.in", func(ctx context.Context, subject string, payload []byte, headers Headers) {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
		done <- struct{}{}
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	for i := 0; i < 20; i++ {
		if err := r.Publish(context.Background(), "agent.a1.in", []byte("x"), nil); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	for i := 0; i < 20; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for handlers to drain")
		}
	}

	if maxActive != 1 {
		t.Fatalf("expected at most one concurrent handler invocation, saw %d", maxActive)
	}
}

func TestLocalRouterUnsubscribeStopsDelivery(t *testing.T) {
	r := NewLocalRouter()
	defer r.Close()

	calls := 0
	var mu sync.Mutex
	sub, err := r.Subscribe("agent.a1.in", func(ctx context.Context, subject string, payload []byte, headers Headers) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}

	if err := r.Publish(context.Background(), "agent.a1.in", []byte("x"), nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Fatalf("expected no delivery after unsubscribe, got %d calls", calls)
	}
}

func TestLocalRouterCloseRejectsFurtherUse(t *testing.T) {
	r := NewLocalRouter()
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := r.Publish(context.Background(), "agent.a1.in", []byte("x"), nil); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := r.Subscribe("agent.a1.in", func(context.Context, string, []byte, Headers) {}); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
