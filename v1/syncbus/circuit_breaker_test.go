package syncbus

import (
	"context"
	"errors"
	"testing"
	"time"
)

type mockBus struct {
	publishFunc func(ctx context.Context, ev Event) error
	*InMemoryBus
}

func (m *mockBus) Publish(ctx context.Context, ev Event) error {
	if m.publishFunc != nil {
		return m.publishFunc(ctx, ev)
	}
	return m.InMemoryBus.Publish(ctx, ev)
}

func TestCircuitBreaker_StateTransitions(t *testing.T) {
	mb := &mockBus{InMemoryBus: NewInMemoryBus()}
	timeout := 50 * time.Millisecond
	cb := NewCircuitBreaker(mb, 2, timeout)

	ctx := context.Background()
	ev := Event{Kind: KindAcquired, Resource: "alpha", PID: 1}
	failErr := errors.New("fail")

	if !cb.IsHealthy() {
		t.Fatal("expected healthy initially")
	}

	mb.publishFunc = func(context.Context, Event) error { return failErr }
	if err := cb.Publish(ctx, ev); err != failErr {
		t.Fatalf("expected failErr, got %v", err)
	}
	if !cb.IsHealthy() {
		t.Fatal("expected healthy after 1 failure (threshold 2)")
	}
	if err := cb.Publish(ctx, ev); err != failErr {
		t.Fatalf("expected failErr, got %v", err)
	}
	if cb.IsHealthy() {
		t.Fatal("expected open after threshold reached")
	}
	if err := cb.Publish(ctx, ev); err != ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}

	time.Sleep(timeout + 10*time.Millisecond)
	if !cb.IsHealthy() {
		t.Fatal("expected healthy once timeout elapsed")
	}

	// failing probe reopens the circuit
	if err := cb.Publish(ctx, ev); err != failErr {
		t.Fatalf("expected probe failure, got %v", err)
	}
	if err := cb.Publish(ctx, ev); err != ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen after failed probe, got %v", err)
	}

	time.Sleep(timeout + 10*time.Millisecond)
	mb.publishFunc = nil
	if err := cb.Publish(ctx, ev); err != nil {
		t.Fatalf("expected successful probe, got %v", err)
	}
	if err := cb.Publish(ctx, ev); err != nil {
		t.Fatalf("expected closed circuit, got %v", err)
	}
}

func TestCircuitBreakerDelegatesSubscribe(t *testing.T) {
	inner := NewInMemoryBus()
	cb := NewCircuitBreaker(inner, 1, time.Second)
	ctx := context.Background()
	ch, err := cb.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := cb.Publish(ctx, Event{Kind: KindReleased, Resource: "alpha"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case ev := <-ch:
		if ev.Kind != KindReleased {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	if err := cb.Unsubscribe(ctx, ch); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
}
