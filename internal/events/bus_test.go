package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func TestEmitReachesSubscribers(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	var calls atomic.Int32
	bus.Subscribe(EventConnected, "a", func(ctx context.Context, e Event) error {
		calls.Add(1)
		return nil
	})
	bus.Subscribe(EventConnected, "b", func(ctx context.Context, e Event) error {
		calls.Add(1)
		return nil
	})
	bus.Subscribe(EventShutdown, "other", func(ctx context.Context, e Event) error {
		t.Error("unrelated handler called")
		return nil
	})

	bus.Emit(context.Background(), Event{Type: EventConnected})
	bus.Wait()

	if got := calls.Load(); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
}

func TestPanickingHandlerIsIsolated(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	var ok atomic.Bool
	bus.Subscribe(EventConnectionLost, "panics", func(ctx context.Context, e Event) error {
		panic("boom")
	})
	bus.Subscribe(EventConnectionLost, "fine", func(ctx context.Context, e Event) error {
		ok.Store(true)
		return nil
	})

	if err := bus.EmitSync(context.Background(), Event{Type: EventConnectionLost}); err != nil {
		t.Fatalf("EmitSync: %v", err)
	}
	if !ok.Load() {
		t.Fatal("healthy handler did not run")
	}
}

func TestEmitSyncReturnsHandlerError(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	want := errors.New("failed")
	bus.Subscribe(EventShutdown, "err", func(ctx context.Context, e Event) error {
		return want
	})

	if err := bus.EmitSync(context.Background(), Event{Type: EventShutdown}); !errors.Is(err, want) {
		t.Fatalf("EmitSync = %v, want %v", err, want)
	}
}

func TestUnsubscribeAndStop(t *testing.T) {
	bus := NewEventBus()

	var calls atomic.Int32
	bus.Subscribe(EventFactSent, "x", func(ctx context.Context, e Event) error {
		calls.Add(1)
		return nil
	})
	bus.Subscribe(EventFactSent, "y", func(ctx context.Context, e Event) error {
		calls.Add(10)
		return nil
	})
	bus.Unsubscribe(EventFactSent, "x")

	if err := bus.EmitSync(context.Background(), Event{Type: EventFactSent}); err != nil {
		t.Fatalf("EmitSync: %v", err)
	}
	if got := calls.Load(); got != 10 {
		t.Fatalf("calls = %d, want only the remaining handler", got)
	}

	bus.Subscribe(EventFactSent, "late", func(ctx context.Context, e Event) error {
		t.Error("handler called after Stop")
		return nil
	})
	bus.Stop()
	bus.Stop()

	bus.Emit(context.Background(), Event{Type: EventFactSent})
	bus.Wait()
	if err := bus.EmitSync(context.Background(), Event{Type: EventFactSent}); err != nil {
		t.Fatalf("EmitSync after Stop: %v", err)
	}
}
