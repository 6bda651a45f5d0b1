package events_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xonrelay/xonrelay/internal/events"
)

func TestEmit(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()

	got := make(chan events.Event, 1)
	bus.Subscribe(events.EventChatMessage, "test", func(ctx context.Context, e events.Event) error {
		got <- e
		return nil
	})

	bus.Emit(context.Background(), events.Event{
		Type:    events.EventChatMessage,
		Source:  "duel",
		Payload: events.ChatMessagePayload{Server: "duel", Text: "hello"},
	})

	select {
	case e := <-got:
		p, ok := e.Payload.(events.ChatMessagePayload)
		if !ok || p.Text != "hello" {
			t.Fatalf("Payload mismatch, got: %#v", e.Payload)
		}
	case <-time.After(time.Second):
		t.Fatalf("Handler never ran")
	}

	if n := bus.Emitted()[events.EventChatMessage]; n != 1 {
		t.Fatalf("Emitted count mismatch, got: %d, want: %d", n, 1)
	}
}

func TestEmitSync(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()

	want := errors.New("boom")
	var calls atomic.Int32
	bus.SubscribeMany(
		[]events.EventType{events.EventConnectionFailed, events.EventConnectionState},
		"failing",
		func(ctx context.Context, e events.Event) error {
			calls.Add(1)
			return want
		},
	)
	bus.Subscribe(events.EventConnectionFailed, "panicking", func(ctx context.Context, e events.Event) error {
		panic("handler bug")
	})

	err := bus.EmitSync(context.Background(), events.Event{Type: events.EventConnectionFailed})
	if !errors.Is(err, want) {
		t.Fatalf("EmitSync error mismatch, got: %v, want: %v", err, want)
	}
	if err := bus.EmitSync(context.Background(), events.Event{Type: events.EventConnectionState}); !errors.Is(err, want) {
		t.Fatalf("EmitSync error mismatch, got: %v, want: %v", err, want)
	}
	if calls.Load() != 2 {
		t.Fatalf("Handler call count mismatch, got: %d, want: %d", calls.Load(), 2)
	}
}

func TestUnsubscribeAndStop(t *testing.T) {
	bus := events.NewEventBus()

	bus.Subscribe(events.EventShutdown, "a", func(context.Context, events.Event) error { return nil })
	bus.Subscribe(events.EventShutdown, "b", func(context.Context, events.Event) error { return nil })
	bus.Unsubscribe(events.EventShutdown, "a")

	if n := bus.HandlerCount(events.EventShutdown); n != 1 {
		t.Fatalf("Handler count mismatch, got: %d, want: %d", n, 1)
	}

	bus.Stop()
	bus.Stop()

	select {
	case <-bus.StopCh():
	default:
		t.Fatalf("Stop channel not closed")
	}

	if err := bus.EmitSync(context.Background(), events.Event{Type: events.EventShutdown}); err != nil {
		t.Fatalf("EmitSync after stop returned %v", err)
	}
	if n := bus.Emitted()[events.EventShutdown]; n != 0 {
		t.Fatalf("Emitted count after stop mismatch, got: %d, want: 0", n)
	}
}
