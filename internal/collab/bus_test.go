package collab

import (
	"encoding/json"
	"testing"
	"time"
)

func collect(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for event")
		return Event{}
	}
}

func TestBusDeliversToDocumentSubscribers(t *testing.T) {
	bus := NewLocalBus()
	got := make(chan Event, 1)
	cancel := bus.Subscribe("doc-1", func(ev Event) { got <- ev })
	defer cancel()

	other := make(chan Event, 1)
	cancelOther := bus.Subscribe("doc-2", func(ev Event) { other <- ev })
	defer cancelOther()

	bus.Publish(Event{
		Type:       EventContentBroadcast,
		DocumentID: "doc-1",
		UserID:     "alice",
		Payload:    json.RawMessage(`{"fields": {"a": 1}}`),
	})

	ev := collect(t, got)
	if ev.Type != EventContentBroadcast || ev.UserID != "alice" {
		t.Errorf("Unexpected event: %+v", ev)
	}
	if ev.Timestamp == 0 {
		t.Error("Expected publish to stamp the event")
	}

	select {
	case ev := <-other:
		t.Errorf("Subscriber on another document must not receive: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusCancelStopsDelivery(t *testing.T) {
	bus := NewLocalBus()
	got := make(chan Event, 1)
	cancel := bus.Subscribe("doc-1", func(ev Event) { got <- ev })

	cancel()
	bus.Publish(Event{Type: EventPresenceJoin, DocumentID: "doc-1", UserID: "alice"})

	select {
	case ev := <-got:
		t.Errorf("Canceled subscriber must not receive: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	// canceling twice is harmless
	cancel()
}

func TestBusPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	bus := NewLocalBus()
	blocked := make(chan struct{})
	cancel := bus.Subscribe("doc-1", func(ev Event) { <-blocked })
	defer cancel()
	defer close(blocked)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			bus.Publish(Event{Type: EventPresenceCursor, DocumentID: "doc-1", UserID: "alice"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a stalled subscriber")
	}
}
