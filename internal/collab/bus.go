// Package collab provides the per-document real-time collaboration session:
// presence tracking and best-effort content broadcast between currently
// connected peers. Broadcast is a latency optimization, not the durability
// path; received content is reconciled into the local store as an ordinary
// mutation and flows through the normal sync path.
package collab

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fieldops/sitesync/internal/logging"
)

// EventType names a collaboration message class.
type EventType string

const (
	// presence: last-write-wins per user, no cross-user ordering
	EventPresenceJoin   EventType = "presence.join"
	EventPresenceCursor EventType = "presence.cursor"
	EventPresenceLeave  EventType = "presence.leave"

	// content-broadcast: best-effort live mirror of in-progress edits
	EventContentBroadcast EventType = "content.broadcast"

	// sent once to a joining client with document content and roster
	EventSnapshot EventType = "session.snapshot"

	// annotation overlay updates
	EventCommentAdded      EventType = "comment.added"
	EventCommentResolved   EventType = "comment.resolved"
	EventSuggestionAdded   EventType = "suggestion.added"
	EventSuggestionUpdated EventType = "suggestion.updated"
)

// Event is one message on a document's collaboration channel.
type Event struct {
	Type       EventType       `json:"type"`
	DocumentID string          `json:"document_id"`
	UserID     string          `json:"user_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  int64           `json:"timestamp"`
}

// Handler consumes events. Handlers run on the subscriber's pump goroutine
// and must not block for long; a slow subscriber drops events rather than
// stalling publishers.
type Handler func(Event)

// Bus is the transport-agnostic message-passing interface of the session.
// Any transport (websocket, long-poll, platform push) can implement the
// session by bridging to a Bus; the core never depends on a specific one.
type Bus interface {
	Publish(event Event)
	Subscribe(docID string, h Handler) (cancel func())
}

type localSub struct {
	ch   chan Event
	done chan struct{}
}

// LocalBus is the in-process Bus implementation. Publish never blocks: each
// subscriber has a buffered channel drained by its own goroutine, and a full
// buffer drops the event.
type LocalBus struct {
	mu      sync.Mutex
	subs    map[string]map[int]*localSub
	nextSub int
}

// NewLocalBus creates an empty LocalBus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[string]map[int]*localSub)}
}

// Publish implements Bus.
func (b *LocalBus) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs[event.DocumentID] {
		select {
		case sub.ch <- event:
		default:
			logging.Debug("bus subscriber lagging, event dropped", map[string]interface{}{
				"document_id": event.DocumentID,
				"type":        string(event.Type),
			})
		}
	}
}

// Subscribe implements Bus.
func (b *LocalBus) Subscribe(docID string, h Handler) func() {
	sub := &localSub{
		ch:   make(chan Event, 64),
		done: make(chan struct{}),
	}
	go func() {
		for {
			select {
			case ev := <-sub.ch:
				h(ev)
			case <-sub.done:
				return
			}
		}
	}()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[docID] == nil {
		b.subs[docID] = make(map[int]*localSub)
	}
	id := b.nextSub
	b.nextSub++
	b.subs[docID][id] = sub

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subs[docID]; ok {
			if s, ok := set[id]; ok {
				close(s.done)
				delete(set, id)
			}
			if len(set) == 0 {
				delete(b.subs, docID)
			}
		}
	}
}
