package collab

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/fieldops/sitesync/internal/errors"
	"github.com/fieldops/sitesync/internal/logging"
	"github.com/fieldops/sitesync/internal/models"
	"github.com/fieldops/sitesync/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type room struct {
	clients     map[*Client]bool
	unsubscribe func()
}

// Hub routes collaboration events between websocket clients, the in-process
// bus, and the local document store. Every message travels through the Bus:
// the hub publishes what clients send and forwards bus events to the room, so
// non-websocket producers (the annotation service, the sync engine) reach
// connected peers through the same path.
type Hub struct {
	store   *store.Store
	bus     Bus
	tracker *Tracker
	secret  string

	register   chan *Client
	unregister chan *Client

	mu    sync.Mutex
	rooms map[string]*room
}

// NewHub wires a Hub over the given store and bus.
func NewHub(st *store.Store, bus Bus, tracker *Tracker, jwtSecret string) *Hub {
	return &Hub{
		store:      st,
		bus:        bus,
		tracker:    tracker,
		secret:     jwtSecret,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		rooms:      make(map[string]*room),
	}
}

// Run processes client registration until ctx is canceled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case c := <-h.register:
			h.addClient(c)
		case c := <-h.unregister:
			h.removeClient(c)
		}
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	rm := h.rooms[c.docID]
	if rm == nil {
		rm = &room{clients: make(map[*Client]bool)}
		rm.unsubscribe = h.bus.Subscribe(c.docID, func(ev Event) {
			h.forward(ev)
		})
		h.rooms[c.docID] = rm
	}
	rm.clients[c] = true
	h.mu.Unlock()

	p := h.tracker.Join(c.docID, c.userID)
	c.sendSnapshot()

	payload, _ := json.Marshal(p)
	h.bus.Publish(Event{
		Type:       EventPresenceJoin,
		DocumentID: c.docID,
		UserID:     c.userID,
		Payload:    payload,
	})
	logging.Info("collab client joined", map[string]interface{}{
		"document_id": c.docID,
		"user_id":     c.userID,
	})
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	rm, ok := h.rooms[c.docID]
	if ok {
		if _, present := rm.clients[c]; present {
			delete(rm.clients, c)
			close(c.send)
		}
		if len(rm.clients) == 0 {
			rm.unsubscribe()
			delete(h.rooms, c.docID)
		}
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	if h.tracker.Leave(c.docID, c.userID) {
		h.bus.Publish(Event{
			Type:       EventPresenceLeave,
			DocumentID: c.docID,
			UserID:     c.userID,
		})
	}
	logging.Info("collab client left", map[string]interface{}{
		"document_id": c.docID,
		"user_id":     c.userID,
	})
}

// forward pushes a bus event to every connected client in the room except the
// originator, who already has the state the event describes. A client whose
// send buffer is full is disconnected rather than allowed to stall the room.
func (h *Hub) forward(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.mu.Lock()
	rm := h.rooms[ev.DocumentID]
	if rm == nil {
		h.mu.Unlock()
		return
	}
	var stalled []*Client
	for c := range rm.clients {
		if c.userID == ev.UserID {
			continue
		}
		select {
		case c.send <- data:
		default:
			stalled = append(stalled, c)
		}
	}
	h.mu.Unlock()

	for _, c := range stalled {
		logging.Warn("collab client stalled, disconnecting", map[string]interface{}{
			"document_id": c.docID,
			"user_id":     c.userID,
		})
		h.removeClient(c)
	}
}

// handleInbound processes one message from a client. The document and user on
// the event are always overwritten with the connection's authenticated
// identity before anything else looks at them.
func (h *Hub) handleInbound(c *Client, raw []byte) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		logging.Debug("collab message discarded", map[string]interface{}{
			"document_id": c.docID,
			"user_id":     c.userID,
		})
		return
	}
	ev.DocumentID = c.docID
	ev.UserID = c.userID
	ev.Timestamp = time.Now().UnixMilli()

	switch ev.Type {
	case EventContentBroadcast:
		// Reconcile into the local store as an ordinary mutation so the
		// durable sync path carries it even if every peer disconnects.
		if _, err := h.store.ApplyLocalMutation(context.Background(), c.docID, ev.Payload, c.userID); err != nil {
			logging.Error("broadcast reconcile failed", err, map[string]interface{}{
				"document_id": c.docID,
				"user_id":     c.userID,
			})
			if apperrors.CodeOf(err) == apperrors.ErrMutationInvalid {
				return
			}
		}
		h.bus.Publish(ev)

	case EventPresenceCursor:
		var cursor models.CursorPosition
		if len(ev.Payload) > 0 {
			if err := json.Unmarshal(ev.Payload, &cursor); err != nil {
				return
			}
		}
		p := h.tracker.Heartbeat(c.docID, c.userID, &cursor)
		payload, _ := json.Marshal(p)
		ev.Payload = payload
		h.bus.Publish(ev)

	case EventPresenceJoin:
		// Treated as a bare heartbeat; the real join happened at register.
		h.tracker.Heartbeat(c.docID, c.userID, nil)

	default:
		// Unknown types pass through untouched so clients can extend the
		// protocol without a hub upgrade.
		h.bus.Publish(ev)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for docID, rm := range h.rooms {
		for c := range rm.clients {
			close(c.send)
		}
		rm.unsubscribe()
		delete(h.rooms, docID)
	}
}

// ServeWS is the websocket handshake handler. The document id is taken from
// the request path, the author identity from the session token.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("id")
	if docID == "" {
		http.Error(w, "missing document id", http.StatusBadRequest)
		return
	}
	ident, err := identityFromRequest(r, h.secret)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("websocket upgrade failed", err, map[string]interface{}{
			"document_id": docID,
		})
		return
	}

	c := &Client{
		hub:    h,
		conn:   conn,
		docID:  docID,
		userID: ident.UserID,
		send:   make(chan []byte, 64),
	}
	h.register <- c

	go c.writePump()
	go c.readPump()
}
