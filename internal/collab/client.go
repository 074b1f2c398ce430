package collab

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/fieldops/sitesync/internal/errors"
	"github.com/fieldops/sitesync/internal/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	maxMsgSize = 64 * 1024
)

// Client is one websocket connection bound to a single document and a single
// authenticated author.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	docID  string
	userID string
	send   chan []byte
}

// sendSnapshot queues the current document content and presence roster so a
// joining peer has full state before any live event arrives.
func (c *Client) sendSnapshot() {
	doc, err := c.hub.store.Get(context.Background(), c.docID)
	if err != nil && !apperrors.IsNotFound(err) {
		logging.Error("snapshot load failed", err, map[string]interface{}{
			"document_id": c.docID,
		})
		return
	}
	type snapshot struct {
		Document interface{} `json:"document,omitempty"`
		Presence interface{} `json:"presence"`
	}
	snap := snapshot{Presence: c.hub.tracker.List(c.docID)}
	if err == nil {
		snap.Document = doc
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return
	}
	data, err := json.Marshal(Event{
		Type:       EventSnapshot,
		DocumentID: c.docID,
		Payload:    payload,
		Timestamp:  time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// readPump pumps inbound messages from the connection to the hub. One goroutine
// per connection; exits when the peer disconnects or a read fails.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Debug("websocket read error", map[string]interface{}{
					"document_id": c.docID,
					"user_id":     c.userID,
				})
			}
			return
		}
		c.hub.handleInbound(c, raw)
	}
}

// writePump pumps outbound messages from the send channel to the connection
// and keeps the connection alive with periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
