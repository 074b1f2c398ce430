package collab

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/fieldops/sitesync/internal/logging"
	"github.com/fieldops/sitesync/internal/models"
)

// palette assigned round-robin to joining users.
var presenceColors = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8",
	"#f58231", "#911eb4", "#46f0f0", "#f032e6",
}

// Tracker keeps per-document presence state. Presence is last-write-wins per
// user: a newer heartbeat simply overwrites the previous cursor, with no
// ordering guarantees between different users.
type Tracker struct {
	mu     sync.Mutex
	window time.Duration
	docs   map[string]map[string]*models.PresenceState
	joined int
}

// NewTracker creates a Tracker that considers a peer stale after window
// without a heartbeat.
func NewTracker(window time.Duration) *Tracker {
	return &Tracker{
		window: window,
		docs:   make(map[string]map[string]*models.PresenceState),
	}
}

// Join registers a user on a document and returns their presence record.
// Rejoining refreshes the heartbeat but keeps the assigned color.
func (t *Tracker) Join(docID, userID string) models.PresenceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	users := t.docs[docID]
	if users == nil {
		users = make(map[string]*models.PresenceState)
		t.docs[docID] = users
	}
	if p, ok := users[userID]; ok {
		p.LastHeartbeatAt = time.Now()
		return *p
	}
	p := &models.PresenceState{
		DocumentID:      docID,
		UserID:          userID,
		Color:           presenceColors[t.joined%len(presenceColors)],
		LastHeartbeatAt: time.Now(),
	}
	t.joined++
	users[userID] = p
	return *p
}

// Heartbeat refreshes a user's liveness and optionally their cursor.
// A heartbeat from an unknown user implicitly rejoins them.
func (t *Tracker) Heartbeat(docID, userID string, cursor *models.CursorPosition) models.PresenceState {
	t.mu.Lock()
	p, ok := t.docs[docID][userID]
	t.mu.Unlock()
	if !ok {
		joined := t.Join(docID, userID)
		if cursor != nil {
			return t.Heartbeat(docID, userID, cursor)
		}
		return joined
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	p.LastHeartbeatAt = time.Now()
	if cursor != nil {
		p.Cursor = *cursor
	}
	return *p
}

// Leave removes a user from a document. Returns true if they were present.
func (t *Tracker) Leave(docID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	users, ok := t.docs[docID]
	if !ok {
		return false
	}
	if _, ok := users[userID]; !ok {
		return false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(t.docs, docID)
	}
	return true
}

// List returns the current presence set for a document.
func (t *Tracker) List(docID string) []models.PresenceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	users := t.docs[docID]
	out := make([]models.PresenceState, 0, len(users))
	for _, p := range users {
		out = append(out, *p)
	}
	return out
}

// Sweep removes every peer whose heartbeat is older than the window and
// returns the removed records.
func (t *Tracker) Sweep(now time.Time) []models.PresenceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	var gone []models.PresenceState
	for docID, users := range t.docs {
		for userID, p := range users {
			if p.Stale(now, t.window) {
				gone = append(gone, *p)
				delete(users, userID)
			}
		}
		if len(users) == 0 {
			delete(t.docs, docID)
		}
	}
	return gone
}

// Run sweeps stale peers periodically until ctx is canceled, publishing a
// presence.leave for each so remaining peers see silent disconnects expire.
func (t *Tracker) Run(ctx context.Context, bus Bus) {
	ticker := time.NewTicker(t.window / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, p := range t.Sweep(now) {
				logging.Info("presence expired", map[string]interface{}{
					"document_id": p.DocumentID,
					"user_id":     p.UserID,
				})
				payload, _ := json.Marshal(p)
				bus.Publish(Event{
					Type:       EventPresenceLeave,
					DocumentID: p.DocumentID,
					UserID:     p.UserID,
					Payload:    payload,
				})
			}
		}
	}
}
