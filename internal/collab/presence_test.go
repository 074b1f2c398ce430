package collab

import (
	"testing"
	"time"

	"github.com/fieldops/sitesync/internal/models"
)

func TestJoinAssignsColorAndHeartbeat(t *testing.T) {
	tr := NewTracker(time.Minute)

	p := tr.Join("doc-1", "alice")
	if p.Color == "" {
		t.Error("Expected assigned color")
	}
	if p.LastHeartbeatAt.IsZero() {
		t.Error("Expected initial heartbeat")
	}

	q := tr.Join("doc-1", "bob")
	if q.Color == p.Color {
		t.Error("Expected distinct colors for distinct users")
	}

	// rejoin keeps the color
	again := tr.Join("doc-1", "alice")
	if again.Color != p.Color {
		t.Errorf("Rejoin must keep color, got %s vs %s", again.Color, p.Color)
	}

	if len(tr.List("doc-1")) != 2 {
		t.Errorf("Expected 2 present users, got %d", len(tr.List("doc-1")))
	}
}

func TestHeartbeatUpdatesCursor(t *testing.T) {
	tr := NewTracker(time.Minute)
	tr.Join("doc-1", "alice")

	p := tr.Heartbeat("doc-1", "alice", &models.CursorPosition{Line: 12, Column: 4})
	if p.Cursor.Line != 12 || p.Cursor.Column != 4 {
		t.Errorf("Expected cursor update, got %+v", p.Cursor)
	}

	// last write wins
	p = tr.Heartbeat("doc-1", "alice", &models.CursorPosition{Line: 30, Column: 0})
	if p.Cursor.Line != 30 {
		t.Errorf("Expected latest cursor, got %+v", p.Cursor)
	}
}

func TestHeartbeatFromUnknownUserRejoins(t *testing.T) {
	tr := NewTracker(time.Minute)
	p := tr.Heartbeat("doc-1", "ghost", &models.CursorPosition{Line: 1})
	if p.UserID != "ghost" {
		t.Errorf("Expected implicit rejoin, got %+v", p)
	}
	if len(tr.List("doc-1")) != 1 {
		t.Error("Expected user present after implicit rejoin")
	}
}

func TestLeaveRemovesUser(t *testing.T) {
	tr := NewTracker(time.Minute)
	tr.Join("doc-1", "alice")

	if !tr.Leave("doc-1", "alice") {
		t.Error("Expected leave to report presence")
	}
	if tr.Leave("doc-1", "alice") {
		t.Error("Second leave must report absence")
	}
	if len(tr.List("doc-1")) != 0 {
		t.Error("Expected empty roster")
	}
}

// A silently disconnected peer expires after the heartbeat window with no
// explicit leave.
func TestSweepExpiresSilentPeers(t *testing.T) {
	tr := NewTracker(50 * time.Millisecond)
	tr.Join("doc-1", "alice")
	tr.Join("doc-1", "bob")

	// keep bob alive past alice's window
	time.Sleep(60 * time.Millisecond)
	tr.Heartbeat("doc-1", "bob", nil)

	gone := tr.Sweep(time.Now())
	if len(gone) != 1 || gone[0].UserID != "alice" {
		t.Fatalf("Expected alice to expire, got %+v", gone)
	}

	remaining := tr.List("doc-1")
	if len(remaining) != 1 || remaining[0].UserID != "bob" {
		t.Errorf("Expected bob to remain, got %+v", remaining)
	}
}
