// ABOUTME: Per-conversation high-water mark tracking for catch-up replay.
// ABOUTME: Positions only move forward; stale advances are ignored.

package cursor

import (
	"sync"
	"time"

	"github.com/deskhub/chatlink/internal/chat"
)

// Position is the last-seen point in a conversation's message stream.
type Position struct {
	MessageID string
	CreatedAt time.Time
}

// Before reports whether p is strictly earlier than the given message in the
// canonical (CreatedAt, ID) ordering.
func (p Position) Before(msg chat.Message) bool {
	if p.CreatedAt.Before(msg.CreatedAt) {
		return true
	}
	if p.CreatedAt.After(msg.CreatedAt) {
		return false
	}
	return chat.CompareIDs(p.MessageID, msg.ID) < 0
}

// Tracker holds one Position per conversation. It is the replay-from point
// for session opens and the already-seen boundary for catch-up filtering.
// State is process-local; a restart simply triggers a full catch-up, which
// is safe because merging is idempotent.
type Tracker struct {
	mu        sync.RWMutex
	positions map[string]Position
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{positions: make(map[string]Position)}
}

// Get returns the stored position for a conversation, if any.
func (t *Tracker) Get(conversationID string) (Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	pos, ok := t.positions[conversationID]
	return pos, ok
}

// Advance moves the cursor for msg's conversation forward to msg, but only
// if msg is strictly newer than the stored position. Returns true if the
// cursor moved.
func (t *Tracker) Advance(msg chat.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	pos, ok := t.positions[msg.ConversationID]
	if ok && !pos.Before(msg) {
		return false
	}
	t.positions[msg.ConversationID] = Position{MessageID: msg.ID, CreatedAt: msg.CreatedAt}
	return true
}

// Seen reports whether the tracker has already observed msg or anything newer.
func (t *Tracker) Seen(msg chat.Message) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	pos, ok := t.positions[msg.ConversationID]
	if !ok {
		return false
	}
	return !pos.Before(msg)
}

// Clear removes the stored position for a conversation. The next session
// open replays the full catch-up batch.
func (t *Tracker) Clear(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.positions, conversationID)
}
