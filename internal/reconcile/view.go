// ABOUTME: Merges paginated history fetches with live-streamed messages into one view.
// ABOUTME: ID-keyed merge absorbs duplicates; ordering is (createdAt, id) ascending.

package reconcile

import (
	"sort"
	"sync"

	"github.com/deskhub/chatlink/internal/chat"
)

// Merge combines a historical page with live messages into a single ordered,
// duplicate-free slice. On ID collision the live entry wins, since live data
// may carry a more current read state than a stale historical snapshot.
func Merge(history, live []chat.Message) []chat.Message {
	byID := make(map[string]chat.Message, len(history)+len(live))
	for _, m := range history {
		byID[m.ID] = m
	}
	for _, m := range live {
		byID[m.ID] = m
	}

	merged := make([]chat.Message, 0, len(byID))
	for _, m := range byID {
		merged = append(merged, m)
	}
	sort.Slice(merged, func(i, j int) bool {
		return chat.CompareMessages(merged[i], merged[j]) < 0
	})
	return merged
}

// View accumulates one conversation's merged message sequence: a bounded
// historical page window plus an unbounded live tail. Safe for concurrent use.
type View struct {
	mu      sync.RWMutex
	byID    map[string]int // message ID -> index in ordered
	ordered []chat.Message
}

// NewView creates an empty view.
func NewView() *View {
	return &View{byID: make(map[string]int)}
}

// ApplyHistory merges a historical page into the view. Older pages are
// expected to be ID-disjoint from the current view; overlap (a message
// created between two fetches) is absorbed without a visible repeat.
// Existing entries keep their current state on collision — the view may have
// fresher live data than the snapshot.
func (v *View) ApplyHistory(page []chat.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, m := range page {
		if _, exists := v.byID[m.ID]; exists {
			continue
		}
		v.insertLocked(m)
	}
}

// ApplyCatchUp merges a catch-up batch. Catch-up entries win on collision:
// they come from the server's replay and carry current read state.
func (v *View) ApplyCatchUp(batch []chat.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, m := range batch {
		v.upsertLocked(m)
	}
}

// ApplyLive merges a single live message, replacing any stale copy.
func (v *View) ApplyLive(msg chat.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.upsertLocked(msg)
}

// MarkRead flips the read flag in place on every unread message sent by the
// given role. It never appends a synthetic entry; count and order are
// unchanged. Returns the number of messages updated.
func (v *View) MarkRead(senderRole chat.Role) int {
	v.mu.Lock()
	defer v.mu.Unlock()

	updated := 0
	for i := range v.ordered {
		if v.ordered[i].SenderRole == senderRole && !v.ordered[i].Read {
			v.ordered[i].Read = true
			updated++
		}
	}
	return updated
}

// Messages returns a snapshot of the merged view, ordered by (createdAt, id).
func (v *View) Messages() []chat.Message {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make([]chat.Message, len(v.ordered))
	copy(out, v.ordered)
	return out
}

// Len returns the number of distinct messages in the view.
func (v *View) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return len(v.ordered)
}

// upsertLocked inserts msg or replaces the stored copy with the same ID.
// Must be called with mu held.
func (v *View) upsertLocked(msg chat.Message) {
	if i, exists := v.byID[msg.ID]; exists {
		v.ordered[i] = msg
		return
	}
	v.insertLocked(msg)
}

// insertLocked places msg at its ordered position. Must be called with mu
// held, and msg.ID must not already be present.
func (v *View) insertLocked(msg chat.Message) {
	i := sort.Search(len(v.ordered), func(i int) bool {
		return chat.CompareMessages(v.ordered[i], msg) >= 0
	})
	v.ordered = append(v.ordered, chat.Message{})
	copy(v.ordered[i+1:], v.ordered[i:])
	v.ordered[i] = msg

	// Reindex shifted entries
	for j := i; j < len(v.ordered); j++ {
		v.byID[v.ordered[j].ID] = j
	}
}
