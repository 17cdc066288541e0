// ABOUTME: Tests for the cursor tracker's forward-only advancement.
// ABOUTME: Covers monotonicity, stale rejection, per-conversation isolation, concurrency.

package cursor

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskhub/chatlink/internal/chat"
)

func msgAt(conv, id string, sec int64) chat.Message {
	return chat.Message{
		ID:             id,
		ConversationID: conv,
		CreatedAt:      time.Unix(sec, 0),
	}
}

func TestTracker_GetEmpty(t *testing.T) {
	tr := NewTracker()

	_, ok := tr.Get("conv-1")
	assert.False(t, ok)
}

func TestTracker_AdvanceForward(t *testing.T) {
	tr := NewTracker()

	assert.True(t, tr.Advance(msgAt("conv-1", "1", 100)))
	assert.True(t, tr.Advance(msgAt("conv-1", "2", 200)))

	pos, ok := tr.Get("conv-1")
	require.True(t, ok)
	assert.Equal(t, "2", pos.MessageID)
}

func TestTracker_StaleAdvanceIgnored(t *testing.T) {
	tr := NewTracker()

	require.True(t, tr.Advance(msgAt("conv-1", "5", 500)))

	// Advancing to an older message leaves the cursor at 5
	assert.False(t, tr.Advance(msgAt("conv-1", "3", 300)))

	pos, ok := tr.Get("conv-1")
	require.True(t, ok)
	assert.Equal(t, "5", pos.MessageID)
}

func TestTracker_SameTimestampIDTiebreak(t *testing.T) {
	tr := NewTracker()

	require.True(t, tr.Advance(msgAt("conv-1", "9", 100)))
	assert.True(t, tr.Advance(msgAt("conv-1", "10", 100)), "numeric ID 10 is newer than 9")
	assert.False(t, tr.Advance(msgAt("conv-1", "10", 100)), "re-advancing to the same message is a no-op")
}

func TestTracker_Seen(t *testing.T) {
	tr := NewTracker()

	assert.False(t, tr.Seen(msgAt("conv-1", "1", 100)))

	tr.Advance(msgAt("conv-1", "5", 500))

	assert.True(t, tr.Seen(msgAt("conv-1", "5", 500)))
	assert.True(t, tr.Seen(msgAt("conv-1", "3", 300)))
	assert.False(t, tr.Seen(msgAt("conv-1", "6", 600)))
}

func TestTracker_ConversationsAreIsolated(t *testing.T) {
	tr := NewTracker()

	tr.Advance(msgAt("conv-1", "5", 500))
	tr.Advance(msgAt("conv-2", "1", 100))

	pos1, _ := tr.Get("conv-1")
	pos2, _ := tr.Get("conv-2")
	assert.Equal(t, "5", pos1.MessageID)
	assert.Equal(t, "1", pos2.MessageID)
}

func TestTracker_Clear(t *testing.T) {
	tr := NewTracker()

	tr.Advance(msgAt("conv-1", "5", 500))
	tr.Clear("conv-1")

	_, ok := tr.Get("conv-1")
	assert.False(t, ok)
}

func TestTracker_ConcurrentAdvance(t *testing.T) {
	tr := NewTracker()

	var wg sync.WaitGroup
	for i := 1; i <= 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			tr.Advance(msgAt("conv-1", strconv.Itoa(n), int64(n)))
		}(i)
	}
	wg.Wait()

	pos, ok := tr.Get("conv-1")
	require.True(t, ok)
	assert.Equal(t, "100", pos.MessageID, "highest message wins regardless of arrival order")
}
