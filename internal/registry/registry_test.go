// ABOUTME: Tests for the connection registry's single-session guarantee and event pumping.
// ABOUTME: Covers concurrent connects, dead-entry cleanup, cursor catch-up, stale filtering.

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskhub/chatlink/internal/auth"
	"github.com/deskhub/chatlink/internal/chat"
	"github.com/deskhub/chatlink/internal/cursor"
	"github.com/deskhub/chatlink/internal/fanout"
	"github.com/deskhub/chatlink/internal/reconcile"
	"github.com/deskhub/chatlink/internal/session"
)

// streamScript controls what one stream connection serves.
type streamScript struct {
	catchUp []chat.Message
	live    []chat.Message
	hold    bool // keep the stream open until the client disconnects
}

// scriptedServer serves SSE streams and records each connection's
// lastMessageId. Scripts are consumed in connection order; the last script
// repeats.
type scriptedServer struct {
	mu      sync.Mutex
	scripts []streamScript
	conns   int
	cursors []string
}

func (s *scriptedServer) handler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	idx := s.conns
	s.conns++
	s.cursors = append(s.cursors, r.URL.Query().Get("lastMessageId"))
	if idx >= len(s.scripts) {
		idx = len(s.scripts) - 1
	}
	script := s.scripts[idx]
	s.mu.Unlock()

	flusher := w.(http.Flusher)
	batch, _ := json.Marshal(script.catchUp)
	fmt.Fprintf(w, "event: catch-up\ndata: %s\n\n", batch)
	flusher.Flush()

	for _, m := range script.live {
		data, _ := json.Marshal(m)
		fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
		flusher.Flush()
	}

	if script.hold {
		<-r.Context().Done()
	}
}

func (s *scriptedServer) connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

func (s *scriptedServer) lastCursor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.cursors) == 0 {
		return ""
	}
	return s.cursors[len(s.cursors)-1]
}

func msg(conv, id string, sec int64) chat.Message {
	return chat.Message{
		ID:             id,
		ConversationID: conv,
		SenderRole:     chat.RoleStaff,
		Content:        "msg " + id,
		Type:           chat.MessageTypeText,
		CreatedAt:      time.Unix(sec, 0).UTC(),
	}
}

func newTestRegistry(t *testing.T, srv *httptest.Server) (*Registry, *fanout.Fanout, *cursor.Tracker) {
	t.Helper()
	fan := fanout.New(nil)
	cursors := cursor.NewTracker()
	reg := New(Options{
		Origin:  srv.URL,
		Tokens:  auth.NewStaticTokenSource("tok"),
		Cursors: cursors,
		Fanout:  fan,
	})
	t.Cleanup(reg.Shutdown)
	return reg, fan, cursors
}

// collect subscribes and gathers events until the test ends.
func collect(t *testing.T, fan *fanout.Fanout, conv string) func() []session.Event {
	t.Helper()
	var mu sync.Mutex
	var events []session.Event
	_, err := fan.Subscribe(context.Background(), conv, func(e session.Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}, nil)
	require.NoError(t, err)
	return func() []session.Event {
		mu.Lock()
		defer mu.Unlock()
		out := make([]session.Event, len(events))
		copy(out, events)
		return out
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestRegistry_ConcurrentConnectsShareOneTransport(t *testing.T) {
	script := &scriptedServer{scripts: []streamScript{{hold: true}}}
	srv := httptest.NewServer(http.HandlerFunc(script.handler))
	defer srv.Close()

	reg, _, _ := newTestRegistry(t, srv)

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := reg.Connect(context.Background(), "conv-2", "42", chat.RoleCustomer); err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, failures.Load())
	assert.Equal(t, 1, reg.Len(), "exactly one session exists")
	waitFor(t, func() bool { return script.connections() == 1 })

	// Settle and confirm no extra dials happened
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, script.connections(), "exactly one underlying transport")
}

func TestRegistry_ConnectIsNoOpWhenSessionLive(t *testing.T) {
	script := &scriptedServer{scripts: []streamScript{{hold: true}}}
	srv := httptest.NewServer(http.HandlerFunc(script.handler))
	defer srv.Close()

	reg, _, _ := newTestRegistry(t, srv)

	require.NoError(t, reg.Connect(context.Background(), "conv-1", "42", chat.RoleCustomer))
	waitFor(t, func() bool { return reg.Active("conv-1") })

	require.NoError(t, reg.Connect(context.Background(), "conv-1", "42", chat.RoleCustomer))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, script.connections())
}

func TestRegistry_EventsReachSubscribersOnce(t *testing.T) {
	script := &scriptedServer{scripts: []streamScript{{
		catchUp: []chat.Message{msg("conv-1", "1", 100), msg("conv-1", "2", 200)},
		live:    []chat.Message{msg("conv-1", "3", 300)},
		hold:    true,
	}}}
	srv := httptest.NewServer(http.HandlerFunc(script.handler))
	defer srv.Close()

	reg, fan, _ := newTestRegistry(t, srv)
	gotA := collect(t, fan, "conv-1")
	gotB := collect(t, fan, "conv-1")

	require.NoError(t, reg.Connect(context.Background(), "conv-1", "42", chat.RoleCustomer))

	waitFor(t, func() bool {
		return countType(gotA(), session.EventMessage) == 1 && countType(gotB(), session.EventMessage) == 1
	})

	for _, snapshot := range []func() []session.Event{gotA, gotB} {
		events := snapshot()
		assert.Equal(t, 1, countType(events, session.EventCatchUp))
		m := firstOfType(events, session.EventMessage)
		require.NotNil(t, m)
		assert.Equal(t, "3", m.Message.ID, "both widgets see the identical payload")
	}
	assert.Equal(t, 1, script.connections(), "one shared transport for both widgets")
}

func countType(events []session.Event, typ session.EventType) int {
	n := 0
	for _, e := range events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func firstOfType(events []session.Event, typ session.EventType) *session.Event {
	for i := range events {
		if events[i].Type == typ {
			return &events[i]
		}
	}
	return nil
}

func TestRegistry_CursorAdvancesAndSeedsReconnect(t *testing.T) {
	script := &scriptedServer{scripts: []streamScript{
		// First connection: catch-up through message 10, then the stream drops
		{catchUp: []chat.Message{msg("conv-1", "9", 900), msg("conv-1", "10", 1000)}},
		// Second connection: replay after cursor 10
		{catchUp: []chat.Message{msg("conv-1", "11", 1100), msg("conv-1", "12", 1200), msg("conv-1", "13", 1300)}, hold: true},
	}}
	srv := httptest.NewServer(http.HandlerFunc(script.handler))
	defer srv.Close()

	reg, fan, cursors := newTestRegistry(t, srv)
	got := collect(t, fan, "conv-1")

	require.NoError(t, reg.Connect(context.Background(), "conv-1", "42", chat.RoleCustomer))

	// Stream drops after the first catch-up; the dead entry is removed
	waitFor(t, func() bool { return countType(got(), session.EventClosed) == 1 })
	assert.False(t, reg.Active("conv-1"))

	pos, ok := cursors.Get("conv-1")
	require.True(t, ok)
	assert.Equal(t, "10", pos.MessageID)

	// Caller-driven reconnect seeds lastMessageId from the cursor
	require.NoError(t, reg.Connect(context.Background(), "conv-1", "42", chat.RoleCustomer))
	waitFor(t, func() bool { return countType(got(), session.EventCatchUp) == 2 })
	assert.Equal(t, "10", script.lastCursor())

	// Merged view has no gap and no repeat
	view := reconcile.NewView()
	for _, e := range got() {
		if e.Type == session.EventCatchUp {
			view.ApplyCatchUp(e.Batch)
		}
	}
	msgs := view.Messages()
	require.Len(t, msgs, 5)
	assert.Equal(t, "9", msgs[0].ID)
	assert.Equal(t, "13", msgs[4].ID)
}

func TestRegistry_StaleCatchUpIgnored(t *testing.T) {
	script := &scriptedServer{scripts: []streamScript{{
		catchUp: []chat.Message{msg("conv-1", "3", 300), msg("conv-1", "4", 400)},
		hold:    true,
	}}}
	srv := httptest.NewServer(http.HandlerFunc(script.handler))
	defer srv.Close()

	reg, fan, cursors := newTestRegistry(t, srv)

	// Cursor is already past the entire replay
	cursors.Advance(msg("conv-1", "5", 500))

	got := collect(t, fan, "conv-1")
	require.NoError(t, reg.Connect(context.Background(), "conv-1", "42", chat.RoleCustomer))

	waitFor(t, func() bool { return countType(got(), session.EventOpened) == 1 })
	time.Sleep(50 * time.Millisecond)

	assert.Zero(t, countType(got(), session.EventCatchUp), "stale batch never rewinds state")
	pos, _ := cursors.Get("conv-1")
	assert.Equal(t, "5", pos.MessageID)
}

func TestRegistry_DuplicateLiveMessageDropped(t *testing.T) {
	script := &scriptedServer{scripts: []streamScript{{
		live: []chat.Message{msg("conv-1", "7", 700), msg("conv-1", "7", 700), msg("conv-1", "8", 800)},
		hold: true,
	}}}
	srv := httptest.NewServer(http.HandlerFunc(script.handler))
	defer srv.Close()

	reg, fan, _ := newTestRegistry(t, srv)
	got := collect(t, fan, "conv-1")

	require.NoError(t, reg.Connect(context.Background(), "conv-1", "42", chat.RoleCustomer))

	waitFor(t, func() bool { return countType(got(), session.EventMessage) == 2 })
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, countType(got(), session.EventMessage), "duplicate absorbed, not surfaced")
}

func TestRegistry_DisconnectClearsSessionAndSubscribers(t *testing.T) {
	script := &scriptedServer{scripts: []streamScript{{hold: true}}}
	srv := httptest.NewServer(http.HandlerFunc(script.handler))
	defer srv.Close()

	reg, fan, _ := newTestRegistry(t, srv)
	fan.Subscribe(context.Background(), "conv-1", func(session.Event) {}, nil)

	require.NoError(t, reg.Connect(context.Background(), "conv-1", "42", chat.RoleCustomer))
	waitFor(t, func() bool { return reg.Active("conv-1") })

	reg.Disconnect("conv-1")
	assert.False(t, reg.Active("conv-1"))
	assert.Equal(t, 0, fan.Count("conv-1"))

	// Idempotent
	reg.Disconnect("conv-1")
}

func TestRegistry_ErrorOnOneConversationDoesNotAffectAnother(t *testing.T) {
	script := &scriptedServer{scripts: []streamScript{
		{}, // first connection drops immediately
		{live: []chat.Message{msg("conv-b", "1", 100)}, hold: true},
	}}
	srv := httptest.NewServer(http.HandlerFunc(script.handler))
	defer srv.Close()

	reg, fan, _ := newTestRegistry(t, srv)
	gotA := collect(t, fan, "conv-a")
	gotB := collect(t, fan, "conv-b")

	require.NoError(t, reg.Connect(context.Background(), "conv-a", "42", chat.RoleCustomer))
	waitFor(t, func() bool { return countType(gotA(), session.EventClosed) == 1 })

	require.NoError(t, reg.Connect(context.Background(), "conv-b", "42", chat.RoleCustomer))
	waitFor(t, func() bool { return countType(gotB(), session.EventMessage) == 1 })

	assert.True(t, reg.Active("conv-b"), "conv-b unaffected by conv-a's failure")
	assert.Zero(t, countType(gotB(), session.EventError))
}

func TestRegistry_ExpiredJWTFailsBeforeDialing(t *testing.T) {
	script := &scriptedServer{scripts: []streamScript{{hold: true}}}
	srv := httptest.NewServer(http.HandlerFunc(script.handler))
	defer srv.Close()

	claims := jwt.MapClaims{"sub": "42", "exp": time.Now().Add(-time.Hour).Unix()}
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("k"))
	require.NoError(t, err)

	fan := fanout.New(nil)
	reg := New(Options{
		Origin:  srv.URL,
		Tokens:  auth.NewStaticTokenSource(expired),
		Cursors: cursor.NewTracker(),
		Fanout:  fan,
	})
	t.Cleanup(reg.Shutdown)

	err = reg.Connect(context.Background(), "conv-1", "42", chat.RoleCustomer)
	assert.ErrorIs(t, err, auth.ErrExpiredToken)
	assert.Zero(t, script.connections(), "no transport attempt with a dead credential")
}

func TestRegistry_ReapIdle(t *testing.T) {
	script := &scriptedServer{scripts: []streamScript{{hold: true}}}
	srv := httptest.NewServer(http.HandlerFunc(script.handler))
	defer srv.Close()

	reg, fan, _ := newTestRegistry(t, srv)

	unsub, err := fan.Subscribe(context.Background(), "conv-1", func(session.Event) {}, nil)
	require.NoError(t, err)
	require.NoError(t, reg.Connect(context.Background(), "conv-1", "42", chat.RoleCustomer))

	// Still subscribed: nothing reaped
	assert.Zero(t, reg.ReapIdle())

	unsub()
	assert.True(t, reg.Active("conv-1"), "no immediate force-close on zero subscribers")

	assert.Equal(t, 1, reg.ReapIdle())
	assert.False(t, reg.Active("conv-1"))
}

func TestRegistry_SubscribeTriggersConnect(t *testing.T) {
	script := &scriptedServer{scripts: []streamScript{{
		live: []chat.Message{msg("conv-1", "m100", 100)},
		hold: true,
	}}}
	srv := httptest.NewServer(http.HandlerFunc(script.handler))
	defer srv.Close()

	reg, fan, _ := newTestRegistry(t, srv)

	var mu sync.Mutex
	var seen []string
	_, err := fan.Subscribe(context.Background(), "conv-1", func(e session.Event) {
		if e.Type == session.EventMessage {
			mu.Lock()
			seen = append(seen, e.Message.ID)
			mu.Unlock()
		}
	}, &fanout.ConnectOptions{ParticipantID: "42", Role: chat.RoleCustomer})
	require.NoError(t, err)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	})
	assert.True(t, reg.Active("conv-1"))
}
