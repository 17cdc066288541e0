// ABOUTME: Owns at most one live channel session per conversation id.
// ABOUTME: Idempotent connect/disconnect; reconnection is always caller-driven.

package registry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/deskhub/chatlink/internal/auth"
	"github.com/deskhub/chatlink/internal/chat"
	"github.com/deskhub/chatlink/internal/cursor"
	"github.com/deskhub/chatlink/internal/fanout"
	"github.com/deskhub/chatlink/internal/session"
)

// Opener opens a channel session. Swappable in tests.
type Opener func(ctx context.Context, opts session.Options) (*session.Session, error)

// Options configures a Registry.
type Options struct {
	Origin     string
	Tokens     auth.TokenSource
	Cursors    *cursor.Tracker
	Fanout     *fanout.Fanout
	MaxCatchUp int
	HTTPClient *http.Client
	Opener     Opener
	Logger     *slog.Logger
}

// Registry coordinates channel sessions: one per conversation, created
// lazily on connect, torn down on disconnect or shutdown. It wires each
// session's events into the fanout and advances the cursor per message
// observed. The registry runs no timers; when a session dies, the dead entry
// is removed and the next connect creates a fresh session from the current
// cursor.
type Registry struct {
	origin     string
	tokens     auth.TokenSource
	cursors    *cursor.Tracker
	fan        *fanout.Fanout
	maxCatchUp int
	httpClient *http.Client
	open       Opener
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session.Session
}

// New creates a registry. The fanout's connector is pointed back at the
// registry so subscribes can open sessions on demand.
func New(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	open := opts.Opener
	if open == nil {
		open = session.Open
	}
	r := &Registry{
		origin:     opts.Origin,
		tokens:     opts.Tokens,
		cursors:    opts.Cursors,
		fan:        opts.Fanout,
		maxCatchUp: opts.MaxCatchUp,
		httpClient: opts.HTTPClient,
		open:       open,
		logger:     logger.With("component", "registry"),
		sessions:   make(map[string]*session.Session),
	}
	if opts.Fanout != nil {
		opts.Fanout.SetConnector(r)
	}
	return r
}

// Connect ensures a live session exists for the conversation. It is a no-op
// when one is already open; otherwise it opens a session seeded from the
// current cursor and pumps its events into the fanout. Concurrent Connect
// calls for the same conversation produce exactly one underlying transport.
func (r *Registry) Connect(ctx context.Context, conversationID, participantID string, role chat.Role) error {
	token, err := r.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("fetching credential: %w", err)
	}
	// A credential that is recognizably expired fails here instead of
	// burning a transport attempt. The external auth layer must supply a
	// fresh token and call Connect again.
	if err := auth.CheckExpiry(token); err != nil {
		return fmt.Errorf("credential check: %w", err)
	}

	r.mu.Lock()
	if existing, ok := r.sessions[conversationID]; ok && existing.State() != session.StateClosed {
		r.mu.Unlock()
		return nil
	}

	opts := session.Options{
		Origin:         r.origin,
		ConversationID: conversationID,
		ParticipantID:  participantID,
		Role:           role,
		Token:          token,
		MaxCatchUp:     r.maxCatchUp,
		HTTPClient:     r.httpClient,
		Logger:         r.logger,
	}
	if pos, ok := r.cursors.Get(conversationID); ok {
		opts.LastMessageID = pos.MessageID
	}

	// Opening is non-blocking (the dial happens on the session's own
	// goroutine), so holding the lock here is what makes N same-tick
	// connects collapse into one transport.
	sess, err := r.open(ctx, opts)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("opening session: %w", err)
	}
	r.sessions[conversationID] = sess
	r.mu.Unlock()

	r.logger.Debug("session connected",
		"conversation_id", conversationID,
		"role", string(role),
		"last_message_id", opts.LastMessageID)

	if err := sess.Attach(r.pump(conversationID, sess)); err != nil {
		r.drop(conversationID, sess)
		return fmt.Errorf("attaching session: %w", err)
	}
	return nil
}

// pump builds the sink that routes one session's events through the cursor
// filter into the fanout.
func (r *Registry) pump(conversationID string, sess *session.Session) func(session.Event) {
	return func(e session.Event) {
		switch e.Type {
		case session.EventCatchUp:
			// Drop entries at or below the cursor: a replay older than what
			// we have seen must not rewind state.
			fresh := e.Batch[:0:0]
			for _, m := range e.Batch {
				if r.cursors.Seen(m) {
					continue
				}
				fresh = append(fresh, m)
			}
			if len(fresh) == 0 && len(e.Batch) > 0 && !e.Resync {
				r.logger.Debug("ignoring stale catch-up batch",
					"conversation_id", conversationID,
					"size", len(e.Batch))
				return
			}
			for _, m := range fresh {
				r.cursors.Advance(m)
			}
			e.Batch = fresh
			r.fan.Publish(conversationID, e)

		case session.EventMessage:
			if e.Message == nil {
				return
			}
			// Duplicate delivery is absorbed here, never surfaced.
			if !r.cursors.Advance(*e.Message) {
				r.logger.Debug("dropping already-seen message",
					"conversation_id", conversationID,
					"message_id", e.Message.ID)
				return
			}
			r.fan.Publish(conversationID, e)

		case session.EventClosed:
			// Remove the dead entry so the next connect builds a fresh
			// session from the current cursor.
			r.drop(conversationID, sess)
			r.fan.Publish(conversationID, e)

		default:
			r.fan.Publish(conversationID, e)
		}
	}
}

// Disconnect closes and removes the conversation's session and clears its
// subscriber bookkeeping. Safe to call when no session exists.
func (r *Registry) Disconnect(conversationID string) {
	r.mu.Lock()
	sess := r.sessions[conversationID]
	delete(r.sessions, conversationID)
	r.mu.Unlock()

	if sess != nil {
		sess.Close()
	}
	r.fan.Clear(conversationID)
	r.logger.Debug("session disconnected", "conversation_id", conversationID)
}

// ReapIdle disconnects every conversation that no longer has subscribers.
// Callers decide when reclaim happens; the registry never runs its own timer.
func (r *Registry) ReapIdle() int {
	r.mu.Lock()
	idle := make([]string, 0)
	for id := range r.sessions {
		if r.fan.Idle(id) {
			idle = append(idle, id)
		}
	}
	r.mu.Unlock()

	for _, id := range idle {
		r.Disconnect(id)
	}
	return len(idle)
}

// Active reports whether a live session exists for the conversation.
func (r *Registry) Active(conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[conversationID]
	return ok && sess.State() != session.StateClosed
}

// Len returns the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Shutdown closes every session. The registry remains usable; a later
// Connect starts fresh.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sessions := make([]*session.Session, 0, len(r.sessions))
	ids := make([]string, 0, len(r.sessions))
	for id, sess := range r.sessions {
		sessions = append(sessions, sess)
		ids = append(ids, id)
	}
	r.sessions = make(map[string]*session.Session)
	r.mu.Unlock()

	for i, sess := range sessions {
		sess.Close()
		r.fan.Clear(ids[i])
	}
	r.logger.Debug("registry shut down", "closed", len(sessions))
}

// drop removes a session entry only if it is still the current one for the
// conversation, so a late Closed event from an old session cannot evict its
// replacement.
func (r *Registry) drop(conversationID string, sess *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.sessions[conversationID]; ok && current == sess {
		delete(r.sessions, conversationID)
	}
}
