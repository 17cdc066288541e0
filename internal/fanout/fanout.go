// ABOUTME: In-memory fan-out of session events to registered consumer callbacks.
// ABOUTME: Handle-based subscriptions; one faulty callback never blocks the rest.

package fanout

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/deskhub/chatlink/internal/chat"
	"github.com/deskhub/chatlink/internal/session"
)

// Callback receives every event for a subscribed conversation.
type Callback func(session.Event)

// Connector opens a push connection for a conversation if none exists.
// Implemented by the registry; wired in after construction to break the
// registry/fanout dependency cycle.
type Connector interface {
	Connect(ctx context.Context, conversationID, participantID string, role chat.Role) error
}

// ConnectOptions carries the identity needed to open a session as a side
// effect of subscribing. Nil options mean "subscribe only".
type ConnectOptions struct {
	ParticipantID string
	Role          chat.Role
}

// subscriber is one registered callback. Identified by an issued handle, not
// by callback identity, so concurrent subscribe/unsubscribe of the same
// function value cannot remove the wrong handler.
type subscriber struct {
	id string
	cb Callback
}

// Fanout delivers each inbound event to every registered consumer callback
// for a conversation, independent of how many consumers exist. All consumers
// share a single underlying transport.
type Fanout struct {
	mu        sync.Mutex
	subs      map[string][]subscriber // conversationID -> callbacks in registration order
	connector Connector
	logger    *slog.Logger
}

// New creates a fanout. Pass nil logger for default.
func New(logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{
		subs:   make(map[string][]subscriber),
		logger: logger.With("component", "fanout"),
	}
}

// SetConnector wires the registry in so Subscribe can open sessions on demand.
func (f *Fanout) SetConnector(c Connector) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connector = c
}

// Subscribe registers a callback for a conversation's events and returns an
// unsubscribe function. If opts carry a participant identity, a session is
// opened as a side effect when none exists; a connect failure is returned but
// the subscription stays registered, so the caller can retry connect without
// re-subscribing.
func (f *Fanout) Subscribe(ctx context.Context, conversationID string, cb Callback, opts *ConnectOptions) (func(), error) {
	subID := uuid.New().String()

	f.mu.Lock()
	f.subs[conversationID] = append(f.subs[conversationID], subscriber{id: subID, cb: cb})
	connector := f.connector
	f.mu.Unlock()

	f.logger.Debug("subscriber added",
		"conversation_id", conversationID,
		"sub_id", subID)

	unsubscribe := func() { f.remove(conversationID, subID) }

	if opts != nil && connector != nil {
		if err := connector.Connect(ctx, conversationID, opts.ParticipantID, opts.Role); err != nil {
			return unsubscribe, err
		}
	}
	return unsubscribe, nil
}

// Publish delivers an event to every subscriber of the conversation, in
// registration order. A panicking callback is recovered and logged so the
// remaining callbacks still fire.
func (f *Fanout) Publish(conversationID string, e session.Event) {
	f.mu.Lock()
	subs := f.subs[conversationID]
	// Copy under lock so an in-progress delivery loop never observes a
	// half-mutated collection.
	targets := make([]subscriber, len(subs))
	copy(targets, subs)
	f.mu.Unlock()

	for _, sub := range targets {
		f.deliver(conversationID, sub, e)
	}
}

// deliver invokes one callback with panic isolation.
func (f *Fanout) deliver(conversationID string, sub subscriber, e session.Event) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("subscriber callback panicked",
				"conversation_id", conversationID,
				"sub_id", sub.id,
				"panic", r)
		}
	}()
	sub.cb(e)
}

// Count returns the number of live subscriptions for a conversation.
func (f *Fanout) Count(conversationID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[conversationID])
}

// Idle reports whether a conversation has no subscribers left. An idle
// conversation's session is not force-closed immediately (rapid
// mount/unmount would thrash the transport) but is eligible for reclaim.
func (f *Fanout) Idle(conversationID string) bool {
	return f.Count(conversationID) == 0
}

// Clear drops all subscriber bookkeeping for a conversation. Used by the
// registry on disconnect.
func (f *Fanout) Clear(conversationID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, conversationID)
}

// remove deletes a single subscription by handle. Safe to call multiple
// times; missing handles are ignored.
func (f *Fanout) remove(conversationID, subID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	subs := f.subs[conversationID]
	for i, sub := range subs {
		if sub.id != subID {
			continue
		}
		// Copy-on-write removal: never mutate a slice a delivery loop may
		// have copied.
		next := make([]subscriber, 0, len(subs)-1)
		next = append(next, subs[:i]...)
		next = append(next, subs[i+1:]...)
		if len(next) == 0 {
			delete(f.subs, conversationID)
		} else {
			f.subs[conversationID] = next
		}
		f.logger.Debug("subscriber removed",
			"conversation_id", conversationID,
			"sub_id", subID)
		return
	}
}
