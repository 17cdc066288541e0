// ABOUTME: One logical persistent push connection bound to a conversation and role.
// ABOUTME: Thin SSE transport wrapper; retry policy belongs to the registry, not here.

package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/deskhub/chatlink/internal/chat"
)

// Session errors
var (
	ErrUnauthorized      = errors.New("credential rejected at stream open")
	ErrStreamInterrupted = errors.New("stream dropped mid-flight")
	ErrClosed            = errors.New("session closed")
)

const (
	// eventBuffer bounds events queued between the transport reader and the
	// attached sink. Events produced before Attach are held here, not dropped.
	eventBuffer = 64
)

// EventType identifies a session lifecycle or payload event.
type EventType int

const (
	EventOpened EventType = iota
	EventCatchUp
	EventMessage
	EventError
	EventClosed
	// EventRead is synthesized by the conversation layer when a bulk
	// mark-read completes, never emitted by the transport itself.
	EventRead
)

// String returns the event type name for logging.
func (t EventType) String() string {
	switch t {
	case EventOpened:
		return "opened"
	case EventCatchUp:
		return "catch-up"
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	case EventRead:
		return "read"
	default:
		return "unknown"
	}
}

// Event is one ordered occurrence on a session. Batch is set for EventCatchUp,
// Message for EventMessage, Err for EventError. Resync marks a catch-up batch
// that was truncated to the newest entries; consumers should run a full
// history fetch to fill the gap.
type Event struct {
	Type    EventType
	Batch   []chat.Message
	Message *chat.Message
	Err     error
	Resync  bool
	// ReadBy is set on EventRead: the role whose messages were marked read.
	ReadBy chat.Role
}

// State is the connection state of a session. A session starts Connecting,
// moves to Open when the server accepts the stream, and ends Closed. There is
// no "open without transport" state to represent.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options configures a session open.
type Options struct {
	Origin         string
	ConversationID string
	ParticipantID  string
	Role           chat.Role
	Token          string
	LastMessageID  string // replay-from cursor; empty means full catch-up
	MaxCatchUp     int    // 0 means unbounded
	HTTPClient     *http.Client
	Logger         *slog.Logger
}

// Session is one live push connection for a single conversation. Events are
// emitted in exact server order: Opened, then any number of CatchUp/Message,
// then at most one Error, then Closed.
type Session struct {
	ConversationID string
	Role           chat.Role

	opts   Options
	client *http.Client
	logger *slog.Logger
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	lastErr    error
	sink       func(Event)
	suppressed bool // closed before any sink was attached

	events     chan Event
	attached   chan struct{}
	attachOnce sync.Once
	closeOnce  sync.Once
}

// Open starts a session for the given conversation. The dial happens
// asynchronously: the returned session is in StateConnecting and emits
// Opened (or Error/Closed) once the transport settles. Events emitted before
// Attach is called are buffered in order.
func Open(ctx context.Context, opts Options) (*Session, error) {
	if opts.Origin == "" {
		return nil, fmt.Errorf("origin is required")
	}
	if opts.ConversationID == "" {
		return nil, fmt.Errorf("conversation id is required")
	}
	if opts.ParticipantID == "" {
		return nil, fmt.Errorf("participant id is required")
	}
	if !opts.Role.Valid() {
		return nil, fmt.Errorf("invalid role %q", opts.Role)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		ConversationID: opts.ConversationID,
		Role:           opts.Role,
		opts:           opts,
		client:         client,
		logger: logger.With(
			"component", "session",
			"conversation_id", opts.ConversationID,
			"role", string(opts.Role)),
		cancel:   cancel,
		state:    StateConnecting,
		events:   make(chan Event, eventBuffer),
		attached: make(chan struct{}),
	}

	go s.run(streamCtx)
	go s.dispatch()

	return s, nil
}

// Attach wires the sink that receives this session's events and flushes
// anything buffered so far, in order. Attach may be called once; it returns
// ErrClosed if the session was closed before a sink was ever attached.
// The sink must not call back into the session.
func (s *Session) Attach(sink func(Event)) error {
	s.mu.Lock()
	if s.sink != nil {
		s.mu.Unlock()
		return fmt.Errorf("sink already attached")
	}
	if s.suppressed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.sink = sink
	s.mu.Unlock()

	s.attachOnce.Do(func() { close(s.attached) })
	return nil
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the terminal error, if the session ended abnormally.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Close terminates the transport and suppresses further events. It is
// idempotent: calling it multiple times is safe.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.mu.Lock()
		if s.sink == nil {
			s.suppressed = true
		}
		s.mu.Unlock()
		// Unblock the dispatcher so buffered events are discarded instead of
		// held forever when no sink was ever attached.
		s.attachOnce.Do(func() { close(s.attached) })
	})
}

// run dials the stream endpoint and pumps server events until the transport
// ends or the context is cancelled. It is the only writer to s.events.
func (s *Session) run(ctx context.Context) {
	defer close(s.events)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.streamURL(), nil)
	if err != nil {
		s.fail(ctx, fmt.Errorf("creating stream request: %w", err))
		return
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			s.finish(ctx, nil)
			return
		}
		s.fail(ctx, fmt.Errorf("opening stream: %w", err))
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		s.fail(ctx, ErrUnauthorized)
		return
	case resp.StatusCode != http.StatusOK:
		s.fail(ctx, fmt.Errorf("stream open returned status %d", resp.StatusCode))
		return
	}

	s.setState(StateOpen, nil)
	s.send(ctx, Event{Type: EventOpened})
	s.logger.Debug("stream opened", "last_message_id", s.opts.LastMessageID)

	if err := s.readFrames(ctx, resp); err != nil {
		s.fail(ctx, err)
		return
	}

	// Server ended the stream or we were cancelled
	if ctx.Err() != nil {
		s.finish(ctx, nil)
		return
	}
	s.fail(ctx, ErrStreamInterrupted)
}

// readFrames parses SSE frames from the response body and emits payload
// events. A malformed frame is dropped and logged; it never kills the stream.
func (s *Session) readFrames(ctx context.Context, resp *http.Response) error {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventType string
	var dataLines []string

	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}

		line := scanner.Text()

		// Empty line signals end of frame
		if line == "" {
			if eventType != "" && len(dataLines) > 0 {
				s.handleFrame(ctx, eventType, strings.Join(dataLines, "\n"))
			}
			eventType = ""
			dataLines = nil
			continue
		}

		if strings.HasPrefix(line, "event:") {
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}

		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimPrefix(line, "data:"))
			continue
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("reading stream: %w", err)
	}
	return nil
}

// handleFrame decodes one complete SSE frame into a session event.
func (s *Session) handleFrame(ctx context.Context, eventType, data string) {
	switch eventType {
	case "catch-up":
		var batch []chat.Message
		if err := json.Unmarshal([]byte(data), &batch); err != nil {
			s.logger.Warn("dropping malformed catch-up frame", "error", err)
			return
		}
		resync := false
		if s.opts.MaxCatchUp > 0 && len(batch) > s.opts.MaxCatchUp {
			// Keep the newest entries; consumers fill the gap via history fetch
			batch = batch[len(batch)-s.opts.MaxCatchUp:]
			resync = true
			s.logger.Info("catch-up batch truncated",
				"kept", len(batch),
				"max_catch_up", s.opts.MaxCatchUp)
		}
		s.send(ctx, Event{Type: EventCatchUp, Batch: batch, Resync: resync})

	case "message":
		var msg chat.Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			s.logger.Warn("dropping malformed message frame", "error", err)
			return
		}
		s.send(ctx, Event{Type: EventMessage, Message: &msg})

	default:
		s.logger.Debug("ignoring unknown frame type", "event_type", eventType)
	}
}

// fail records the terminal error, emits Error, then Closed.
func (s *Session) fail(ctx context.Context, err error) {
	s.setState(StateClosed, err)
	s.send(ctx, Event{Type: EventError, Err: err})
	s.send(ctx, Event{Type: EventClosed})
	s.logger.Debug("session failed", "error", err)
}

// finish ends the session cleanly, emitting only Closed.
func (s *Session) finish(ctx context.Context, err error) {
	s.setState(StateClosed, err)
	s.send(ctx, Event{Type: EventClosed})
	s.logger.Debug("session closed")
}

// send queues an event for the dispatcher. The lifecycle terminator events
// must go out even when the buffer is full, so this blocks rather than drops;
// cancellation is the escape hatch.
func (s *Session) send(ctx context.Context, e Event) {
	select {
	case s.events <- e:
	case <-ctx.Done():
		// Closed mid-queue: try a non-blocking put so the terminal event is
		// not lost when there is still room.
		select {
		case s.events <- e:
		default:
		}
	}
}

// dispatch waits for a sink and then delivers events in order. If the
// session closes before a sink is attached, buffered events are discarded.
func (s *Session) dispatch() {
	<-s.attached

	for e := range s.events {
		s.mu.Lock()
		sink := s.sink
		s.mu.Unlock()
		if sink != nil {
			sink(e)
		}
	}
}

func (s *Session) setState(st State, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
	if err != nil {
		s.lastErr = err
	}
}

// streamURL builds the role-scoped stream endpoint with credential and
// replay cursor attached.
func (s *Session) streamURL() string {
	q := url.Values{}
	if s.opts.Token != "" {
		q.Set("token", s.opts.Token)
	}
	if s.opts.LastMessageID != "" {
		q.Set("lastMessageId", s.opts.LastMessageID)
	}

	u := fmt.Sprintf("%s/%s/%s/chat/stream/%s",
		strings.TrimRight(s.opts.Origin, "/"),
		s.opts.Role.Scope(),
		url.PathEscape(s.opts.ParticipantID),
		url.PathEscape(s.opts.ConversationID))
	if encoded := q.Encode(); encoded != "" {
		u += "?" + encoded
	}
	return u
}
