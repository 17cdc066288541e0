// ABOUTME: Conversation lifecycle service: idempotent get-or-create, assign-side listings,
// ABOUTME: close/reopen transitions, and the closed-conversation send guard.

package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/deskhub/chatlink/internal/api"
	"github.com/deskhub/chatlink/internal/chat"
	"github.com/deskhub/chatlink/internal/config"
	"github.com/deskhub/chatlink/internal/fanout"
	"github.com/deskhub/chatlink/internal/session"
)

// ErrConversationClosed is returned when sending into a conversation the
// service has observed as closed. The storage-side guard is the server's;
// this one just avoids a doomed round trip.
var ErrConversationClosed = errors.New("conversation is closed")

// Service coordinates conversation bootstrap and lifecycle. It caches the
// participant -> conversation resolution so repeated EnsureConversation
// calls return the same conversation without refetching, and tracks the
// last-observed status per conversation to guard outbound sends.
type Service struct {
	client       *api.Client
	fan          *fanout.Fanout
	readReceipts config.ReadReceiptMode
	logger       *slog.Logger

	mu            sync.Mutex
	byParticipant map[string]chat.Conversation
	status        map[string]chat.ConversationStatus
}

// Options configures a Service.
type Options struct {
	Client       *api.Client
	Fanout       *fanout.Fanout
	ReadReceipts config.ReadReceiptMode
	Logger       *slog.Logger
}

// New creates a bootstrap service.
func New(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mode := opts.ReadReceipts
	if mode == "" {
		mode = config.ReadReceiptsRealtime
	}
	return &Service{
		client:        opts.Client,
		fan:           opts.Fanout,
		readReceipts:  mode,
		logger:        logger.With("component", "bootstrap"),
		byParticipant: make(map[string]chat.Conversation),
		status:        make(map[string]chat.ConversationStatus),
	}
}

// EnsureConversation resolves the customer's conversation, creating it on
// first contact. Idempotent: repeated calls for the same participant return
// the same conversation id.
func (s *Service) EnsureConversation(ctx context.Context, participantID string) (*chat.Conversation, error) {
	s.mu.Lock()
	if conv, ok := s.byParticipant[participantID]; ok {
		s.mu.Unlock()
		return &conv, nil
	}
	s.mu.Unlock()

	conv, err := s.client.EnsureConversation(ctx, participantID, chat.RoleCustomer)
	if err != nil {
		return nil, fmt.Errorf("ensuring conversation: %w", err)
	}

	s.mu.Lock()
	// Another caller may have resolved the same participant while we were
	// on the wire; the server is idempotent so both copies carry the same
	// id, and we keep whichever landed first.
	if cached, ok := s.byParticipant[participantID]; ok {
		s.mu.Unlock()
		return &cached, nil
	}
	s.byParticipant[participantID] = *conv
	s.status[conv.ID] = conv.Status
	s.mu.Unlock()

	s.logger.Debug("conversation resolved",
		"participant_id", participantID,
		"conversation_id", conv.ID,
		"status", string(conv.Status))
	return conv, nil
}

// ListAssigned returns one page of conversations assigned to the staff member.
func (s *Service) ListAssigned(ctx context.Context, staffID string, page, size int) (*chat.ConversationPage, error) {
	return s.list(ctx, staffID, api.FilterAssigned, page, size)
}

// ListUnread returns one page of conversations with unread messages.
func (s *Service) ListUnread(ctx context.Context, staffID string, page, size int) (*chat.ConversationPage, error) {
	return s.list(ctx, staffID, api.FilterUnread, page, size)
}

// ListAll returns one page of all conversations.
func (s *Service) ListAll(ctx context.Context, staffID string, page, size int) (*chat.ConversationPage, error) {
	return s.list(ctx, staffID, api.FilterAll, page, size)
}

func (s *Service) list(ctx context.Context, staffID string, filter api.ConversationFilter, page, size int) (*chat.ConversationPage, error) {
	result, err := s.client.ListConversations(ctx, staffID, filter, page, size)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	s.mu.Lock()
	for _, conv := range result.Content {
		s.status[conv.ID] = conv.Status
	}
	s.mu.Unlock()
	return result, nil
}

// Send posts a message to a conversation. A conversation observed as closed
// is rejected locally with ErrConversationClosed before hitting the wire;
// the server enforces the same guard authoritatively.
func (s *Service) Send(ctx context.Context, participantID string, role chat.Role, conversationID, content, messageType string) error {
	s.mu.Lock()
	status, known := s.status[conversationID]
	s.mu.Unlock()
	if known && status == chat.StatusClosed {
		return ErrConversationClosed
	}

	err := s.client.SendMessage(ctx, participantID, role, api.SendMessageRequest{
		ConversationID: conversationID,
		Content:        content,
		MessageType:    messageType,
	})
	if errors.Is(err, api.ErrConversationClosed) {
		// Learned the hard way; remember it
		s.setStatus(conversationID, chat.StatusClosed)
		return fmt.Errorf("%w: %w", ErrConversationClosed, err)
	}
	return err
}

// MarkRead marks a conversation's unread messages as read. In realtime
// read-receipt mode a local read event is published through the fanout so
// every subscribed view updates in place without waiting for a refetch.
// reader is the role performing the read; the messages flipped are the other
// role's.
func (s *Service) MarkRead(ctx context.Context, participantID string, reader chat.Role, conversationID string) error {
	if err := s.client.MarkRead(ctx, participantID, reader, conversationID); err != nil {
		return fmt.Errorf("marking read: %w", err)
	}

	if s.readReceipts == config.ReadReceiptsRealtime && s.fan != nil {
		sender := chat.RoleStaff
		if reader == chat.RoleStaff {
			sender = chat.RoleCustomer
		}
		s.fan.Publish(conversationID, session.Event{Type: session.EventRead, ReadBy: sender})
	}
	return nil
}

// Assign assigns a conversation to the staff member. Assignment does not
// change the conversation's status, so the local status cache is untouched.
func (s *Service) Assign(ctx context.Context, staffID, conversationID string) error {
	if err := s.client.AssignConversation(ctx, staffID, conversationID); err != nil {
		return fmt.Errorf("assigning conversation: %w", err)
	}
	return nil
}

// Close transitions a conversation ACTIVE -> CLOSED. Staff only.
func (s *Service) Close(ctx context.Context, staffID, conversationID string) error {
	if err := s.client.CloseConversation(ctx, staffID, conversationID); err != nil {
		return fmt.Errorf("closing conversation: %w", err)
	}
	s.setStatus(conversationID, chat.StatusClosed)
	return nil
}

// Reopen transitions a conversation CLOSED -> ACTIVE. Staff only.
func (s *Service) Reopen(ctx context.Context, staffID, conversationID string) error {
	if err := s.client.ReopenConversation(ctx, staffID, conversationID); err != nil {
		return fmt.Errorf("reopening conversation: %w", err)
	}
	s.setStatus(conversationID, chat.StatusActive)
	return nil
}

// Status returns the last-observed status for a conversation.
func (s *Service) Status(conversationID string) (chat.ConversationStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.status[conversationID]
	return status, ok
}

func (s *Service) setStatus(conversationID string, status chat.ConversationStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.status[conversationID] = status
	for pid, conv := range s.byParticipant {
		if conv.ID == conversationID {
			conv.Status = status
			s.byParticipant[pid] = conv
		}
	}
}
