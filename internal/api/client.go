// ABOUTME: Role-scoped HTTP client for the chat REST endpoints.
// ABOUTME: Pull-side counterpart to the push stream; send is fire-and-forget.

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/deskhub/chatlink/internal/auth"
	"github.com/deskhub/chatlink/internal/chat"
)

// API errors
var (
	ErrUnauthorized       = errors.New("credential rejected")
	ErrNotFound           = errors.New("not found")
	ErrConversationClosed = errors.New("conversation closed")
)

// ConversationFilter selects which conversations a staff listing returns.
type ConversationFilter string

const (
	FilterAssigned ConversationFilter = "assigned"
	FilterUnread   ConversationFilter = "unread"
	FilterAll      ConversationFilter = ""
)

// Client talks to the chat REST API for one participant and role. The origin
// is injected; the client neither knows nor cares where the server lives.
type Client struct {
	origin     string
	httpClient *http.Client
	tokens     auth.TokenSource
	logger     *slog.Logger
}

// Options configures a Client.
type Options struct {
	Origin     string
	Tokens     auth.TokenSource
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewClient creates an API client.
func NewClient(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		origin:     strings.TrimRight(opts.Origin, "/"),
		httpClient: httpClient,
		tokens:     opts.Tokens,
		logger:     logger.With("component", "api"),
	}
}

// SendMessageRequest is the JSON body for sending a message.
type SendMessageRequest struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	MessageType    string `json:"messageType"`
}

// EnsureConversation resolves the participant's conversation, creating it on
// first contact. The server side is get-or-create, so repeated calls return
// the same conversation.
func (c *Client) EnsureConversation(ctx context.Context, participantID string, role chat.Role) (*chat.Conversation, error) {
	var conv chat.Conversation
	path := fmt.Sprintf("/%s/%s/chat/conversations", role.Scope(), url.PathEscape(participantID))
	if err := c.do(ctx, http.MethodPost, path, nil, nil, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// SendMessage posts a message to a conversation. Success is fire-and-forget:
// the sent message is observed via the stream, never appended from this
// response, so the server stays the single source of truth for identity and
// order.
func (c *Client) SendMessage(ctx context.Context, participantID string, role chat.Role, req SendMessageRequest) error {
	if req.MessageType == "" {
		req.MessageType = chat.MessageTypeText
	}
	path := fmt.Sprintf("/%s/%s/chat/conversations/%s/messages",
		role.Scope(), url.PathEscape(participantID), url.PathEscape(req.ConversationID))
	return c.do(ctx, http.MethodPost, path, nil, req, nil)
}

// ListMessages fetches one page of conversation history. Pages are requested
// oldest-first and must be merged, never simply concatenated.
func (c *Client) ListMessages(ctx context.Context, participantID string, role chat.Role, conversationID string, page, size int) (*chat.MessagePage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(size))

	var result chat.MessagePage
	path := fmt.Sprintf("/%s/%s/chat/conversations/%s/messages",
		role.Scope(), url.PathEscape(participantID), url.PathEscape(conversationID))
	if err := c.do(ctx, http.MethodGet, path, q, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListConversations fetches one page of the staff conversation listing.
func (c *Client) ListConversations(ctx context.Context, staffID string, filter ConversationFilter, page, size int) (*chat.ConversationPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(size))
	if filter != FilterAll {
		q.Set("filter", string(filter))
	}

	var result chat.ConversationPage
	path := fmt.Sprintf("/%s/%s/chat/conversations", chat.RoleStaff.Scope(), url.PathEscape(staffID))
	if err := c.do(ctx, http.MethodGet, path, q, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// MarkRead marks the conversation's unread messages as read. Only
// success/failure matters; the response body is ignored.
func (c *Client) MarkRead(ctx context.Context, participantID string, role chat.Role, conversationID string) error {
	path := fmt.Sprintf("/%s/%s/chat/conversations/%s/read",
		role.Scope(), url.PathEscape(participantID), url.PathEscape(conversationID))
	return c.do(ctx, http.MethodPost, path, nil, nil, nil)
}

// AssignConversation assigns a conversation to the acting staff member.
func (c *Client) AssignConversation(ctx context.Context, staffID, conversationID string) error {
	path := fmt.Sprintf("/%s/%s/chat/conversations/%s/assign",
		chat.RoleStaff.Scope(), url.PathEscape(staffID), url.PathEscape(conversationID))
	return c.do(ctx, http.MethodPost, path, nil, nil, nil)
}

// CloseConversation transitions a conversation ACTIVE -> CLOSED.
func (c *Client) CloseConversation(ctx context.Context, staffID, conversationID string) error {
	path := fmt.Sprintf("/%s/%s/chat/conversations/%s/close",
		chat.RoleStaff.Scope(), url.PathEscape(staffID), url.PathEscape(conversationID))
	return c.do(ctx, http.MethodPost, path, nil, nil, nil)
}

// ReopenConversation transitions a conversation CLOSED -> ACTIVE.
func (c *Client) ReopenConversation(ctx context.Context, staffID, conversationID string) error {
	path := fmt.Sprintf("/%s/%s/chat/conversations/%s/reopen",
		chat.RoleStaff.Scope(), url.PathEscape(staffID), url.PathEscape(conversationID))
	return c.do(ctx, http.MethodPost, path, nil, nil, nil)
}

// do performs one request with credential attached and decodes the response
// into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("fetching credential: %w", err)
	}

	u := c.origin + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	requestID := uuid.New().String()
	req.Header.Set("X-Request-Id", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp); err != nil {
		c.logger.Debug("request failed",
			"method", method,
			"path", path,
			"request_id", requestID,
			"error", err)
		return err
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// checkStatus maps HTTP status codes to API errors.
func (c *Client) checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusConflict:
		return ErrConversationClosed
	}

	// Surface the server's error message when it sends one
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var errResp map[string]string
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil {
			if msg, ok := errResp["error"]; ok {
				return fmt.Errorf("server error: %s", msg)
			}
		}
	}
	return fmt.Errorf("server returned status %d", resp.StatusCode)
}
