// ABOUTME: Core domain types for support-chat conversations and messages.
// ABOUTME: Defines roles, statuses, wire shapes, and the canonical message ordering.

package chat

import (
	"strings"
	"time"
)

// Role identifies which side of a conversation a participant is on.
// Each role has a distinct authorization scope on the server.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleStaff    Role = "staff"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleCustomer || r == RoleStaff
}

// Scope returns the role-specific URL path segment used by the server.
func (r Role) Scope() string {
	switch r {
	case RoleStaff:
		return "staff"
	default:
		return "customers"
	}
}

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	StatusActive ConversationStatus = "ACTIVE"
	StatusClosed ConversationStatus = "CLOSED"
)

// Message type constants for the messageType wire field.
const (
	MessageTypeText   = "TEXT"
	MessageTypeImage  = "IMAGE"
	MessageTypeSystem = "SYSTEM"
)

// Message is a single immutable chat entry within a conversation.
// Only the Read flag ever changes after creation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderRole     Role      `json:"senderRole"`
	Content        string    `json:"content"`
	Type           string    `json:"messageType"`
	CreatedAt      time.Time `json:"createdAt"`
	Read           bool      `json:"read"`
}

// Conversation is a persistent thread between one customer and support staff.
type Conversation struct {
	ID              string             `json:"id"`
	CustomerID      string             `json:"customerId"`
	AssignedStaffID *string            `json:"assignedStaffId,omitempty"`
	Status          ConversationStatus `json:"status"`
	LastMessage     string             `json:"lastMessage,omitempty"`
	UnreadCount     int                `json:"unreadCount"`
	UpdatedAt       time.Time          `json:"updatedAt"`
}

// MessagePage is one page of a paginated history fetch.
type MessagePage struct {
	Content    []Message `json:"content"`
	TotalPages int       `json:"totalPages"`
}

// ConversationPage is one page of a staff conversation listing.
type ConversationPage struct {
	Content       []Conversation `json:"content"`
	TotalPages    int            `json:"totalPages"`
	TotalElements int            `json:"totalElements"`
}

// CompareIDs orders two server-assigned message IDs. Numeric IDs compare by
// magnitude so "9" sorts before "10"; anything else falls back to
// lexicographic comparison. Returns -1, 0, or 1.
func CompareIDs(a, b string) int {
	if isDigits(a) && isDigits(b) {
		ta, tb := strings.TrimLeft(a, "0"), strings.TrimLeft(b, "0")
		if len(ta) != len(tb) {
			if len(ta) < len(tb) {
				return -1
			}
			return 1
		}
		return strings.Compare(ta, tb)
	}
	return strings.Compare(a, b)
}

// CompareMessages orders two messages by (CreatedAt, ID) ascending. This is
// the canonical ordering for merged views and cursor advancement.
func CompareMessages(a, b Message) int {
	if a.CreatedAt.Before(b.CreatedAt) {
		return -1
	}
	if a.CreatedAt.After(b.CreatedAt) {
		return 1
	}
	return CompareIDs(a.ID, b.ID)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
