// ABOUTME: Tests for domain type helpers: role scopes and message ordering.
// ABOUTME: Covers numeric vs lexicographic ID comparison and timestamp tiebreaks.

package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRole_Valid(t *testing.T) {
	assert.True(t, RoleCustomer.Valid())
	assert.True(t, RoleStaff.Valid())
	assert.False(t, Role("admin").Valid())
	assert.False(t, Role("").Valid())
}

func TestRole_Scope(t *testing.T) {
	assert.Equal(t, "customers", RoleCustomer.Scope())
	assert.Equal(t, "staff", RoleStaff.Scope())
}

func TestCompareIDs_Numeric(t *testing.T) {
	assert.Equal(t, -1, CompareIDs("9", "10"))
	assert.Equal(t, 1, CompareIDs("10", "9"))
	assert.Equal(t, 0, CompareIDs("42", "42"))
	// Leading zeros compare by magnitude
	assert.Equal(t, 0, CompareIDs("007", "7"))
	assert.Equal(t, -1, CompareIDs("08", "9"))
}

func TestCompareIDs_Lexicographic(t *testing.T) {
	assert.Equal(t, -1, CompareIDs("msg-a", "msg-b"))
	assert.Equal(t, 1, CompareIDs("msg-b", "msg-a"))
	// Mixed numeric/non-numeric falls back to string compare
	assert.Equal(t, -1, CompareIDs("10", "9a"))
}

func TestCompareMessages_TimestampFirst(t *testing.T) {
	early := Message{ID: "99", CreatedAt: time.Unix(100, 0)}
	late := Message{ID: "1", CreatedAt: time.Unix(200, 0)}

	assert.Equal(t, -1, CompareMessages(early, late))
	assert.Equal(t, 1, CompareMessages(late, early))
}

func TestCompareMessages_IDBreaksTies(t *testing.T) {
	ts := time.Unix(100, 0)
	a := Message{ID: "9", CreatedAt: ts}
	b := Message{ID: "10", CreatedAt: ts}

	assert.Equal(t, -1, CompareMessages(a, b))
	assert.Equal(t, 0, CompareMessages(a, a))
}
