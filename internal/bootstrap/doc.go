// Package bootstrap resolves conversations and manages their lifecycle.
//
// Customers get idempotent get-or-create: one conversation per participant,
// created on first contact. Staff get listings (assigned, unread) instead of
// creation, plus the close/reopen transitions. The service tracks each
// conversation's last-observed status so sends into a closed conversation
// fail locally; the server remains the authoritative guard.
package bootstrap
