// Package api implements the pull side of the chat server contract:
// conversation bootstrap, paginated history, staff listings, mark-read, and
// message sends.
//
// Sending is fire-and-forget by design. The POST response is never used to
// append the sent message locally — the message comes back through the push
// stream with its server-assigned id and ordering, keeping a single source
// of truth for identity and order.
package api
