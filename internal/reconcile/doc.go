// Package reconcile merges pull-based history pages with push-based live
// messages into a single ordered, duplicate-free view of a conversation.
//
// The same message can legitimately arrive twice: once in a paginated
// history fetch and again in a catch-up replay after reconnect. The merge is
// keyed by message ID so duplicate delivery is absorbed transparently rather
// than surfaced as an error.
package reconcile
