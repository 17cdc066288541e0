// ABOUTME: Package documentation for the archive package
// ABOUTME: Describes the local SQLite transcript store

// Package archive persists conversation transcripts to a local SQLite
// database. It is an optional layer: clients that enable it get offline
// history and a durable catch-up position across restarts, clients that
// don't lose nothing but those.
//
// Writes are keyed by (conversation, message id) with replace-on-conflict
// semantics, so replaying a catch-up batch after reconnect is harmless.
package archive
