// Package registry multiplexes channel sessions: at most one live push
// connection per conversation id, shared by every subscriber.
//
// Connect is idempotent and race-safe — any number of concurrent connects
// for the same conversation collapse into one transport. When a session
// fails, the registry removes the dead entry and does nothing else: there is
// no internal retry loop, so reconnect storms cannot originate here. The
// next subscribe (or an explicit caller loop using Backoff) drives the fresh
// connect, seeded from the current cursor so the server replays only what
// was missed.
package registry
