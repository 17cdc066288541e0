// Package cursor tracks the per-conversation last-seen message position used
// to request replay-only-what's-missing on (re)connect.
package cursor
