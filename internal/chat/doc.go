// Package chat defines the domain model shared by every layer of chatlink:
// conversations, messages, participant roles, and page envelopes matching the
// server's wire format.
//
// The canonical message ordering is (CreatedAt, ID) ascending, exposed via
// CompareMessages. All merging, deduplication, and cursor logic in the rest
// of the repository is defined in terms of that ordering.
package chat
