// Package session implements the push side of the chat transport: one
// long-lived server-sent-events connection per conversation and role.
//
// # Lifecycle
//
// A session is opened with the conversation's current cursor so the server
// replays only what was missed:
//
//	s, err := session.Open(ctx, session.Options{
//		Origin:         origin,
//		ConversationID: convID,
//		ParticipantID:  participantID,
//		Role:           chat.RoleCustomer,
//		Token:          token,
//		LastMessageID:  cursor,
//	})
//
// Events arrive strictly in server-emission order:
//
//	Opened -> CatchUp/Message ... -> [Error] -> Closed
//
// Events produced before a sink is attached are buffered, not dropped, so
// there is no race between session creation and subscription wiring.
//
// # Policy boundary
//
// The session is deliberately policy-free. It never retries: a transport
// error produces Error then Closed and that is the end of it. Reconnection
// decisions belong to the registry, which the next subscribe triggers.
package session
