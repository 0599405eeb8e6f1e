// Package session runs the per-connection chat protocol.
//
// # Lifecycle
//
//	CONNECTING -> OPEN -> AWAITING_INPUT -> RESOLVING_CONVERSATION
//	           -> STREAMING -> PERSISTING -> OPEN ... -> CLOSED
//
// ERROR is entered on a malformed message, an ownership failure, or a store
// or completion failure. The client receives an error event and the session
// returns to OPEN. Only transport failures (read EOF, a failed write,
// context cancellation) close the session.
//
// # Event Order
//
// For one exchange the client sees:
//
//	conversation_created   only when the message named no conversation
//	user_message           after the user turn is persisted
//	typing
//	chunk ...              one per non-empty fragment
//	message_complete       after the assistant turn is persisted
//
// or a single error event in place of any suffix of that sequence.
//
// # Disconnects
//
// Once the user turn is persisted the exchange runs on a context detached
// from the connection, bounded by Options.ExchangeTimeout. A client that
// leaves mid-stream stops receiving events, but the reply is still drained
// and persisted so it is in the history when the client reconnects.
//
// Two connections of the same user may post to the same conversation at
// once. Their turns are not serialized against each other.
package session
