// Package conversation implements the chat exchange shared by the websocket
// session, the single-shot endpoint, and the SSE endpoint.
//
// # Exchange Ordering
//
// Every surface follows the same sequence:
//
//  1. Resolve: fetch the addressed conversation and check its owner, or
//     create a new one when no ID was supplied.
//  2. RecordUserTurn: the inbound text is durable before anything is sent upstream.
//  3. History + StreamReply/CompleteReply: the full ordered history goes to
//     the completion port.
//  4. RecordAssistantTurn: only the complete reply is persisted. A failed
//     stream persists nothing, leaving the user turn in place.
//
// # Relay
//
// Relay converts a completion event channel into ordered chunk callbacks.
// Empty fragments are dropped; every other fragment is forwarded at once and
// appended to the accumulator, so the returned text is exactly the
// concatenation of the forwarded fragments.
//
// # Errors
//
//	ErrInvalidMessage        inbound unit without message text
//	ErrAccessDenied          conversation missing or owned by someone else
//	*PersistenceError        store failure
//	*completion.UpstreamError completion failure
//
// UserMessage maps each to the text a client sees.
package conversation
