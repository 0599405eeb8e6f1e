// ABOUTME: Outbound websocket events as a closed set of tagged variants
// ABOUTME: Each variant marshals as {"type": ..., payload...}; Decode reverses it for clients

package session

import (
	"encoding/json"
	"fmt"
)

// Event type tags as they appear on the wire.
const (
	TypeConnection          = "connection"
	TypeConversationCreated = "conversation_created"
	TypeUserMessage         = "user_message"
	TypeTyping              = "typing"
	TypeChunk               = "chunk"
	TypeMessageComplete     = "message_complete"
	TypeError               = "error"
)

// Event is an outbound notification. The set of implementations is closed.
type Event interface {
	EventType() string
	isEvent()
}

// Connected is sent once, immediately after a connection is accepted.
type Connected struct {
	Message string `json:"message"`
	UserID  int64  `json:"user_id"`
}

// ConversationCreated carries the ID of a conversation created for an
// inbound message that named none.
type ConversationCreated struct {
	ConversationID int64 `json:"conversation_id"`
}

// UserMessage confirms that the inbound text was persisted.
type UserMessage struct {
	ConversationID int64  `json:"conversation_id"`
	Message        string `json:"message"`
}

// Typing signals that a reply is being generated.
type Typing struct {
	ConversationID int64 `json:"conversation_id"`
}

// Chunk is one reply fragment and the reply accumulated so far.
type Chunk struct {
	ConversationID int64  `json:"conversation_id"`
	Content        string `json:"content"`
	FullResponse   string `json:"full_response"`
}

// MessageComplete is sent after the reply has been persisted.
type MessageComplete struct {
	ConversationID int64  `json:"conversation_id"`
	FullResponse   string `json:"full_response"`
}

// Error reports a recoverable failure of the current exchange.
type Error struct {
	Message string `json:"message"`
}

func (Connected) EventType() string           { return TypeConnection }
func (ConversationCreated) EventType() string { return TypeConversationCreated }
func (UserMessage) EventType() string         { return TypeUserMessage }
func (Typing) EventType() string              { return TypeTyping }
func (Chunk) EventType() string               { return TypeChunk }
func (MessageComplete) EventType() string     { return TypeMessageComplete }
func (Error) EventType() string               { return TypeError }

func (Connected) isEvent()           {}
func (ConversationCreated) isEvent() {}
func (UserMessage) isEvent()         {}
func (Typing) isEvent()              {}
func (Chunk) isEvent()               {}
func (MessageComplete) isEvent()     {}
func (Error) isEvent()               {}

func (e Connected) MarshalJSON() ([]byte, error) {
	type payload Connected
	return json.Marshal(struct {
		Type string `json:"type"`
		payload
	}{TypeConnection, payload(e)})
}

func (e ConversationCreated) MarshalJSON() ([]byte, error) {
	type payload ConversationCreated
	return json.Marshal(struct {
		Type string `json:"type"`
		payload
	}{TypeConversationCreated, payload(e)})
}

func (e UserMessage) MarshalJSON() ([]byte, error) {
	type payload UserMessage
	return json.Marshal(struct {
		Type string `json:"type"`
		payload
	}{TypeUserMessage, payload(e)})
}

func (e Typing) MarshalJSON() ([]byte, error) {
	type payload Typing
	return json.Marshal(struct {
		Type string `json:"type"`
		payload
	}{TypeTyping, payload(e)})
}

func (e Chunk) MarshalJSON() ([]byte, error) {
	type payload Chunk
	return json.Marshal(struct {
		Type string `json:"type"`
		payload
	}{TypeChunk, payload(e)})
}

func (e MessageComplete) MarshalJSON() ([]byte, error) {
	type payload MessageComplete
	return json.Marshal(struct {
		Type string `json:"type"`
		payload
	}{TypeMessageComplete, payload(e)})
}

func (e Error) MarshalJSON() ([]byte, error) {
	type payload Error
	return json.Marshal(struct {
		Type string `json:"type"`
		payload
	}{TypeError, payload(e)})
}

// Decode parses one outbound event.
func Decode(data []byte) (Event, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	var ev Event
	var err error
	switch head.Type {
	case TypeConnection:
		var e Connected
		err = json.Unmarshal(data, &e)
		ev = e
	case TypeConversationCreated:
		var e ConversationCreated
		err = json.Unmarshal(data, &e)
		ev = e
	case TypeUserMessage:
		var e UserMessage
		err = json.Unmarshal(data, &e)
		ev = e
	case TypeTyping:
		var e Typing
		err = json.Unmarshal(data, &e)
		ev = e
	case TypeChunk:
		var e Chunk
		err = json.Unmarshal(data, &e)
		ev = e
	case TypeMessageComplete:
		var e MessageComplete
		err = json.Unmarshal(data, &e)
		ev = e
	case TypeError:
		var e Error
		err = json.Unmarshal(data, &e)
		ev = e
	default:
		return nil, fmt.Errorf("decode event: unknown type %q", head.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s event: %w", head.Type, err)
	}
	return ev, nil
}
