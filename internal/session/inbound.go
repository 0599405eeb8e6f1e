// ABOUTME: Parsing of inbound client messages
// ABOUTME: Accepts {"message": text, "conversation_id": optional int}

package session

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/2389/chat-gateway/internal/conversation"
)

// Inbound is one client message.
type Inbound struct {
	Message        string `json:"message"`
	ConversationID *int64 `json:"conversation_id,omitempty"`
}

// ParseInbound decodes and validates one inbound unit. Anything other than
// a JSON object with non-blank string text fails with
// conversation.ErrInvalidMessage. A null conversation_id counts as absent.
func ParseInbound(data []byte) (Inbound, error) {
	var raw struct {
		Message        *string `json:"message"`
		ConversationID *int64  `json:"conversation_id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", conversation.ErrInvalidMessage, err)
	}
	if raw.Message == nil || strings.TrimSpace(*raw.Message) == "" {
		return Inbound{}, conversation.ErrInvalidMessage
	}
	return Inbound{Message: *raw.Message, ConversationID: raw.ConversationID}, nil
}
