// ABOUTME: Error taxonomy for chat exchanges
// ABOUTME: Protocol, ownership, and persistence failures; upstream failures live in completion

package conversation

import (
	"errors"
	"fmt"

	"github.com/2389/chat-gateway/internal/completion"
	"github.com/2389/chat-gateway/internal/metrics"
)

// ErrInvalidMessage marks an inbound unit without usable message text.
var ErrInvalidMessage = errors.New("invalid message format")

// ErrAccessDenied marks a conversation that does not exist or belongs to another user.
// Both cases are reported identically so IDs cannot be probed.
var ErrAccessDenied = errors.New("conversation not found or access denied")

// PersistenceError wraps a store failure during an exchange.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func persistErr(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}

// User-visible error texts.
const (
	MsgInvalidFormat = `Invalid message format. Expected: {"message": "text", "conversation_id": optional}`
	MsgAccessDenied  = "Conversation not found or access denied"
	MsgProcessing    = "Error processing message"
	msgGenerating    = "Error generating response: "
)

// UserMessage maps an exchange error to the text shown to the client.
// Internal store detail never crosses this boundary.
func UserMessage(err error) string {
	var ue *completion.UpstreamError
	switch {
	case errors.Is(err, ErrInvalidMessage):
		return MsgInvalidFormat
	case errors.Is(err, ErrAccessDenied):
		return MsgAccessDenied
	case errors.As(err, &ue):
		return msgGenerating + ue.Message()
	default:
		return MsgProcessing
	}
}

// Outcome classifies an exchange result for metrics.
func Outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, ErrInvalidMessage):
		return metrics.OutcomeInvalid
	case errors.Is(err, ErrAccessDenied):
		return metrics.OutcomeDenied
	case completion.IsUpstreamError(err):
		return metrics.OutcomeUpstreamError
	default:
		return metrics.OutcomeStoreError
	}
}
