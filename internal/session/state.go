// ABOUTME: Session lifecycle states
// ABOUTME: Connecting, Open, the four per-exchange states, Error, and Closed

package session

import "fmt"

// State is a session's position in its lifecycle.
type State int32

const (
	Connecting State = iota
	Open
	AwaitingInput
	ResolvingConversation
	Streaming
	Persisting
	Errored
	Closed
)

var stateNames = [...]string{
	Connecting:            "CONNECTING",
	Open:                  "OPEN",
	AwaitingInput:         "AWAITING_INPUT",
	ResolvingConversation: "RESOLVING_CONVERSATION",
	Streaming:             "STREAMING",
	Persisting:            "PERSISTING",
	Errored:               "ERROR",
	Closed:                "CLOSED",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}
