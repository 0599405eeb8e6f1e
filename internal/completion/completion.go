// ABOUTME: Completion port: the boundary to the external text-generation service
// ABOUTME: Defines Turn, stream Event types, and the Port interface with a config-driven factory

package completion

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/chat-gateway/internal/config"
)

// Turn is one role-tagged entry of conversation history sent upstream.
type Turn struct {
	Role    string
	Content string
}

// EventType identifies a stream event.
type EventType int

const (
	// EventDelta carries one text fragment.
	EventDelta EventType = iota
	// EventDone terminates a successful stream.
	EventDone
	// EventError terminates a failed stream; Err is set.
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventDelta:
		return "delta"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is one item of a completion stream. A stream yields zero or more
// EventDelta events followed by exactly one EventDone or EventError, then
// the channel is closed.
type Event struct {
	Type EventType
	Text string
	Err  error
}

// Port is the text-completion boundary.
//
// Stream returns a finite, non-restartable sequence of events. The producer
// stops when ctx is canceled, so callers that stop reading early must cancel.
type Port interface {
	Complete(ctx context.Context, history []Turn) (string, error)
	Stream(ctx context.Context, history []Turn) (<-chan Event, error)
}

// New builds the Port selected by cfg.Provider.
func New(cfg config.CompletionConfig, logger *slog.Logger) (Port, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI, "":
		return NewOpenAI(cfg, logger), nil
	case config.ProviderMock:
		logger.Warn("using mock completion provider - replies are echoes")
		return NewEchoPort(), nil
	default:
		return nil, fmt.Errorf("unknown completion provider %q", cfg.Provider)
	}
}

// emit sends ev unless ctx is done first.
func emit(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
