// ABOUTME: In-process completion ports for development and tests
// ABOUTME: MockPort replays scripted fragments; EchoPort echoes the latest user turn

package completion

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MockPort is a scripted Port. Stream yields Fragments in order, then
// StreamErr as a terminal error if set, otherwise a terminal done.
type MockPort struct {
	Fragments []string
	Reply     string        // returned by Complete
	OpenErr   error         // returned by Stream before any event
	StreamErr error         // terminal error after Fragments
	Delay     time.Duration // pause before each fragment

	mu    sync.Mutex
	calls [][]Turn
}

// Calls returns copies of the histories the port was invoked with.
func (m *MockPort) Calls() [][]Turn {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([][]Turn, len(m.calls))
	for i, c := range m.calls {
		out[i] = append([]Turn(nil), c...)
	}
	return out
}

func (m *MockPort) record(history []Turn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, append([]Turn(nil), history...))
}

// Complete returns Reply, or the concatenated Fragments when Reply is empty.
func (m *MockPort) Complete(ctx context.Context, history []Turn) (string, error) {
	m.record(history)
	if m.OpenErr != nil {
		return "", m.OpenErr
	}
	if m.StreamErr != nil {
		return "", m.StreamErr
	}
	if m.Reply != "" {
		return m.Reply, nil
	}
	return strings.Join(m.Fragments, ""), nil
}

// Stream replays the script.
func (m *MockPort) Stream(ctx context.Context, history []Turn) (<-chan Event, error) {
	m.record(history)
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		for _, f := range m.Fragments {
			if m.Delay > 0 {
				select {
				case <-time.After(m.Delay):
				case <-ctx.Done():
					return
				}
			}
			if !emit(ctx, out, Event{Type: EventDelta, Text: f}) {
				return
			}
		}
		if m.StreamErr != nil {
			emit(ctx, out, Event{Type: EventError, Err: m.StreamErr})
			return
		}
		emit(ctx, out, Event{Type: EventDone})
	}()
	return out, nil
}

// EchoPort answers with the latest user turn, streamed word by word.
type EchoPort struct{}

// NewEchoPort creates an EchoPort.
func NewEchoPort() *EchoPort {
	return &EchoPort{}
}

func echoReply(history []Turn) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "user" {
			return "You said: " + history[i].Content
		}
	}
	return "Hello!"
}

// Complete returns the echo reply.
func (EchoPort) Complete(ctx context.Context, history []Turn) (string, error) {
	return echoReply(history), nil
}

// Stream yields the echo reply one word (with its trailing space) at a time.
func (EchoPort) Stream(ctx context.Context, history []Turn) (<-chan Event, error) {
	reply := echoReply(history)

	out := make(chan Event)
	go func() {
		defer close(out)
		for _, word := range strings.SplitAfter(reply, " ") {
			if !emit(ctx, out, Event{Type: EventDelta, Text: word}) {
				return
			}
		}
		emit(ctx, out, Event{Type: EventDone})
	}()
	return out, nil
}

var (
	_ Port = (*MockPort)(nil)
	_ Port = EchoPort{}
)
