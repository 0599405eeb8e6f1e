// ABOUTME: Streaming relay from completion events to ordered chunk notifications
// ABOUTME: Forwards each non-empty fragment immediately and accumulates the full reply

package conversation

import (
	"context"
	"strings"

	"github.com/2389/chat-gateway/internal/completion"
)

// ChunkFunc receives one fragment and the reply accumulated so far,
// including that fragment.
type ChunkFunc func(chunk, full string)

// Relay drains events in arrival order. Every non-empty delta is passed to
// onChunk before the next event is read; nothing is batched. The returned
// text is the exact concatenation of the forwarded fragments.
//
// A terminal error event, or a channel closed without a terminal event,
// returns an *completion.UpstreamError along with the partial text.
func Relay(ctx context.Context, events <-chan completion.Event, onChunk ChunkFunc) (string, error) {
	var acc strings.Builder

	for {
		select {
		case <-ctx.Done():
			return acc.String(), &completion.UpstreamError{Provider: "completion", Op: "stream", Err: ctx.Err()}
		case ev, ok := <-events:
			if !ok {
				return acc.String(), &completion.UpstreamError{Provider: "completion", Op: "stream", Err: completion.ErrStreamTruncated}
			}

			switch ev.Type {
			case completion.EventDelta:
				if ev.Text == "" {
					continue
				}
				acc.WriteString(ev.Text)
				if onChunk != nil {
					onChunk(ev.Text, acc.String())
				}
			case completion.EventDone:
				return acc.String(), nil
			case completion.EventError:
				if completion.IsUpstreamError(ev.Err) {
					return acc.String(), ev.Err
				}
				return acc.String(), &completion.UpstreamError{Provider: "completion", Op: "stream", Err: ev.Err}
			}
		}
	}
}
