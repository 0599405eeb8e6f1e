// ABOUTME: Server-Sent Events chat endpoint streaming one exchange as data lines
// ABOUTME: Emits conversation_id, chunk, and complete or error events, then [DONE]

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/2389/chat-gateway/internal/conversation"
	"github.com/2389/chat-gateway/internal/metrics"
	"github.com/2389/chat-gateway/internal/session"
)

// sseDone terminates every stream.
const sseDone = "[DONE]"

// SSE event types.
const (
	sseConversationID = "conversation_id"
	sseChunk          = "chunk"
	sseComplete       = "complete"
	sseError          = "error"
)

// streamEvent is the payload of one SSE data line. Keys other than "type"
// depend on the event type.
type streamEvent map[string]any

// writeSSEData writes a single data line and flushes it.
func writeSSEData(w http.ResponseWriter, flusher http.Flusher, data string) error {
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, ev streamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	return writeSSEData(w, flusher, string(data))
}

// handleChatStream handles POST /chat/stream/{user_id}.
//
// Conversation resolution and the user turn happen before the stream opens,
// so those failures are ordinary JSON errors. Once streaming, a client
// disconnect stops delivery but the reply is still drained and persisted.
func (g *Gateway) handleChatStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	user, ok := g.lookupUser(w, r)
	if !ok {
		return
	}

	var req ChatRequest
	if !g.decodeBody(w, r, &req) {
		return
	}

	start := time.Now()
	ctx, cancel := g.exchangeContext(r.Context())
	defer cancel()

	conv, _, err := g.conversation.Resolve(ctx, user.ID, req.ConversationID, conversation.DefaultTitle)
	if err == nil {
		_, err = g.conversation.RecordUserTurn(ctx, conv.ID, req.Message)
	}
	if err != nil {
		g.metrics.Exchange(metrics.SurfaceSSE, conversation.Outcome(err), time.Since(start))
		g.sendExchangeError(w, err)
		return
	}

	history, err := g.conversation.History(ctx, conv.ID)
	if err != nil {
		g.metrics.Exchange(metrics.SurfaceSSE, conversation.Outcome(err), time.Since(start))
		g.sendExchangeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	var gone error
	deliver := func(ev streamEvent) {
		if gone != nil {
			return
		}
		if err := writeSSEEvent(w, flusher, ev); err != nil {
			gone = err
			g.logger.Debug("sse client gone, draining", "user_id", user.ID, "conversation_id", conv.ID, "error", err)
		}
	}

	deliver(streamEvent{"type": sseConversationID, "conversation_id": conv.ID})

	delay := g.config.Session.ChunkDelay
	reply, err := g.conversation.StreamReply(ctx, history, func(chunk, _ string) {
		g.metrics.Chunk(metrics.SurfaceSSE)
		deliver(streamEvent{"type": sseChunk, "content": chunk})
		if gone == nil && delay > 0 {
			time.Sleep(delay)
		}
	})
	if err == nil {
		_, err = g.conversation.RecordAssistantTurn(ctx, conv.ID, reply)
	}
	g.metrics.Exchange(metrics.SurfaceSSE, conversation.Outcome(err), time.Since(start))

	if err != nil {
		g.logger.Warn("sse exchange failed", "user_id", user.ID, "conversation_id", conv.ID, "error", err)
		deliver(streamEvent{"type": sseError, "message": conversation.UserMessage(err)})
	} else {
		deliver(streamEvent{"type": sseComplete, "full_response": reply})
		g.registry.Send(ctx, user.ID, session.MessageComplete{ConversationID: conv.ID, FullResponse: reply})
	}

	if gone == nil {
		if werr := writeSSEData(w, flusher, sseDone); werr != nil {
			g.logger.Debug("failed to write sse terminator", "error", werr)
		}
	}
}
