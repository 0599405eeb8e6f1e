// ABOUTME: HTTP API handlers for users, conversations, history, and single-shot chat
// ABOUTME: Request bodies are validated with go-playground/validator; errors are JSON

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/2389/chat-gateway/internal/completion"
	"github.com/2389/chat-gateway/internal/conversation"
	"github.com/2389/chat-gateway/internal/metrics"
	"github.com/2389/chat-gateway/internal/session"
	"github.com/2389/chat-gateway/internal/store"
)

const (
	// maxBodyBytes caps any JSON request body.
	maxBodyBytes = 1 << 20

	// maxMessageBytes caps a single chat message.
	maxMessageBytes = 32 * 1024

	// IdempotencyHeader makes POST /chat/{user_id} replay its first reply.
	IdempotencyHeader = "Idempotency-Key"
	replayedHeader    = "Idempotent-Replayed"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("notblank", validateNotBlank)
	_ = validate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateNotBlank rejects strings that are empty after trimming whitespace.
func validateNotBlank(fl validator.FieldLevel) bool {
	return strings.TrimSpace(fl.Field().String()) != ""
}

// validateMaxBytes limits a string's byte length, not its rune count.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= maxMessageBytes
}

// CreateUserRequest is the JSON request body for POST /users.
type CreateUserRequest struct {
	Username string `json:"username" validate:"required,notblank,max=64"`
	Email    string `json:"email" validate:"required,email"`
}

// UserResponse is the JSON response for user endpoints.
type UserResponse struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	CreatedAt string `json:"created_at"`
}

// CreateConversationRequest is the JSON request body for POST /users/{user_id}/conversations.
type CreateConversationRequest struct {
	Title *string `json:"title" validate:"omitempty,max=200"`
}

// ConversationResponse is the JSON response for conversation endpoints.
type ConversationResponse struct {
	ID        int64  `json:"id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// MessageResponse is one entry of a conversation's history.
type MessageResponse struct {
	ID          int64  `json:"id"`
	Role        string `json:"role"`
	Content     string `json:"content"`
	ContentHTML string `json:"content_html,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// ChatRequest is the JSON request body for both chat endpoints.
type ChatRequest struct {
	Message        string `json:"message" validate:"required,notblank,maxbytes"`
	ConversationID *int64 `json:"conversation_id"`
}

// ChatResponse is the JSON response for POST /chat/{user_id}.
type ChatResponse struct {
	ConversationID int64  `json:"conversation_id"`
	Message        string `json:"message"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func toUserResponse(u *store.User) UserResponse {
	return UserResponse{ID: u.ID, Username: u.Username, Email: u.Email, CreatedAt: formatTime(u.CreatedAt)}
}

func toConversationResponse(c *store.Conversation) ConversationResponse {
	return ConversationResponse{
		ID:        c.ID,
		Title:     c.Title,
		CreatedAt: formatTime(c.CreatedAt),
		UpdatedAt: formatTime(c.UpdatedAt),
	}
}

// handleRoot handles GET /.
func (g *Gateway) handleRoot(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{"message": "Streaming Chatbot API is running!"})
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the store answers a ping.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d connections)", g.registry.Total())
}

// handleCreateUser handles POST /users.
func (g *Gateway) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if !g.decodeBody(w, r, &req) {
		return
	}

	user, err := g.store.CreateUser(r.Context(), strings.TrimSpace(req.Username), req.Email)
	switch {
	case errors.Is(err, store.ErrDuplicateEmail), errors.Is(err, store.ErrDuplicateUsername):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		g.logger.Error("failed to create user", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.logger.Info("user created", "user_id", user.ID, "username", user.Username)
	g.writeJSON(w, http.StatusCreated, toUserResponse(user))
}

// handleGetUser handles GET /users/{username}.
func (g *Gateway) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := g.store.GetUserByUsername(r.Context(), r.PathValue("username"))
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to get user", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.writeJSON(w, http.StatusOK, toUserResponse(user))
}

// handleCreateConversation handles POST /users/{user_id}/conversations.
func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	user, ok := g.lookupUser(w, r)
	if !ok {
		return
	}

	var req CreateConversationRequest
	if r.ContentLength != 0 && !g.decodeBody(w, r, &req) {
		return
	}
	title := conversation.DefaultTitle
	if req.Title != nil && strings.TrimSpace(*req.Title) != "" {
		title = strings.TrimSpace(*req.Title)
	}

	conv, err := g.store.CreateConversation(r.Context(), user.ID, title)
	if err != nil {
		g.logger.Error("failed to create conversation", "user_id", user.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.writeJSON(w, http.StatusCreated, toConversationResponse(conv))
}

// handleListConversations handles GET /users/{user_id}/conversations.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	user, ok := g.lookupUser(w, r)
	if !ok {
		return
	}

	convs, err := g.store.ListConversations(r.Context(), user.ID)
	if err != nil {
		g.logger.Error("failed to list conversations", "user_id", user.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	out := make([]ConversationResponse, len(convs))
	for i, c := range convs {
		out[i] = toConversationResponse(c)
	}
	g.writeJSON(w, http.StatusOK, out)
}

// handleListMessages handles GET /conversations/{id}/messages.
// With ?format=html each message also carries its content rendered from markdown.
func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}

	if _, err := g.store.GetConversation(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "Conversation not found")
			return
		}
		g.logger.Error("failed to get conversation", "conversation_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	msgs, err := g.store.ListMessages(r.Context(), id)
	if err != nil {
		g.logger.Error("failed to list messages", "conversation_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	html := r.URL.Query().Get("format") == "html"
	out := make([]MessageResponse, len(msgs))
	for i, m := range msgs {
		out[i] = MessageResponse{ID: m.ID, Role: m.Role, Content: m.Content, CreatedAt: formatTime(m.CreatedAt)}
		if html {
			out[i].ContentHTML = g.renderMarkdown(m.Content)
		}
	}
	g.writeJSON(w, http.StatusOK, out)
}

// renderMarkdown converts message content to HTML. Raw HTML in the source is not passed through.
func (g *Gateway) renderMarkdown(content string) string {
	var buf bytes.Buffer
	if err := g.markdown.Convert([]byte(content), &buf); err != nil {
		g.logger.Error("failed to convert markdown", "error", err)
		return ""
	}
	return buf.String()
}

// handleChat handles POST /chat/{user_id}: one non-streaming exchange.
// A repeated Idempotency-Key for the same user replays the stored reply
// without running the exchange again.
func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	user, ok := g.lookupUser(w, r)
	if !ok {
		return
	}

	var req ChatRequest
	if !g.decodeBody(w, r, &req) {
		return
	}

	run := func() (ChatResponse, error) {
		start := time.Now()
		ctx, cancel := g.exchangeContext(r.Context())
		defer cancel()

		conv, reply, err := g.conversation.Exchange(ctx, user.ID, req.ConversationID, req.Message)
		g.metrics.Exchange(metrics.SurfaceHTTP, conversation.Outcome(err), time.Since(start))
		if err != nil {
			return ChatResponse{}, err
		}

		g.registry.Send(ctx, user.ID, session.MessageComplete{ConversationID: conv.ID, FullResponse: reply})
		return ChatResponse{ConversationID: conv.ID, Message: reply}, nil
	}

	var (
		resp     ChatResponse
		replayed bool
		err      error
	)
	if key := strings.TrimSpace(r.Header.Get(IdempotencyHeader)); key != "" {
		resp, replayed, err = g.responses.Do(fmt.Sprintf("%d:%s", user.ID, key), run)
	} else {
		resp, err = run()
	}
	if err != nil {
		g.sendExchangeError(w, err)
		return
	}

	if replayed {
		w.Header().Set(replayedHeader, "true")
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// sendExchangeError maps an exchange failure to an HTTP status.
func (g *Gateway) sendExchangeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, conversation.ErrAccessDenied):
		g.sendJSONError(w, http.StatusNotFound, "Conversation not found")
	case completion.IsUpstreamError(err):
		g.logger.Warn("completion failed", "error", err)
		g.sendJSONError(w, http.StatusBadGateway, conversation.UserMessage(err))
	default:
		g.logger.Error("exchange failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, conversation.UserMessage(err))
	}
}

// lookupUser resolves the {user_id} path value, writing 400 or 404 on failure.
func (g *Gateway) lookupUser(w http.ResponseWriter, r *http.Request) (*store.User, bool) {
	userID, err := strconv.ParseInt(r.PathValue("user_id"), 10, 64)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid user_id")
		return nil, false
	}

	user, err := g.store.GetUser(r.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "User not found")
		return nil, false
	}
	if err != nil {
		g.logger.Error("failed to get user", "user_id", userID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return nil, false
	}
	return user, true
}

// decodeBody parses and validates a JSON body into dst, writing 400 on failure.
func (g *Gateway) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

// validationMessage turns validator errors into one readable line.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid request"
	}

	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required", "notblank":
			parts = append(parts, field+" is required")
		case "email":
			parts = append(parts, field+" must be a valid email address")
		case "max", "maxbytes":
			parts = append(parts, field+" is too long")
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}
