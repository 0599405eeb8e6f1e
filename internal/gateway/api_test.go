// ABOUTME: Tests for the HTTP API handlers
// ABOUTME: Covers users, conversations, history rendering, and single-shot chat with idempotency

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/chat-gateway/internal/completion"
	"github.com/2389/chat-gateway/internal/conversation"
	"github.com/2389/chat-gateway/internal/session"
	"github.com/2389/chat-gateway/internal/store"
)

// doRequest sends a request through the gateway's mux and records the response.
func doRequest(t *testing.T, gw *Gateway, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body["error"]
}

func mustCreateUser(t *testing.T, s *store.MockStore, username string) *store.User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), username, username+"@example.com")
	require.NoError(t, err)
	return u
}

func TestHandleRoot(t *testing.T) {
	gw, _ := newTestGateway(t, &completion.MockPort{})

	rec := doRequest(t, gw, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"Streaming Chatbot API is running!"}`, rec.Body.String())

	rec = doRequest(t, gw, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleCreateUser(t *testing.T) {
	gw, _ := newTestGateway(t, &completion.MockPort{})

	rec := doRequest(t, gw, http.MethodPost, "/users", `{"username":"alice","email":"alice@example.com"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var user UserResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&user))
	assert.NotZero(t, user.ID)
	assert.Equal(t, "alice", user.Username)
	assert.Equal(t, "alice@example.com", user.Email)
	assert.NotEmpty(t, user.CreatedAt)
}

func TestHandleCreateUser_Errors(t *testing.T) {
	gw, s := newTestGateway(t, &completion.MockPort{})
	mustCreateUser(t, s, "alice")

	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"duplicate email", `{"username":"other","email":"alice@example.com"}`, "email already registered"},
		{"duplicate username", `{"username":"alice","email":"new@example.com"}`, "username already registered"},
		{"missing username", `{"email":"bob@example.com"}`, "username is required"},
		{"blank username", `{"username":"   ","email":"bob@example.com"}`, "username is required"},
		{"bad email", `{"username":"bob","email":"not-an-email"}`, "email must be a valid email address"},
		{"malformed json", `{"username":`, "invalid JSON body"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, gw, http.MethodPost, "/users", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.wantErr, decodeError(t, rec))
		})
	}
}

func TestHandleGetUser(t *testing.T) {
	gw, s := newTestGateway(t, &completion.MockPort{})
	alice := mustCreateUser(t, s, "alice")

	rec := doRequest(t, gw, http.MethodGet, "/users/alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var user UserResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&user))
	assert.Equal(t, alice.ID, user.ID)

	rec = doRequest(t, gw, http.MethodGet, "/users/nobody", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "User not found", decodeError(t, rec))
}

func TestHandleConversations(t *testing.T) {
	gw, s := newTestGateway(t, &completion.MockPort{})
	alice := mustCreateUser(t, s, "alice")
	base := fmt.Sprintf("/users/%d/conversations", alice.ID)

	rec := doRequest(t, gw, http.MethodPost, base, `{"title":"Trip planning"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var titled ConversationResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&titled))
	assert.Equal(t, "Trip planning", titled.Title)

	rec = doRequest(t, gw, http.MethodPost, base, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	var untitled ConversationResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&untitled))
	assert.Equal(t, conversation.DefaultTitle, untitled.Title)

	rec = doRequest(t, gw, http.MethodGet, base, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []ConversationResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	assert.Len(t, list, 2)
}

func TestHandleConversations_UnknownUser(t *testing.T) {
	gw, _ := newTestGateway(t, &completion.MockPort{})

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		rec := doRequest(t, gw, method, "/users/999/conversations", "")
		assert.Equal(t, http.StatusNotFound, rec.Code, method)
		assert.Equal(t, "User not found", decodeError(t, rec), method)
	}

	rec := doRequest(t, gw, http.MethodGet, "/users/abc/conversations", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleListMessages(t *testing.T) {
	gw, s := newTestGateway(t, &completion.MockPort{})
	ctx := context.Background()
	alice := mustCreateUser(t, s, "alice")
	conv, err := s.CreateConversation(ctx, alice.ID, "c")
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, conv.ID, store.RoleUser, "hi")
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, conv.ID, store.RoleAssistant, "**bold** reply")
	require.NoError(t, err)

	path := fmt.Sprintf("/conversations/%d/messages", conv.ID)

	rec := doRequest(t, gw, http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var msgs []MessageResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, store.RoleAssistant, msgs[1].Role)
	assert.Empty(t, msgs[1].ContentHTML)

	rec = doRequest(t, gw, http.MethodGet, path+"?format=html", "")
	require.Equal(t, http.StatusOK, rec.Code)
	msgs = nil
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&msgs))
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1].ContentHTML, "<strong>bold</strong>")

	rec = doRequest(t, gw, http.MethodGet, "/conversations/999/messages", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Conversation not found", decodeError(t, rec))
}

func TestHandleChat_NewConversation(t *testing.T) {
	port := &completion.MockPort{Reply: "Hello there"}
	gw, s := newTestGateway(t, port)
	alice := mustCreateUser(t, s, "alice")

	rec := doRequest(t, gw, http.MethodPost, fmt.Sprintf("/chat/%d", alice.ID), `{"message":"Hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ChatResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "Hello there", resp.Message)
	assert.NotZero(t, resp.ConversationID)

	conv, err := s.GetConversation(context.Background(), resp.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, conversation.DefaultTitle, conv.Title)

	msgs, err := s.ListMessages(context.Background(), resp.ConversationID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hi", msgs[0].Content)
	assert.Equal(t, "Hello there", msgs[1].Content)
}

func TestHandleChat_ExistingConversation(t *testing.T) {
	port := &completion.MockPort{Reply: "again"}
	gw, s := newTestGateway(t, port)
	alice := mustCreateUser(t, s, "alice")
	conv, err := s.CreateConversation(context.Background(), alice.ID, "c")
	require.NoError(t, err)

	body := fmt.Sprintf(`{"message":"one more","conversation_id":%d}`, conv.ID)
	rec := doRequest(t, gw, http.MethodPost, fmt.Sprintf("/chat/%d", alice.ID), body)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ChatResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, conv.ID, resp.ConversationID)

	calls := port.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []completion.Turn{{Role: store.RoleUser, Content: "one more"}}, calls[0])
}

func TestHandleChat_Errors(t *testing.T) {
	gw, s := newTestGateway(t, &completion.MockPort{Reply: "x"})
	alice := mustCreateUser(t, s, "alice")
	bob := mustCreateUser(t, s, "bob")
	bobConv, err := s.CreateConversation(context.Background(), bob.ID, "private")
	require.NoError(t, err)

	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
		wantErr    string
	}{
		{"unknown user", "/chat/999", `{"message":"hi"}`, http.StatusNotFound, "User not found"},
		{"bad user id", "/chat/abc", `{"message":"hi"}`, http.StatusBadRequest, "invalid user_id"},
		{"blank message", fmt.Sprintf("/chat/%d", alice.ID), `{"message":"  "}`, http.StatusBadRequest, "message is required"},
		{"missing message", fmt.Sprintf("/chat/%d", alice.ID), `{}`, http.StatusBadRequest, "message is required"},
		{"foreign conversation", fmt.Sprintf("/chat/%d", alice.ID), fmt.Sprintf(`{"message":"hi","conversation_id":%d}`, bobConv.ID), http.StatusNotFound, "Conversation not found"},
		{"missing conversation", fmt.Sprintf("/chat/%d", alice.ID), `{"message":"hi","conversation_id":424242}`, http.StatusNotFound, "Conversation not found"},
		{"string conversation id", fmt.Sprintf("/chat/%d", alice.ID), `{"message":"hi","conversation_id":"7"}`, http.StatusBadRequest, "invalid JSON body"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, gw, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantErr, decodeError(t, rec))
		})
	}

	msgs, err := s.ListMessages(context.Background(), bobConv.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs, "foreign conversation must stay untouched")
}

func TestHandleChat_OversizedMessage(t *testing.T) {
	gw, s := newTestGateway(t, &completion.MockPort{Reply: "x"})
	alice := mustCreateUser(t, s, "alice")

	big := strings.Repeat("a", maxMessageBytes+1)
	rec := doRequest(t, gw, http.MethodPost, fmt.Sprintf("/chat/%d", alice.ID), `{"message":"`+big+`"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "message is too long", decodeError(t, rec))
}

func TestHandleChat_UpstreamFailure(t *testing.T) {
	gw, s := newTestGateway(t, &completion.MockPort{StreamErr: errors.New("rate limited")})
	alice := mustCreateUser(t, s, "alice")

	rec := doRequest(t, gw, http.MethodPost, fmt.Sprintf("/chat/%d", alice.ID), `{"message":"hi"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "Error generating response: rate limited", decodeError(t, rec))

	convs, err := s.ListConversations(context.Background(), alice.ID)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	msgs, err := s.ListMessages(context.Background(), convs[0].ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "user turn persists without an assistant turn")
	assert.Equal(t, store.RoleUser, msgs[0].Role)
}

func TestHandleChat_StoreFailure(t *testing.T) {
	gw, s := newTestGateway(t, &completion.MockPort{Reply: "x"})
	alice := mustCreateUser(t, s, "alice")
	s.FailOn(store.OpAppendMessage, errors.New("disk full"))

	rec := doRequest(t, gw, http.MethodPost, fmt.Sprintf("/chat/%d", alice.ID), `{"message":"hi"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, conversation.MsgProcessing, decodeError(t, rec))
}

func TestHandleChat_IdempotencyKey(t *testing.T) {
	port := &completion.MockPort{Reply: "only once"}
	gw, s := newTestGateway(t, port)
	alice := mustCreateUser(t, s, "alice")
	path := fmt.Sprintf("/chat/%d", alice.ID)

	first := doRequest(t, gw, http.MethodPost, path, `{"message":"hi"}`, IdempotencyHeader, "abc")
	require.Equal(t, http.StatusOK, first.Code)
	assert.Empty(t, first.Header().Get(replayedHeader))

	second := doRequest(t, gw, http.MethodPost, path, `{"message":"hi"}`, IdempotencyHeader, "abc")
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get(replayedHeader))
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	assert.Len(t, port.Calls(), 1, "replay must not call the completion port")

	third := doRequest(t, gw, http.MethodPost, path, `{"message":"hi"}`, IdempotencyHeader, "def")
	require.Equal(t, http.StatusOK, third.Code)
	assert.Len(t, port.Calls(), 2)
}

func TestHandleChat_IdempotencyKeyScopedPerUser(t *testing.T) {
	port := &completion.MockPort{Reply: "r"}
	gw, s := newTestGateway(t, port)
	alice := mustCreateUser(t, s, "alice")
	bob := mustCreateUser(t, s, "bob")

	a := doRequest(t, gw, http.MethodPost, fmt.Sprintf("/chat/%d", alice.ID), `{"message":"hi"}`, IdempotencyHeader, "same")
	b := doRequest(t, gw, http.MethodPost, fmt.Sprintf("/chat/%d", bob.ID), `{"message":"hi"}`, IdempotencyHeader, "same")
	require.Equal(t, http.StatusOK, a.Code)
	require.Equal(t, http.StatusOK, b.Code)
	assert.Empty(t, b.Header().Get(replayedHeader))
	assert.Len(t, port.Calls(), 2)
}

func TestHandleChat_FailedExchangeNotReplayed(t *testing.T) {
	port := &completion.MockPort{StreamErr: errors.New("boom")}
	gw, s := newTestGateway(t, port)
	alice := mustCreateUser(t, s, "alice")
	path := fmt.Sprintf("/chat/%d", alice.ID)

	rec := doRequest(t, gw, http.MethodPost, path, `{"message":"hi"}`, IdempotencyHeader, "k")
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = doRequest(t, gw, http.MethodPost, path, `{"message":"hi"}`, IdempotencyHeader, "k")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Len(t, port.Calls(), 2)
}

// recordingConn is a registry connection that keeps what it was sent.
type recordingConn struct {
	id   string
	mu   sync.Mutex
	msgs []any
}

func (c *recordingConn) ID() string { return c.id }

func (c *recordingConn) Send(ctx context.Context, msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *recordingConn) sent() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.msgs...)
}

func TestHandleChat_FansOutToWebsockets(t *testing.T) {
	gw, s := newTestGateway(t, &completion.MockPort{Reply: "shared"})
	alice := mustCreateUser(t, s, "alice")
	bob := mustCreateUser(t, s, "bob")

	aliceConn := &recordingConn{id: "a1"}
	bobConn := &recordingConn{id: "b1"}
	gw.Registry().Register(alice.ID, aliceConn)
	gw.Registry().Register(bob.ID, bobConn)

	rec := doRequest(t, gw, http.MethodPost, fmt.Sprintf("/chat/%d", alice.ID), `{"message":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp ChatResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))

	sent := aliceConn.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, session.MessageComplete{ConversationID: resp.ConversationID, FullResponse: "shared"}, sent[0])
	assert.Empty(t, bobConn.sent())
}

func TestValidationMessage(t *testing.T) {
	assert.Equal(t, "invalid request", validationMessage(errors.New("other")))

	err := validate.Struct(ChatRequest{})
	assert.Equal(t, "message is required", validationMessage(err))

	err = validate.Struct(CreateUserRequest{Username: "u", Email: "x"})
	assert.Equal(t, "email must be a valid email address", validationMessage(err))
}
