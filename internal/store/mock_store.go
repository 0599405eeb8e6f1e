// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject per-operation failures

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Operation names accepted by MockStore.FailOn
const (
	OpCreateUser         = "CreateUser"
	OpGetUser            = "GetUser"
	OpCreateConversation = "CreateConversation"
	OpGetConversation    = "GetConversation"
	OpAppendMessage      = "AppendMessage"
	OpListMessages       = "ListMessages"
	OpPing               = "Ping"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	nextID        int64
	users         map[int64]*User
	conversations map[int64]*Conversation
	messages      map[int64][]*Message // keyed by conversation ID
	failures      map[string]error     // keyed by operation name
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		users:         make(map[int64]*User),
		conversations: make(map[int64]*Conversation),
		messages:      make(map[int64][]*Message),
		failures:      make(map[string]error),
	}
}

// FailOn makes every later call of the named operation return err.
// Passing a nil error clears the failure.
func (m *MockStore) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// failureLocked must be called with mu held.
func (m *MockStore) failureLocked(op string) error {
	return m.failures[op]
}

func (m *MockStore) id() int64 {
	m.nextID++
	return m.nextID
}

// CreateUser stores a new user, enforcing unique username and email.
func (m *MockStore) CreateUser(ctx context.Context, username, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failureLocked(OpCreateUser); err != nil {
		return nil, err
	}

	for _, u := range m.users {
		if u.Email == email {
			return nil, ErrDuplicateEmail
		}
		if u.Username == username {
			return nil, ErrDuplicateUsername
		}
	}

	u := &User{ID: m.id(), Username: username, Email: email, CreatedAt: time.Now().UTC()}
	m.users[u.ID] = u

	cp := *u
	return &cp, nil
}

// GetUser retrieves a user by ID.
func (m *MockStore) GetUser(ctx context.Context, id int64) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.failureLocked(OpGetUser); err != nil {
		return nil, err
	}

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// GetUserByUsername retrieves a user by username.
func (m *MockStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, u := range m.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, userID int64, title string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failureLocked(OpCreateConversation); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	c := &Conversation{ID: m.id(), UserID: userID, Title: title, CreatedAt: now, UpdatedAt: now}
	m.conversations[c.ID] = c

	cp := *c
	return &cp, nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.failureLocked(OpGetConversation); err != nil {
		return nil, err
	}

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// ListConversations returns a user's conversations, most recently updated first.
func (m *MockStore) ListConversations(ctx context.Context, userID int64) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Conversation
	for _, c := range m.conversations {
		if c.UserID == userID {
			cp := *c
			out = append(out, &cp)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// AppendMessage stores a message and bumps the conversation's UpdatedAt.
func (m *MockStore) AppendMessage(ctx context.Context, conversationID int64, role, content string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failureLocked(OpAppendMessage); err != nil {
		return nil, err
	}

	c, ok := m.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}

	now := time.Now().UTC()
	c.UpdatedAt = now

	msg := &Message{
		ID:             m.id(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      now,
	}
	m.messages[conversationID] = append(m.messages[conversationID], msg)

	cp := *msg
	return &cp, nil
}

// ListMessages returns a conversation's messages in insertion order.
func (m *MockStore) ListMessages(ctx context.Context, conversationID int64) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.failureLocked(OpListMessages); err != nil {
		return nil, err
	}

	msgs := m.messages[conversationID]
	out := make([]*Message, len(msgs))
	for i, msg := range msgs {
		cp := *msg
		out[i] = &cp
	}
	return out, nil
}

// Ping succeeds unless a failure is injected.
func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failureLocked(OpPing)
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

// Compile-time check that MockStore implements Store
var _ Store = (*MockStore)(nil)
