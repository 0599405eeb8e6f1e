// ABOUTME: Store interface and data types for chat-gateway persistence
// ABOUTME: Defines User, Conversation, Message structs and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateEmail is returned when creating a user whose email is already registered
var ErrDuplicateEmail = errors.New("email already registered")

// ErrDuplicateUsername is returned when creating a user whose username is taken
var ErrDuplicateUsername = errors.New("username already registered")

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// User owns connections and conversations. The ID is assigned by the store.
type User struct {
	ID        int64
	Username  string
	Email     string
	CreatedAt time.Time
}

// Conversation is an owned, ordered sequence of messages.
// UserID never changes after creation.
type Conversation struct {
	ID        int64
	UserID    int64
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is one role-tagged turn within a conversation
type Message struct {
	ID             int64
	ConversationID int64
	Role           string // "user" or "assistant"
	Content        string
	CreatedAt      time.Time
}

// Store defines the persistence operations used by the gateway
type Store interface {
	// Users
	CreateUser(ctx context.Context, username, email string) (*User, error)
	GetUser(ctx context.Context, id int64) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)

	// Conversations
	CreateConversation(ctx context.Context, userID int64, title string) (*Conversation, error)
	GetConversation(ctx context.Context, id int64) (*Conversation, error)
	ListConversations(ctx context.Context, userID int64) ([]*Conversation, error)

	// Messages. AppendMessage also bumps the conversation's UpdatedAt.
	// ListMessages returns messages oldest first.
	AppendMessage(ctx context.Context, conversationID int64, role, content string) (*Message, error)
	ListMessages(ctx context.Context, conversationID int64) ([]*Message, error)

	Ping(ctx context.Context) error
	Close() error
}
