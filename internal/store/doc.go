// Package store provides persistence for chat-gateway.
//
// # Overview
//
// The store persists three entities:
//
//   - User: the identity that owns connections and conversations
//   - Conversation: an owned, titled sequence of messages
//   - Message: one "user" or "assistant" turn
//
// # Implementations
//
// SQLiteStore is the production implementation built on modernc.org/sqlite
// (pure Go, no cgo). It enables WAL mode and foreign keys, creates its schema
// on open, and applies idempotent column migrations.
//
// MockStore is an in-memory implementation for tests. FailOn injects an
// error into a named operation so callers can exercise persistence failures.
//
// # Ordering
//
// Messages are listed oldest first (created_at, then id). AppendMessage
// inserts the message and bumps the owning conversation's updated_at in one
// transaction, so ListConversations (newest updated_at first) reflects the
// most recent activity.
//
// # Errors
//
//	ErrNotFound           requested user/conversation does not exist
//	ErrDuplicateEmail     CreateUser with an email already registered
//	ErrDuplicateUsername  CreateUser with a username already taken
//
// Other errors are wrapped driver errors.
//
// # Usage
//
//	s, err := store.NewSQLiteStore("/var/lib/chat-gateway/chat.db")
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	conv, err := s.CreateConversation(ctx, userID, "New Chat")
//	msg, err := s.AppendMessage(ctx, conv.ID, store.RoleUser, "hello")
package store
