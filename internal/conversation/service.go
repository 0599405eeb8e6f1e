// ABOUTME: Conversation service shared by every chat surface
// ABOUTME: Resolves ownership, persists turns in order, and drives the completion port

package conversation

import (
	"context"
	"errors"
	"log/slog"
	"unicode/utf8"

	"github.com/2389/chat-gateway/internal/completion"
	"github.com/2389/chat-gateway/internal/store"
)

const (
	// titleRunes is how much of the first message becomes a new conversation's title.
	titleRunes = 15

	// DefaultTitle is used when a surface creates a conversation without text to derive one from.
	DefaultTitle = "New Chat"
)

// ConversationStore defines what the service needs from storage
type ConversationStore interface {
	CreateConversation(ctx context.Context, userID int64, title string) (*store.Conversation, error)
	GetConversation(ctx context.Context, id int64) (*store.Conversation, error)
	AppendMessage(ctx context.Context, conversationID int64, role, content string) (*store.Message, error)
	ListMessages(ctx context.Context, conversationID int64) ([]*store.Message, error)
}

// Service implements the ordered exchange: the user turn is durable before
// the completion request is issued, and the assistant turn is durable only
// once the full reply exists.
type Service struct {
	store      ConversationStore
	completion completion.Port
	logger     *slog.Logger
}

// New creates a conversation service
func New(s ConversationStore, port completion.Port, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      s,
		completion: port,
		logger:     logger.With("component", "conversation"),
	}
}

// TitleFrom derives a conversation title from the first 15 runes of the
// first message, untrimmed.
func TitleFrom(text string) string {
	if utf8.RuneCountInString(text) <= titleRunes {
		return text
	}
	return string([]rune(text)[:titleRunes])
}

// Resolve returns the conversation addressed by id when it belongs to userID.
// With a nil id a new conversation titled title is created and created is true.
// A missing or foreign conversation yields ErrAccessDenied.
func (s *Service) Resolve(ctx context.Context, userID int64, id *int64, title string) (conv *store.Conversation, created bool, err error) {
	if id != nil {
		conv, err = s.store.GetConversation(ctx, *id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, ErrAccessDenied
		}
		if err != nil {
			return nil, false, persistErr("get conversation", err)
		}
		if conv.UserID != userID {
			s.logger.Warn("conversation ownership mismatch", "conversation_id", *id, "user_id", userID)
			return nil, false, ErrAccessDenied
		}
		return conv, false, nil
	}

	conv, err = s.store.CreateConversation(ctx, userID, title)
	if err != nil {
		return nil, false, persistErr("create conversation", err)
	}
	s.logger.Info("conversation created", "conversation_id", conv.ID, "user_id", userID)
	return conv, true, nil
}

// RecordUserTurn persists the inbound text as a user turn.
func (s *Service) RecordUserTurn(ctx context.Context, conversationID int64, text string) (*store.Message, error) {
	msg, err := s.store.AppendMessage(ctx, conversationID, store.RoleUser, text)
	if err != nil {
		return nil, persistErr("save user message", err)
	}
	return msg, nil
}

// RecordAssistantTurn persists a complete assistant reply.
func (s *Service) RecordAssistantTurn(ctx context.Context, conversationID int64, text string) (*store.Message, error) {
	msg, err := s.store.AppendMessage(ctx, conversationID, store.RoleAssistant, text)
	if err != nil {
		return nil, persistErr("save assistant message", err)
	}
	return msg, nil
}

// History returns the conversation's turns oldest first.
func (s *Service) History(ctx context.Context, conversationID int64) ([]completion.Turn, error) {
	msgs, err := s.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, persistErr("load history", err)
	}

	turns := make([]completion.Turn, len(msgs))
	for i, m := range msgs {
		turns[i] = completion.Turn{Role: m.Role, Content: m.Content}
	}
	return turns, nil
}

// StreamReply streams a reply for history through Relay.
func (s *Service) StreamReply(ctx context.Context, history []completion.Turn, onChunk ChunkFunc) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := s.completion.Stream(ctx, history)
	if err != nil {
		if !completion.IsUpstreamError(err) {
			err = &completion.UpstreamError{Provider: "completion", Op: "stream", Err: err}
		}
		return "", err
	}
	return Relay(ctx, events, onChunk)
}

// CompleteReply requests a reply in one call.
func (s *Service) CompleteReply(ctx context.Context, history []completion.Turn) (string, error) {
	reply, err := s.completion.Complete(ctx, history)
	if err != nil {
		if !completion.IsUpstreamError(err) {
			err = &completion.UpstreamError{Provider: "completion", Op: "complete", Err: err}
		}
		return "", err
	}
	return reply, nil
}

// Exchange runs one non-streaming exchange end to end and returns the
// conversation and the persisted reply.
func (s *Service) Exchange(ctx context.Context, userID int64, id *int64, text string) (*store.Conversation, string, error) {
	conv, _, err := s.Resolve(ctx, userID, id, DefaultTitle)
	if err != nil {
		return nil, "", err
	}
	if _, err := s.RecordUserTurn(ctx, conv.ID, text); err != nil {
		return conv, "", err
	}

	history, err := s.History(ctx, conv.ID)
	if err != nil {
		return conv, "", err
	}

	reply, err := s.CompleteReply(ctx, history)
	if err != nil {
		return conv, "", err
	}

	if _, err := s.RecordAssistantTurn(ctx, conv.ID, reply); err != nil {
		return conv, "", err
	}
	return conv, reply, nil
}
