package chat

import (
	"context"
	"errors"
	"strings"

	"realtime-chat/internal/storage"

	"go.uber.org/zap"
)

// MessageService persists messages sent by chat members
type MessageService struct {
	logger *zap.SugaredLogger
	store  Store
}

func NewMessageService(logger *zap.SugaredLogger, store Store) *MessageService {
	return &MessageService{logger: logger, store: store}
}

// Outgoing is a message as submitted by its sender
type Outgoing struct {
	ChatID   string
	Content  string
	IsAudio  bool
	Duration string
}

// Send stores the message of senderID. Membership is checked inside the same write that
// stores the message and moves the chat's latest message pointer.
func (s *MessageService) Send(ctx context.Context, senderID string, out Outgoing) (storage.Message, error) {
	if strings.TrimSpace(out.Content) == "" {
		return storage.Message{}, ErrEmptyMessage
	}

	m, err := s.store.CreateMessage(ctx, storage.NewMessage{
		ChatID:   out.ChatID,
		SenderID: senderID,
		Content:  out.Content,
		IsAudio:  out.IsAudio,
		Duration: out.Duration,
	})
	if err != nil {
		if errors.Is(err, storage.ErrUserNotChatMember) {
			return storage.Message{}, ErrNotMember
		}
		return storage.Message{}, err
	}

	s.logger.Debugf("Message %s sent to chat %s (audio: %t)", m.ID, m.ChatID, m.IsAudio)

	return m, nil
}

// History returns chat messages from earliest to latest, readerID must be a current member
func (s *MessageService) History(ctx context.Context, readerID, chatID string) ([]storage.Message, error) {
	c, err := s.store.ChatByID(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !c.HasMember(readerID) {
		return nil, ErrNotMember
	}

	return s.store.MessagesByChatID(ctx, chatID)
}
