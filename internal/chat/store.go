package chat

import (
	"context"

	"realtime-chat/internal/storage"
)

// Store is the persistence surface used by the chat services
type Store interface {
	UserByID(ctx context.Context, id string) (storage.User, error)

	ChatByID(ctx context.Context, id string) (storage.Chat, error)
	ChatsByUserID(ctx context.Context, userID string) ([]storage.Chat, error)
	FindOrCreateDirectChat(ctx context.Context, a, b string) (storage.Chat, error)
	CreateGroupChat(ctx context.Context, name, adminID string, memberIDs []string) (storage.Chat, error)
	AddChatMember(ctx context.Context, chatID, userID string) error
	RemoveChatMember(ctx context.Context, chatID, userID string) error

	CreateMessage(ctx context.Context, nm storage.NewMessage) (storage.Message, error)
	MessagesByChatID(ctx context.Context, chatID string) ([]storage.Message, error)
}
