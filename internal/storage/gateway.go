package storage

import "context"

// Gateway is the full persistence surface implemented by Store and memstore.Store
type Gateway interface {
	CreateUser(ctx context.Context, nu NewUser) (User, error)
	UserByID(ctx context.Context, id string) (User, error)
	UserByEmail(ctx context.Context, email string) (User, error)
	SearchUsers(ctx context.Context, query, excludeID string) ([]User, error)
	UpdateProfilePicture(ctx context.Context, id, picture string) (User, error)

	ChatByID(ctx context.Context, id string) (Chat, error)
	ChatsByUserID(ctx context.Context, userID string) ([]Chat, error)
	FindOrCreateDirectChat(ctx context.Context, a, b string) (Chat, error)
	CreateGroupChat(ctx context.Context, name, adminID string, memberIDs []string) (Chat, error)
	AddChatMember(ctx context.Context, chatID, userID string) error
	RemoveChatMember(ctx context.Context, chatID, userID string) error

	CreateMessage(ctx context.Context, nm NewMessage) (Message, error)
	MessagesByChatID(ctx context.Context, chatID string) ([]Message, error)

	Close()
}

var _ Gateway = (*Store)(nil)
