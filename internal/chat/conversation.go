// Package chat implements direct and group conversations and the messages exchanged in them.
package chat

import (
	"context"
	"fmt"
	"strings"

	"realtime-chat/internal/storage"

	"go.uber.org/zap"
)

// ConversationService locates and creates chats and mutates group membership
type ConversationService struct {
	logger *zap.SugaredLogger
	store  Store
}

func NewConversationService(logger *zap.SugaredLogger, store Store) *ConversationService {
	return &ConversationService{logger: logger, store: store}
}

// FindOrCreateDirectChat returns the direct chat between userID and peerID, creating it on first use
func (s *ConversationService) FindOrCreateDirectChat(ctx context.Context, userID, peerID string) (storage.Chat, error) {
	if userID == peerID {
		return storage.Chat{}, ErrSelfChat
	}
	return s.store.FindOrCreateDirectChat(ctx, userID, peerID)
}

// CreateGroupChat creates a group of memberIDs plus the creator, who becomes admin.
// memberIDs must name at least 2 distinct users other than the creator.
func (s *ConversationService) CreateGroupChat(ctx context.Context, name string, memberIDs []string, creatorID string) (storage.Chat, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return storage.Chat{}, ErrEmptyName
	}

	seen := map[string]struct{}{creatorID: {}}
	members := make([]string, 0, len(memberIDs)+1)
	for _, id := range memberIDs {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		members = append(members, id)
	}
	if len(members) < 2 {
		return storage.Chat{}, ErrGroupTooSmall
	}
	members = append(members, creatorID)

	c, err := s.store.CreateGroupChat(ctx, name, creatorID, members)
	if err != nil {
		return storage.Chat{}, err
	}

	s.logger.Infof("Group chat %s created by %s with %d members", c.ID, creatorID, len(members))

	return c, nil
}

// Chat returns the chat with provided id
func (s *ConversationService) Chat(ctx context.Context, chatID string) (storage.Chat, error) {
	return s.store.ChatByID(ctx, chatID)
}

// ListChats returns user's chats, most recently active first
func (s *ConversationService) ListChats(ctx context.Context, userID string) ([]storage.Chat, error) {
	return s.store.ChatsByUserID(ctx, userID)
}

// AddMember adds userID to the group and records a system message even when userID is already a member.
// On failure no message is produced.
func (s *ConversationService) AddMember(ctx context.Context, chatID, userID string) (storage.Chat, *storage.Message, error) {
	if err := s.requireGroup(ctx, chatID); err != nil {
		return storage.Chat{}, nil, err
	}

	u, err := s.store.UserByID(ctx, userID)
	if err != nil {
		return storage.Chat{}, nil, err
	}

	if err := s.store.AddChatMember(ctx, chatID, userID); err != nil {
		return storage.Chat{}, nil, err
	}

	return s.announce(ctx, chatID, fmt.Sprintf("%s has joined the group", u.Name))
}

// RemoveMember removes userID from the group and records a system message.
// Callers decide who may remove whom, see CanRemove.
func (s *ConversationService) RemoveMember(ctx context.Context, chatID, userID string) (storage.Chat, *storage.Message, error) {
	if err := s.requireGroup(ctx, chatID); err != nil {
		return storage.Chat{}, nil, err
	}

	u, err := s.store.UserByID(ctx, userID)
	if err != nil {
		return storage.Chat{}, nil, err
	}

	if err := s.store.RemoveChatMember(ctx, chatID, userID); err != nil {
		return storage.Chat{}, nil, err
	}

	return s.announce(ctx, chatID, fmt.Sprintf("%s has left the group", u.Name))
}

func (s *ConversationService) requireGroup(ctx context.Context, chatID string) error {
	c, err := s.store.ChatByID(ctx, chatID)
	if err != nil {
		return err
	}
	if !c.IsGroup {
		return ErrNotGroupChat
	}
	return nil
}

// announce stores a system message and returns the chat as it is after the message
func (s *ConversationService) announce(ctx context.Context, chatID, text string) (storage.Chat, *storage.Message, error) {
	m, err := s.store.CreateMessage(ctx, storage.NewMessage{ChatID: chatID, Content: text})
	if err != nil {
		return storage.Chat{}, nil, fmt.Errorf("creating system message: %w", err)
	}

	s.logger.Debugf("Chat %s: %s", chatID, text)

	c := *m.Chat
	latest := m
	latest.Chat = nil
	c.LatestMessage = &latest

	return c, &m, nil
}

// CanAdd reports whether actorID may add members to c
func CanAdd(c storage.Chat, actorID string) error {
	if !c.IsGroup {
		return ErrNotGroupChat
	}
	if c.Admin == nil || c.Admin.ID != actorID {
		return ErrNotAdmin
	}
	return nil
}

// CanRemove reports whether actorID may remove targetID from c.
// The admin may remove anyone, any member may remove themselves.
func CanRemove(c storage.Chat, actorID, targetID string) error {
	if !c.IsGroup {
		return ErrNotGroupChat
	}
	if actorID == targetID && c.HasMember(actorID) {
		return nil
	}
	if c.Admin == nil || c.Admin.ID != actorID {
		return ErrNotAdmin
	}
	return nil
}
