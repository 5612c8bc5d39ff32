// Package memstore keeps users, chats and messages in process memory with the same
// semantics as the PostgreSQL store. A single mutex serializes every mutation.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"realtime-chat/internal/storage"

	"github.com/rs/xid"
)

type chatRecord struct {
	id        string
	name      string
	isGroup   bool
	adminID   string
	members   []string
	latestID  string
	createdAt time.Time
	updatedAt time.Time
}

type messageRecord struct {
	id        string
	chatID    string
	senderID  string
	content   string
	isAudio   bool
	duration  string
	createdAt time.Time
}

// Store is an in-memory persistence gateway
type Store struct {
	mu       sync.Mutex
	users    map[string]storage.User
	emails   map[string]string
	chats    map[string]*chatRecord
	direct   map[string]string
	messages map[string][]messageRecord
	last     time.Time
}

// New returns an empty Store
func New() *Store {
	return &Store{
		users:    make(map[string]storage.User),
		emails:   make(map[string]string),
		chats:    make(map[string]*chatRecord),
		direct:   make(map[string]string),
		messages: make(map[string][]messageRecord),
	}
}

// clock returns strictly increasing timestamps so ordering by time is total
func (s *Store) clock() time.Time {
	now := time.Now().UTC()
	if !now.After(s.last) {
		now = s.last.Add(time.Microsecond)
	}
	s.last = now
	return now
}

// Close is a no-op kept for parity with the PostgreSQL store
func (s *Store) Close() {}

// CreateUser creates user and returns it
func (s *Store) CreateUser(_ context.Context, nu storage.NewUser) (storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.emails[nu.Email]; ok {
		return storage.User{}, storage.ErrUserExists
	}

	now := s.clock()
	u := storage.User{
		ID:             xid.New().String(),
		Name:           nu.Name,
		Email:          nu.Email,
		PasswordHash:   nu.PasswordHash,
		ProfilePicture: nu.ProfilePicture,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.users[u.ID] = u
	s.emails[u.Email] = u.ID

	return u, nil
}

// UserByID returns user with provided id
func (s *Store) UserByID(_ context.Context, id string) (storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return storage.User{}, storage.ErrUserNotExist
	}
	return u, nil
}

// UserByEmail returns user registered with provided email
func (s *Store) UserByEmail(_ context.Context, email string) (storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.emails[email]
	if !ok {
		return storage.User{}, storage.ErrUserNotExist
	}
	return s.users[id], nil
}

// SearchUsers returns users whose name or email contains query (case-insensitive), except excludeID
func (s *Store) SearchUsers(_ context.Context, query, excludeID string) ([]storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := strings.ToLower(query)
	users := make([]storage.User, 0)
	for _, u := range s.users {
		if u.ID == excludeID {
			continue
		}
		if strings.Contains(strings.ToLower(u.Name), q) || strings.Contains(strings.ToLower(u.Email), q) {
			users = append(users, u)
		}
	}

	sort.Slice(users, func(i, j int) bool {
		if users[i].Name != users[j].Name {
			return users[i].Name < users[j].Name
		}
		return users[i].ID < users[j].ID
	})
	if len(users) > 50 {
		users = users[:50]
	}

	return users, nil
}

// UpdateProfilePicture replaces user's profile picture and returns the updated user
func (s *Store) UpdateProfilePicture(_ context.Context, id, picture string) (storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return storage.User{}, storage.ErrUserNotExist
	}
	u.ProfilePicture = picture
	u.UpdatedAt = s.clock()
	s.users[id] = u

	return u, nil
}

func (s *Store) userPtr(id string) *storage.User {
	u, ok := s.users[id]
	if !ok {
		return nil
	}
	return &u
}

func (s *Store) message(rec messageRecord) storage.Message {
	m := storage.Message{
		ID:        rec.id,
		ChatID:    rec.chatID,
		Content:   rec.content,
		IsAudio:   rec.isAudio,
		Duration:  rec.duration,
		CreatedAt: rec.createdAt,
	}
	if rec.senderID != "" {
		m.Sender = s.userPtr(rec.senderID)
	}
	return m
}

func (s *Store) populate(c *chatRecord) storage.Chat {
	chat := storage.Chat{
		ID:        c.id,
		Name:      c.name,
		IsGroup:   c.isGroup,
		Members:   make([]storage.User, 0, len(c.members)),
		CreatedAt: c.createdAt,
		UpdatedAt: c.updatedAt,
	}
	for _, id := range c.members {
		if u, ok := s.users[id]; ok {
			chat.Members = append(chat.Members, u)
		}
	}
	if c.adminID != "" {
		chat.Admin = s.userPtr(c.adminID)
	}
	if c.latestID != "" {
		for _, rec := range s.messages[c.id] {
			if rec.id == c.latestID {
				m := s.message(rec)
				chat.LatestMessage = &m
				break
			}
		}
	}
	return chat
}

// ChatByID returns populated chat with provided id
func (s *Store) ChatByID(_ context.Context, id string) (storage.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[id]
	if !ok {
		return storage.Chat{}, storage.ErrChatNotExist
	}
	return s.populate(c), nil
}

// ChatsByUserID returns all chats of the user, most recently updated first
func (s *Store) ChatsByUserID(_ context.Context, userID string) ([]storage.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; !ok {
		return nil, storage.ErrUserNotExist
	}

	chats := make([]storage.Chat, 0)
	for _, c := range s.chats {
		if contains(c.members, userID) {
			chats = append(chats, s.populate(c))
		}
	}

	sort.Slice(chats, func(i, j int) bool {
		if !chats[i].UpdatedAt.Equal(chats[j].UpdatedAt) {
			return chats[i].UpdatedAt.After(chats[j].UpdatedAt)
		}
		return chats[i].ID < chats[j].ID
	})

	return chats, nil
}

// FindOrCreateDirectChat returns the direct chat of the pair, creating it when missing
func (s *Store) FindOrCreateDirectChat(_ context.Context, a, b string) (storage.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := storage.DirectKey(a, b)
	if id, ok := s.direct[key]; ok {
		return s.populate(s.chats[id]), nil
	}

	for _, id := range []string{a, b} {
		if _, ok := s.users[id]; !ok {
			return storage.Chat{}, storage.ErrUserNotExist
		}
	}

	now := s.clock()
	c := &chatRecord{
		id:        xid.New().String(),
		members:   []string{a, b},
		createdAt: now,
		updatedAt: now,
	}
	s.chats[c.id] = c
	s.direct[key] = c.id

	return s.populate(c), nil
}

// CreateGroupChat creates group chat with provided members and admin
func (s *Store) CreateGroupChat(_ context.Context, name, adminID string, memberIDs []string) (storage.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range append([]string{adminID}, memberIDs...) {
		if _, ok := s.users[id]; !ok {
			return storage.Chat{}, storage.ErrUserNotExist
		}
	}

	now := s.clock()
	c := &chatRecord{
		id:        xid.New().String(),
		name:      name,
		isGroup:   true,
		adminID:   adminID,
		members:   append([]string(nil), memberIDs...),
		createdAt: now,
		updatedAt: now,
	}
	s.chats[c.id] = c

	return s.populate(c), nil
}

// AddChatMember adds user to chat members, adding an existing member is a no-op
func (s *Store) AddChatMember(_ context.Context, chatID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		return storage.ErrChatNotExist
	}
	if _, ok := s.users[userID]; !ok {
		return storage.ErrUserNotExist
	}

	if !contains(c.members, userID) {
		c.members = append(c.members, userID)
	}
	c.updatedAt = s.clock()

	return nil
}

// RemoveChatMember removes user from chat members. When the admin is removed the longest-standing
// remaining member becomes admin, an emptied chat is left without admin.
func (s *Store) RemoveChatMember(_ context.Context, chatID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		return storage.ErrChatNotExist
	}

	members := c.members[:0]
	for _, id := range c.members {
		if id != userID {
			members = append(members, id)
		}
	}
	c.members = members

	if c.adminID == userID {
		c.adminID = ""
		if len(c.members) > 0 {
			c.adminID = c.members[0]
		}
	}
	c.updatedAt = s.clock()

	return nil
}

// CreateMessage stores the message and moves the chat's latest message pointer atomically
func (s *Store) CreateMessage(_ context.Context, nm storage.NewMessage) (storage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[nm.ChatID]
	if !ok {
		return storage.Message{}, storage.ErrChatNotExist
	}
	if nm.SenderID != "" && !contains(c.members, nm.SenderID) {
		return storage.Message{}, storage.ErrUserNotChatMember
	}

	rec := messageRecord{
		id:        xid.New().String(),
		chatID:    nm.ChatID,
		senderID:  nm.SenderID,
		content:   nm.Content,
		isAudio:   nm.IsAudio,
		duration:  nm.Duration,
		createdAt: s.clock(),
	}
	s.messages[c.id] = append(s.messages[c.id], rec)
	c.latestID = rec.id
	c.updatedAt = rec.createdAt

	m := s.message(rec)
	chat := s.populate(c)
	chat.LatestMessage = nil
	m.Chat = &chat

	return m, nil
}

// MessagesByChatID returns list of all chat messages sorted by creation time (from earliest to latest)
func (s *Store) MessagesByChatID(_ context.Context, chatID string) ([]storage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[chatID]; !ok {
		return nil, storage.ErrChatNotExist
	}

	recs := s.messages[chatID]
	messages := make([]storage.Message, 0, len(recs))
	for _, rec := range recs {
		messages = append(messages, s.message(rec))
	}

	return messages, nil
}

// MessageCount returns number of stored messages in the chat
func (s *Store) MessageCount(chatID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages[chatID])
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
