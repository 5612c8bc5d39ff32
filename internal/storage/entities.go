package storage

import "time"

// User is a registered account. PasswordHash never leaves the server.
type User struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Email          string    `json:"email"`
	PasswordHash   string    `json:"-"`
	ProfilePicture string    `json:"profilePicture,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Chat is a conversation with its members populated. Members keep join order.
type Chat struct {
	ID            string    `json:"id"`
	Name          string    `json:"chatName"`
	IsGroup       bool      `json:"isGroupChat"`
	Members       []User    `json:"users"`
	Admin         *User     `json:"groupAdmin,omitempty"`
	LatestMessage *Message  `json:"latestMessage,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Message is a chat message. A nil Sender marks a system message.
// Chat is populated only where the message is returned from a send, without its LatestMessage.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	Chat      *Chat     `json:"chat,omitempty"`
	Sender    *User     `json:"sender"`
	Content   string    `json:"content"`
	IsAudio   bool      `json:"isAudio"`
	Duration  string    `json:"duration,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewUser holds the fields required to create a user.
type NewUser struct {
	Name           string
	Email          string
	PasswordHash   string
	ProfilePicture string
}

// NewMessage holds the fields required to create a message.
// An empty SenderID creates a system message and skips the membership check.
type NewMessage struct {
	ChatID   string
	SenderID string
	Content  string
	IsAudio  bool
	Duration string
}

// MemberIDs returns ids of chat members in join order.
func (c Chat) MemberIDs() []string {
	ids := make([]string, 0, len(c.Members))
	for _, m := range c.Members {
		ids = append(ids, m.ID)
	}
	return ids
}

// HasMember reports whether userID is a current member.
func (c Chat) HasMember(userID string) bool {
	for _, m := range c.Members {
		if m.ID == userID {
			return true
		}
	}
	return false
}

// IsSystem reports whether the message was generated by the server.
func (m Message) IsSystem() bool {
	return m.Sender == nil
}

// DirectKey returns the normalized key identifying the direct chat of a user pair.
func DirectKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}
