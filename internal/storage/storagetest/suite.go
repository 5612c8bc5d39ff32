// Package storagetest holds behaviour tests shared by every storage.Gateway implementation.
package storagetest

import (
	"context"
	"sync"
	"testing"

	"realtime-chat/internal/storage"
	mytesting "realtime-chat/internal/testing"

	"github.com/stretchr/testify/require"
)

// Run executes the suite against gateways built by newGateway
func Run(t *testing.T, newGateway func(t *testing.T) storage.Gateway) {
	tests := map[string]func(t *testing.T, g storage.Gateway){
		"CreateUser":                  testCreateUser,
		"CreateUserExists":            testCreateUserExists,
		"SearchUsers":                 testSearchUsers,
		"UpdateProfilePicture":        testUpdateProfilePicture,
		"DirectChatIdempotent":        testDirectChatIdempotent,
		"DirectChatConcurrent":        testDirectChatConcurrent,
		"DirectChatUnknownUser":       testDirectChatUnknownUser,
		"GroupChat":                   testGroupChat,
		"AddChatMemberIdempotent":     testAddChatMemberIdempotent,
		"RemoveChatMemberReassigns":   testRemoveChatMemberReassigns,
		"ChatNotExist":                testChatNotExist,
		"CreateMessage":               testCreateMessage,
		"CreateMessageNotMember":      testCreateMessageNotMember,
		"SystemMessage":               testSystemMessage,
		"ChatsOrderedByLatestMessage": testChatsOrderedByLatestMessage,
	}

	for name, test := range tests {
		test := test
		t.Run(name, func(t *testing.T) {
			g := newGateway(t)
			test(t, g)
		})
	}
}

// CreateUsers creates n users with random names and emails
func CreateUsers(t *testing.T, g storage.Gateway, n int) []storage.User {
	t.Helper()

	users := make([]storage.User, 0, n)
	for i := 0; i < n; i++ {
		u, err := g.CreateUser(context.Background(), storage.NewUser{
			Name:         mytesting.RandString(),
			Email:        mytesting.RandEmail(),
			PasswordHash: "hash",
		})
		require.NoError(t, err)
		users = append(users, u)
	}
	return users
}

func ids(users []storage.User) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		out = append(out, u.ID)
	}
	return out
}

func testCreateUser(t *testing.T, g storage.Gateway) {
	ctx := context.Background()
	email := mytesting.RandEmail()

	u, err := g.CreateUser(ctx, storage.NewUser{Name: "Alice", Email: email, PasswordHash: "hash"})
	require.NoError(t, err)
	require.NotEmpty(t, u.ID)

	byID, err := g.UserByID(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, email, byID.Email)
	require.Equal(t, "hash", byID.PasswordHash)

	byEmail, err := g.UserByEmail(ctx, email)
	require.NoError(t, err)
	require.Equal(t, u.ID, byEmail.ID)

	_, err = g.UserByID(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrUserNotExist)
}

func testCreateUserExists(t *testing.T, g storage.Gateway) {
	ctx := context.Background()
	email := mytesting.RandEmail()

	_, err := g.CreateUser(ctx, storage.NewUser{Name: "a", Email: email, PasswordHash: "h"})
	require.NoError(t, err)
	_, err = g.CreateUser(ctx, storage.NewUser{Name: "b", Email: email, PasswordHash: "h"})
	require.ErrorIs(t, err, storage.ErrUserExists)
}

func testSearchUsers(t *testing.T, g storage.Gateway) {
	ctx := context.Background()
	marker := mytesting.RandString()

	self, err := g.CreateUser(ctx, storage.NewUser{Name: marker + " self", Email: mytesting.RandEmail(), PasswordHash: "h"})
	require.NoError(t, err)
	other, err := g.CreateUser(ctx, storage.NewUser{Name: "Other " + marker, Email: mytesting.RandEmail(), PasswordHash: "h"})
	require.NoError(t, err)

	found, err := g.SearchUsers(ctx, marker, self.ID)
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, other.ID, found[0].ID)
}

func testUpdateProfilePicture(t *testing.T, g storage.Gateway) {
	ctx := context.Background()
	u := CreateUsers(t, g, 1)[0]

	updated, err := g.UpdateProfilePicture(ctx, u.ID, "https://example.com/a.png")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/a.png", updated.ProfilePicture)

	_, err = g.UpdateProfilePicture(ctx, "missing", "x")
	require.ErrorIs(t, err, storage.ErrUserNotExist)
}

func testDirectChatIdempotent(t *testing.T, g storage.Gateway) {
	ctx := context.Background()
	users := CreateUsers(t, g, 2)
	pair := ids(users)

	first, err := g.FindOrCreateDirectChat(ctx, pair[0], pair[1])
	require.NoError(t, err)
	require.False(t, first.IsGroup)
	require.ElementsMatch(t, pair, first.MemberIDs())
	require.Nil(t, first.Admin)

	reversed := mytesting.ReverseIDs(pair)
	second, err := g.FindOrCreateDirectChat(ctx, reversed[0], reversed[1])
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	chats, err := g.ChatsByUserID(ctx, pair[0])
	require.NoError(t, err)
	require.Len(t, chats, 1)
}

func testDirectChatConcurrent(t *testing.T, g storage.Gateway) {
	ctx := context.Background()
	users := CreateUsers(t, g, 2)

	const n = 8
	results := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := users[0].ID, users[1].ID
			if i%2 == 1 {
				a, b = b, a
			}
			c, err := g.FindOrCreateDirectChat(ctx, a, b)
			if err == nil {
				results[i] = c.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range results {
		require.NotEmpty(t, id)
		require.Equal(t, results[0], id)
	}
}

func testDirectChatUnknownUser(t *testing.T, g storage.Gateway) {
	u := CreateUsers(t, g, 1)[0]
	_, err := g.FindOrCreateDirectChat(context.Background(), u.ID, "missing")
	require.ErrorIs(t, err, storage.ErrUserNotExist)
}

func testGroupChat(t *testing.T, g storage.Gateway) {
	ctx := context.Background()
	users := CreateUsers(t, g, 3)

	c, err := g.CreateGroupChat(ctx, "Friends", users[0].ID, ids(users))
	require.NoError(t, err)
	require.True(t, c.IsGroup)
	require.Equal(t, "Friends", c.Name)
	require.Equal(t, ids(users), c.MemberIDs())
	require.NotNil(t, c.Admin)
	require.Equal(t, users[0].ID, c.Admin.ID)

	_, err = g.CreateGroupChat(ctx, "Bad", users[0].ID, []string{users[0].ID, "missing"})
	require.ErrorIs(t, err, storage.ErrUserNotExist)
}

func testAddChatMemberIdempotent(t *testing.T, g storage.Gateway) {
	ctx := context.Background()
	users := CreateUsers(t, g, 4)

	c, err := g.CreateGroupChat(ctx, "G", users[0].ID, ids(users[:3]))
	require.NoError(t, err)

	require.NoError(t, g.AddChatMember(ctx, c.ID, users[3].ID))
	require.NoError(t, g.AddChatMember(ctx, c.ID, users[3].ID))

	c, err = g.ChatByID(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, ids(users), c.MemberIDs())

	require.ErrorIs(t, g.AddChatMember(ctx, "missing", users[3].ID), storage.ErrChatNotExist)
	require.ErrorIs(t, g.AddChatMember(ctx, c.ID, "missing"), storage.ErrUserNotExist)
}

func testRemoveChatMemberReassigns(t *testing.T, g storage.Gateway) {
	ctx := context.Background()
	users := CreateUsers(t, g, 3)

	c, err := g.CreateGroupChat(ctx, "G", users[0].ID, ids(users))
	require.NoError(t, err)

	// non-admin removal keeps admin
	require.NoError(t, g.RemoveChatMember(ctx, c.ID, users[2].ID))
	c, err = g.ChatByID(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, ids(users[:2]), c.MemberIDs())
	require.Equal(t, users[0].ID, c.Admin.ID)

	// admin removal passes admin to the longest-standing member
	require.NoError(t, g.RemoveChatMember(ctx, c.ID, users[0].ID))
	c, err = g.ChatByID(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, []string{users[1].ID}, c.MemberIDs())
	require.Equal(t, users[1].ID, c.Admin.ID)

	require.NoError(t, g.RemoveChatMember(ctx, c.ID, users[1].ID))
	c, err = g.ChatByID(ctx, c.ID)
	require.NoError(t, err)
	require.Empty(t, c.Members)
	require.Nil(t, c.Admin)

	require.ErrorIs(t, g.RemoveChatMember(ctx, "missing", users[1].ID), storage.ErrChatNotExist)
}

func testChatNotExist(t *testing.T, g storage.Gateway) {
	ctx := context.Background()

	_, err := g.ChatByID(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrChatNotExist)

	_, err = g.MessagesByChatID(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrChatNotExist)

	_, err = g.CreateMessage(ctx, storage.NewMessage{ChatID: "missing", Content: "x"})
	require.ErrorIs(t, err, storage.ErrChatNotExist)
}

func testCreateMessage(t *testing.T, g storage.Gateway) {
	ctx := context.Background()
	users := CreateUsers(t, g, 2)

	c, err := g.FindOrCreateDirectChat(ctx, users[0].ID, users[1].ID)
	require.NoError(t, err)

	m, err := g.CreateMessage(ctx, storage.NewMessage{ChatID: c.ID, SenderID: users[0].ID, Content: "hello"})
	require.NoError(t, err)
	require.Equal(t, "hello", m.Content)
	require.NotNil(t, m.Sender)
	require.Equal(t, users[0].ID, m.Sender.ID)
	require.NotNil(t, m.Chat)
	require.ElementsMatch(t, ids(users), m.Chat.MemberIDs())
	require.Nil(t, m.Chat.LatestMessage)

	stored, err := g.ChatByID(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, m.ID, stored.LatestMessage.ID)

	audio, err := g.CreateMessage(ctx, storage.NewMessage{
		ChatID: c.ID, SenderID: users[1].ID, Content: "UklGRg==", IsAudio: true, Duration: "0:03",
	})
	require.NoError(t, err)

	history, err := g.MessagesByChatID(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, m.ID, history[0].ID)
	require.Equal(t, audio.ID, history[1].ID)
	require.True(t, history[1].IsAudio)
	require.Equal(t, "0:03", history[1].Duration)

	c, err = g.ChatByID(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, audio.ID, c.LatestMessage.ID)
	require.Equal(t, users[1].ID, c.LatestMessage.Sender.ID)
}

func testCreateMessageNotMember(t *testing.T, g storage.Gateway) {
	ctx := context.Background()
	users := CreateUsers(t, g, 3)

	c, err := g.FindOrCreateDirectChat(ctx, users[0].ID, users[1].ID)
	require.NoError(t, err)

	_, err = g.CreateMessage(ctx, storage.NewMessage{ChatID: c.ID, SenderID: users[2].ID, Content: "hi"})
	require.ErrorIs(t, err, storage.ErrUserNotChatMember)

	history, err := g.MessagesByChatID(ctx, c.ID)
	require.NoError(t, err)
	require.Empty(t, history)

	c, err = g.ChatByID(ctx, c.ID)
	require.NoError(t, err)
	require.Nil(t, c.LatestMessage)
}

func testSystemMessage(t *testing.T, g storage.Gateway) {
	ctx := context.Background()
	users := CreateUsers(t, g, 3)

	c, err := g.CreateGroupChat(ctx, "G", users[0].ID, ids(users))
	require.NoError(t, err)

	m, err := g.CreateMessage(ctx, storage.NewMessage{ChatID: c.ID, Content: "x has joined the group"})
	require.NoError(t, err)
	require.True(t, m.IsSystem())

	c, err = g.ChatByID(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, m.ID, c.LatestMessage.ID)
	require.Nil(t, c.LatestMessage.Sender)
}

func testChatsOrderedByLatestMessage(t *testing.T, g storage.Gateway) {
	ctx := context.Background()
	users := CreateUsers(t, g, 3)
	pairs := mytesting.PairUserIDs(ids(users))

	chatIDs := make([]string, 0, len(pairs))
	for _, p := range pairs {
		c, err := g.FindOrCreateDirectChat(ctx, p[0], p[1])
		require.NoError(t, err)
		chatIDs = append(chatIDs, c.ID)
	}

	// the older chat becomes the most recent one after a message
	_, err := g.CreateMessage(ctx, storage.NewMessage{ChatID: chatIDs[0], SenderID: users[0].ID, Content: "bump"})
	require.NoError(t, err)

	chats, err := g.ChatsByUserID(ctx, users[0].ID)
	require.NoError(t, err)
	require.Len(t, chats, 2)
	require.Equal(t, chatIDs[0], chats[0].ID)
	require.Equal(t, chatIDs[1], chats[1].ID)

	_, err = g.ChatsByUserID(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrUserNotExist)
}
