package auth

import (
	"context"
	"testing"
	"time"

	"realtime-chat/internal/storage"
	"realtime-chat/internal/storage/memstore"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newService(t *testing.T) *Service {
	t.Helper()
	return NewService(zap.NewNop().Sugar(), memstore.New(), NewPasswordHasher(4), NewTokenManager("secret", "test", time.Hour))
}

func TestRegisterLogin(t *testing.T) {
	t.Parallel()
	s := newService(t)
	ctx := context.Background()

	u, err := s.Register(ctx, Registration{Name: "Alice", Email: "Alice@Example.com", Password: "secret1"})
	require.NoError(t, err)
	require.Equal(t, "alice@example.com", u.Email)
	require.NotEqual(t, "secret1", u.PasswordHash)

	token, logged, err := s.Login(ctx, "alice@example.com", "secret1")
	require.NoError(t, err)
	require.Equal(t, u.ID, logged.ID)

	id, err := s.tokens.Verify(token)
	require.NoError(t, err)
	require.Equal(t, u.ID, id.ID)
	require.Equal(t, "Alice", id.Name)

	_, _, err = s.Login(ctx, "alice@example.com", "wrong-password")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = s.Login(ctx, "nobody@example.com", "secret1")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = s.Register(ctx, Registration{Name: "Alice 2", Email: "alice@example.com", Password: "secret1"})
	require.ErrorIs(t, err, storage.ErrUserExists)
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()
	s := newService(t)

	for name, r := range map[string]Registration{
		"short name":  {Name: "A", Email: "a@example.com", Password: "secret1"},
		"bad email":   {Name: "Alice", Email: "alice", Password: "secret1"},
		"named email": {Name: "Alice", Email: "Alice <a@example.com>", Password: "secret1"},
		"short pass":  {Name: "Alice", Email: "a@example.com", Password: "12345"},
		"bad picture": {Name: "Alice", Email: "a@example.com", Password: "secret1", ProfilePicture: "not a url"},
		"ftp picture": {Name: "Alice", Email: "a@example.com", Password: "secret1", ProfilePicture: "ftp://x/y.png"},
	} {
		_, err := s.Register(context.Background(), r)
		require.ErrorIs(t, err, ErrValidation, name)
	}
}

func TestSearchExcludesCaller(t *testing.T) {
	t.Parallel()
	s := newService(t)
	ctx := context.Background()

	alice, err := s.Register(ctx, Registration{Name: "Alice", Email: "alice@example.com", Password: "secret1"})
	require.NoError(t, err)
	bob, err := s.Register(ctx, Registration{Name: "Bob", Email: "bob@example.com", Password: "secret1"})
	require.NoError(t, err)

	found, err := s.Search(ctx, alice.ID, "EXAMPLE")
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, bob.ID, found[0].ID)

	found, err = s.Search(ctx, alice.ID, "")
	require.NoError(t, err)
	require.Len(t, found, 1)
}

func TestUpdateProfilePicture(t *testing.T) {
	t.Parallel()
	s := newService(t)
	ctx := context.Background()

	u, err := s.Register(ctx, Registration{Name: "Alice", Email: "alice@example.com", Password: "secret1"})
	require.NoError(t, err)

	u, err = s.UpdateProfilePicture(ctx, u.ID, "https://cdn.example.com/a.png")
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example.com/a.png", u.ProfilePicture)

	p, err := s.Profile(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, u.ProfilePicture, p.ProfilePicture)

	_, err = s.UpdateProfilePicture(ctx, u.ID, "")
	require.ErrorIs(t, err, ErrValidation)
}
