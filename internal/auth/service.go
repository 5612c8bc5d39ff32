// Package auth registers and authenticates users and verifies the tokens they present.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"realtime-chat/internal/storage"

	"go.uber.org/zap"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// Store is the persistence surface used by Service
type Store interface {
	CreateUser(ctx context.Context, nu storage.NewUser) (storage.User, error)
	UserByID(ctx context.Context, id string) (storage.User, error)
	UserByEmail(ctx context.Context, email string) (storage.User, error)
	SearchUsers(ctx context.Context, query, excludeID string) ([]storage.User, error)
	UpdateProfilePicture(ctx context.Context, id, picture string) (storage.User, error)
}

// Registration is the sign-up form
type Registration struct {
	Name           string
	Email          string
	Password       string
	ProfilePicture string
}

// Service implements account operations
type Service struct {
	logger *zap.SugaredLogger
	store  Store
	hasher *PasswordHasher
	tokens *TokenManager
}

func NewService(logger *zap.SugaredLogger, store Store, hasher *PasswordHasher, tokens *TokenManager) *Service {
	return &Service{
		logger: logger,
		store:  store,
		hasher: hasher,
		tokens: tokens,
	}
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validatePicture(pic string) error {
	if pic == "" {
		return nil
	}
	u, err := url.ParseRequestURI(pic)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return invalid("profile picture must be a valid url")
	}
	return nil
}

func (r Registration) validate() error {
	if n := utf8.RuneCountInString(strings.TrimSpace(r.Name)); n < 2 || n > 40 {
		return invalid("name must be between 2 and 40 characters")
	}
	if addr, err := mail.ParseAddress(r.Email); err != nil || addr.Address != r.Email {
		return invalid("invalid email address")
	}
	if len(r.Password) < 6 {
		return invalid("password must be at least 6 characters")
	}
	// bcrypt ignores everything past 72 bytes
	if len(r.Password) > 72 {
		return invalid("password must be at most 72 characters")
	}
	return validatePicture(r.ProfilePicture)
}

// Register creates an account, a taken email yields storage.ErrUserExists
func (s *Service) Register(ctx context.Context, r Registration) (storage.User, error) {
	r.Email = normalizeEmail(r.Email)
	if err := r.validate(); err != nil {
		return storage.User{}, err
	}

	hash, err := s.hasher.Hash(r.Password)
	if err != nil {
		return storage.User{}, fmt.Errorf("hashing password: %w", err)
	}

	u, err := s.store.CreateUser(ctx, storage.NewUser{
		Name:           strings.TrimSpace(r.Name),
		Email:          r.Email,
		PasswordHash:   hash,
		ProfilePicture: r.ProfilePicture,
	})
	if err != nil {
		return storage.User{}, err
	}

	s.logger.Infof("Registered user %s", u.ID)

	return u, nil
}

// Login checks credentials and issues a token
func (s *Service) Login(ctx context.Context, email, password string) (string, storage.User, error) {
	u, err := s.store.UserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, storage.ErrUserNotExist) {
			return "", storage.User{}, ErrInvalidCredentials
		}
		return "", storage.User{}, err
	}

	if !s.hasher.Verify(password, u.PasswordHash) {
		return "", storage.User{}, ErrInvalidCredentials
	}

	token, err := s.tokens.Issue(Identity{ID: u.ID, Name: u.Name, Email: u.Email})
	if err != nil {
		return "", storage.User{}, fmt.Errorf("issuing token: %w", err)
	}

	return token, u, nil
}

// TokenTTL is the lifetime of tokens issued by Login
func (s *Service) TokenTTL() time.Duration {
	return s.tokens.TTL()
}

func (s *Service) Profile(ctx context.Context, userID string) (storage.User, error) {
	return s.store.UserByID(ctx, userID)
}

// Search finds users by name or email substring, an empty query lists everyone.
// The caller is never listed.
func (s *Service) Search(ctx context.Context, callerID, query string) ([]storage.User, error) {
	return s.store.SearchUsers(ctx, strings.TrimSpace(query), callerID)
}

func (s *Service) UpdateProfilePicture(ctx context.Context, userID, picture string) (storage.User, error) {
	if picture == "" {
		return storage.User{}, invalid("profile picture is required")
	}
	if err := validatePicture(picture); err != nil {
		return storage.User{}, err
	}
	return s.store.UpdateProfilePicture(ctx, userID, picture)
}
