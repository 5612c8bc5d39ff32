package chat

import "errors"

var (
	ErrSelfChat      = errors.New("cannot start a chat with yourself")
	ErrGroupTooSmall = errors.New("more than 2 users are required to form a group chat")
	ErrNotGroupChat  = errors.New("chat is not a group chat")
	ErrEmptyName     = errors.New("group chat name is required")
	ErrEmptyMessage  = errors.New("message content is required")

	ErrNotMember = errors.New("user is not a member of the chat")
	ErrNotAdmin  = errors.New("only the group admin can do that")
)

// IsValidation reports whether err is caused by malformed input
func IsValidation(err error) bool {
	return errors.Is(err, ErrSelfChat) ||
		errors.Is(err, ErrGroupTooSmall) ||
		errors.Is(err, ErrNotGroupChat) ||
		errors.Is(err, ErrEmptyName) ||
		errors.Is(err, ErrEmptyMessage)
}

// IsForbidden reports whether err is an authorization failure
func IsForbidden(err error) bool {
	return errors.Is(err, ErrNotMember) || errors.Is(err, ErrNotAdmin)
}
