package chat

import "errors"

var (
	// ErrValidation means the query is malformed.
	ErrValidation = errors.New("invalid chat query")
	// ErrUnauthorized means the chat or repository is missing or belongs to another user.
	ErrUnauthorized = errors.New("chat not accessible")
	// ErrBackend wraps failures of the answer backend.
	ErrBackend = errors.New("chat backend failure")
)
