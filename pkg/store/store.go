package store

import (
	"errors"

	"repochat/pkg/domain"
)

var (
	// ErrDuplicate is returned when a create collides with a uniqueness constraint.
	ErrDuplicate = errors.New("record already exists")
	// ErrNotFound is returned by updates that target a missing record.
	ErrNotFound = errors.New("record not found")
)

// Store defines persistence operations for users, repositories, conversations and messages.
type Store interface {
	// users
	UpsertUser(domain.User) (domain.User, error)
	GetUser(id string) (domain.User, bool, error)

	// repositories
	CreateRepository(domain.Repository) (domain.Repository, error)
	GetRepository(id string) (domain.Repository, bool, error)
	GetRepositoryByName(userID, owner, name string) (domain.Repository, bool, error)
	ListRepositories(userID string, processedOnly bool) ([]domain.Repository, error)

	// conversations
	CreateConversation(domain.Conversation) (domain.Conversation, error)
	GetConversation(id string) (domain.Conversation, bool, error)
	SetConversationThread(id, threadID string) (domain.Conversation, error)
	ListConversations(userID string) ([]domain.Conversation, error)

	// messages
	AppendMessage(domain.Message) (domain.Message, error)
	GetMessage(id string) (domain.Message, bool, error)
	ListMessages(conversationID string) ([]domain.Message, error)
}

// Sealer encrypts credentials before they are written and decrypts them on read.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}
