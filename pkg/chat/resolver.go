package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"repochat/pkg/domain"
	"repochat/pkg/store"
)

// ConversationStore is the persistence used by the resolver and relay.
type ConversationStore interface {
	GetRepository(id string) (domain.Repository, bool, error)
	CreateConversation(domain.Conversation) (domain.Conversation, error)
	GetConversation(id string) (domain.Conversation, bool, error)
	SetConversationThread(id, threadID string) (domain.Conversation, error)
	GetMessage(id string) (domain.Message, bool, error)
	AppendMessage(domain.Message) (domain.Message, error)
}

// AgentBinder creates an agent over one index.
type AgentBinder interface {
	BindAgent(ctx context.Context, name, indexID string) (string, error)
}

// ThreadCreator opens new backend threads.
type ThreadCreator interface {
	CreateThread(ctx context.Context) (string, error)
}

// Resolver maps (user, chat, repository) onto a conversation with a bound
// agent and thread, creating both lazily.
type Resolver struct {
	store   ConversationStore
	agents  AgentBinder
	threads ThreadCreator
}

func NewResolver(store ConversationStore, agents AgentBinder, threads ThreadCreator) *Resolver {
	return &Resolver{store: store, agents: agents, threads: threads}
}

// Resolve returns the conversation chatID for userID over repoID. The first
// call creates it; later calls must name the same user and repository.
func (r *Resolver) Resolve(ctx context.Context, userID, chatID, repoID string) (domain.Conversation, error) {
	repo, ok, err := r.store.GetRepository(repoID)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("load repository: %w", err)
	}
	if !ok || repo.UserID != userID {
		return domain.Conversation{}, ErrUnauthorized
	}

	conv, ok, err := r.store.GetConversation(chatID)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("load conversation: %w", err)
	}
	if !ok {
		conv, err = r.create(ctx, userID, chatID, repo)
		if err != nil {
			return domain.Conversation{}, err
		}
	}
	if conv.UserID != userID || conv.RepositoryID != repoID {
		return domain.Conversation{}, ErrUnauthorized
	}

	if conv.ThreadID == "" {
		threadID, err := r.threads.CreateThread(ctx)
		if err != nil {
			return domain.Conversation{}, fmt.Errorf("%w: create thread: %w", ErrBackend, err)
		}
		bound, err := r.store.SetConversationThread(conv.ID, threadID)
		if err != nil {
			return domain.Conversation{}, fmt.Errorf("bind thread: %w", err)
		}
		if bound.ThreadID != threadID {
			slog.Info("chat: thread already bound by another request", "chat_id", conv.ID, "thread_id", bound.ThreadID)
		}
		conv = bound
	}
	return conv, nil
}

func (r *Resolver) create(ctx context.Context, userID, chatID string, repo domain.Repository) (domain.Conversation, error) {
	agentID, err := r.agents.BindAgent(ctx, repo.Name, repo.IndexID)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("%w: bind agent: %w", ErrBackend, err)
	}
	conv, err := r.store.CreateConversation(domain.Conversation{
		ID:           chatID,
		UserID:       userID,
		RepositoryID: repo.ID,
		AgentID:      agentID,
	})
	if errors.Is(err, store.ErrDuplicate) {
		winner, ok, lookupErr := r.store.GetConversation(chatID)
		if lookupErr != nil {
			return domain.Conversation{}, fmt.Errorf("reload conversation: %w", lookupErr)
		}
		if !ok {
			return domain.Conversation{}, fmt.Errorf("create conversation: %w", err)
		}
		slog.Info("chat: lost conversation create race", "chat_id", chatID, "orphan_agent_id", agentID)
		return winner, nil
	}
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}
