package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/oauth2"

	"repochat/pkg/chat"
	"repochat/pkg/domain"
	"repochat/pkg/ingest"
	"repochat/pkg/sourcehost"
	"repochat/pkg/store"
)

// SourceHost is the GitHub surface the gateway uses directly.
type SourceHost interface {
	CurrentUser(ctx context.Context, token string) (sourcehost.Identity, error)
	ListRepos(ctx context.Context, token string) ([]domain.RemoteRepository, error)
}

// Ingester runs the ingestion pipeline synchronously.
type Ingester interface {
	Process(ctx context.Context, req ingest.Request) (ingest.Result, error)
}

// Querier opens answer streams.
type Querier interface {
	Open(ctx context.Context, q chat.Query) (*chat.Stream, error)
}

// JobQueue hands ingestion to the worker service.
type JobQueue interface {
	Enqueue(ctx context.Context, userID, owner, repo string) (domain.IngestJob, error)
	GetJob(ctx context.Context, id string) (domain.IngestJob, bool, error)
}

// Config holds runtime dependencies for the core application.
type Config struct {
	Store    store.Store
	Source   SourceHost
	OAuth    *oauth2.Config
	Ingester Ingester
	Querier  Querier
	Jobs     JobQueue
}

// App is the gateway's application service: it ties the session user to
// storage, the source host, ingestion and chat.
type App struct {
	store    store.Store
	source   SourceHost
	oauth    *oauth2.Config
	ingester Ingester
	querier  Querier
	jobs     JobQueue
}

func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Source == nil || cfg.OAuth == nil {
		return nil, fmt.Errorf("source host and oauth config required")
	}
	if cfg.Ingester == nil || cfg.Querier == nil {
		return nil, fmt.Errorf("ingester and querier required")
	}
	return &App{
		store:    cfg.Store,
		source:   cfg.Source,
		oauth:    cfg.OAuth,
		ingester: cfg.Ingester,
		querier:  cfg.Querier,
		jobs:     cfg.Jobs,
	}, nil
}

// AuthCodeURL is where the browser goes to grant access.
func (a *App) AuthCodeURL(state string) string {
	return a.oauth.AuthCodeURL(state)
}

// CompleteLogin exchanges an authorization code and records the user with
// the new credential.
func (a *App) CompleteLogin(ctx context.Context, code string) (domain.User, error) {
	if strings.TrimSpace(code) == "" {
		return domain.User{}, fmt.Errorf("%w: missing code", ErrLoginFailed)
	}
	token, err := a.oauth.Exchange(ctx, code)
	if err != nil {
		return domain.User{}, fmt.Errorf("%w: exchange code: %w", ErrLoginFailed, err)
	}
	identity, err := a.source.CurrentUser(ctx, token.AccessToken)
	if err != nil {
		return domain.User{}, fmt.Errorf("%w: load user: %w", ErrLoginFailed, err)
	}
	user, err := a.store.UpsertUser(domain.User{
		GitHubID:    identity.ID,
		Username:    identity.Login,
		AccessToken: token.AccessToken,
	})
	if err != nil {
		return domain.User{}, fmt.Errorf("save user: %w", err)
	}
	return user, nil
}

// GetUser resolves a session subject.
func (a *App) GetUser(id string) (domain.User, bool, error) {
	return a.store.GetUser(id)
}

// ListRemoteRepos lists every repository the user's credential can see.
func (a *App) ListRemoteRepos(ctx context.Context, user domain.User) ([]domain.RemoteRepository, error) {
	return a.source.ListRepos(ctx, user.AccessToken)
}

// ListProcessedRepos lists the user's ingested repositories.
func (a *App) ListProcessedRepos(user domain.User) ([]domain.Repository, error) {
	return a.store.ListRepositories(user.ID, true)
}

// IngestRepository runs the pipeline for owner/repo now.
func (a *App) IngestRepository(ctx context.Context, user domain.User, owner, repo string) (ingest.Result, error) {
	return a.ingester.Process(ctx, ingest.Request{
		UserID:     user.ID,
		Owner:      owner,
		Repo:       repo,
		Credential: user.AccessToken,
	})
}

// EnqueueIngest schedules owner/repo for the worker.
func (a *App) EnqueueIngest(ctx context.Context, user domain.User, owner, repo string) (domain.IngestJob, error) {
	if a.jobs == nil {
		return domain.IngestJob{}, ErrJobsDisabled
	}
	if !ingest.ValidName(owner) || !ingest.ValidName(repo) {
		return domain.IngestJob{}, fmt.Errorf("%w: invalid repository %s/%s", ingest.ErrInvalidRequest, owner, repo)
	}
	return a.jobs.Enqueue(ctx, user.ID, owner, repo)
}

// GetJob returns a job owned by user.
func (a *App) GetJob(ctx context.Context, user domain.User, id string) (domain.IngestJob, error) {
	if a.jobs == nil {
		return domain.IngestJob{}, ErrJobsDisabled
	}
	job, ok, err := a.jobs.GetJob(ctx, id)
	if err != nil {
		return domain.IngestJob{}, err
	}
	if !ok || job.UserID != user.ID {
		return domain.IngestJob{}, ErrNotFound
	}
	return job, nil
}

// Query opens the answer stream for one turn by user.
func (a *App) Query(ctx context.Context, user domain.User, q chat.Query) (*chat.Stream, error) {
	q.UserID = user.ID
	return a.querier.Open(ctx, q)
}

// ChatHistories returns the user's chats, most recently active first.
func (a *App) ChatHistories(user domain.User) ([]domain.ChatHistory, error) {
	convs, err := a.store.ListConversations(user.ID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ChatHistory, 0, len(convs))
	for _, conv := range convs {
		h, err := a.history(conv)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

// ChatHistory returns one of the user's chats.
func (a *App) ChatHistory(user domain.User, chatID string) (domain.ChatHistory, error) {
	conv, ok, err := a.store.GetConversation(chatID)
	if err != nil {
		return domain.ChatHistory{}, err
	}
	if !ok || conv.UserID != user.ID {
		return domain.ChatHistory{}, ErrNotFound
	}
	return a.history(conv)
}

func (a *App) history(conv domain.Conversation) (domain.ChatHistory, error) {
	repo, ok, err := a.store.GetRepository(conv.RepositoryID)
	if err != nil {
		return domain.ChatHistory{}, err
	}
	if !ok {
		return domain.ChatHistory{}, errors.New("conversation references a missing repository")
	}
	msgs, err := a.store.ListMessages(conv.ID)
	if err != nil {
		return domain.ChatHistory{}, err
	}
	return domain.ChatHistory{Conversation: conv, Repository: repo, Messages: msgs}, nil
}
