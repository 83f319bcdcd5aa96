package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"repochat/internal/util"
	"repochat/pkg/domain"
	"repochat/pkg/ingest"
	"repochat/pkg/queue"
)

// UserStore resolves the credential a job runs with.
type UserStore interface {
	GetUser(id string) (domain.User, bool, error)
}

// Ingester runs the repository pipeline.
type Ingester interface {
	Process(ctx context.Context, req ingest.Request) (ingest.Result, error)
}

// JobQueue is the durable queue the worker reads from.
type JobQueue interface {
	Enqueue(ctx context.Context, userID, owner, repo string) (domain.IngestJob, error)
	GetJob(ctx context.Context, id string) (domain.IngestJob, bool, error)
}

// Config wires the worker.
type Config struct {
	Users    UserStore
	Ingester Ingester
	Queue    JobQueue
}

// App is the ingestion worker core.
type App struct {
	users    UserStore
	ingester Ingester
	queue    JobQueue
}

// New constructs the worker.
func New(cfg Config) (*App, error) {
	if cfg.Users == nil || cfg.Ingester == nil || cfg.Queue == nil {
		return nil, errors.New("users, ingester and queue are required")
	}
	return &App{users: cfg.Users, ingester: cfg.Ingester, queue: cfg.Queue}, nil
}

// Enqueue records a job for userID.
func (a *App) Enqueue(ctx context.Context, userID, owner, repo string) (domain.IngestJob, error) {
	if strings.TrimSpace(userID) == "" || !ingest.ValidName(owner) || !ingest.ValidName(repo) {
		return domain.IngestJob{}, fmt.Errorf("%w: user and repository required", ingest.ErrInvalidRequest)
	}
	return a.queue.Enqueue(ctx, userID, owner, repo)
}

// GetJob returns a job by id.
func (a *App) GetJob(ctx context.Context, id string) (domain.IngestJob, bool, error) {
	return a.queue.GetJob(ctx, id)
}

// Handle processes one job. Failures retrying cannot fix are marked permanent.
func (a *App) Handle(ctx context.Context, job domain.IngestJob) (queue.Outcome, error) {
	logger := util.LoggerFromContext(ctx).With("job_id", job.ID, "owner", job.Owner, "repo", job.Repo)
	user, ok, err := a.users.GetUser(job.UserID)
	if err != nil {
		return queue.Outcome{}, fmt.Errorf("load user: %w", err)
	}
	if !ok || user.AccessToken == "" {
		logger.Warn("ingest_job_no_credential", "user_id", job.UserID)
		return queue.Outcome{}, queue.Permanent(fmt.Errorf("user %s has no source credential", job.UserID))
	}
	res, err := a.ingester.Process(ctx, ingest.Request{
		UserID:     job.UserID,
		Owner:      job.Owner,
		Repo:       job.Repo,
		Credential: user.AccessToken,
	})
	if err != nil {
		if permanent(err) {
			return queue.Outcome{}, queue.Permanent(err)
		}
		return queue.Outcome{}, err
	}
	logger.Info("ingest_job_done", "repository_id", res.Repository.ID, "conflict", res.Conflict)
	return queue.Outcome{RepositoryID: res.Repository.ID, Conflict: res.Conflict}, nil
}

func permanent(err error) bool {
	for _, target := range []error{
		ingest.ErrInvalidRequest,
		ingest.ErrAuth,
		ingest.ErrNotFound,
		ingest.ErrCorruptArchive,
		ingest.ErrEmptyRepository,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
