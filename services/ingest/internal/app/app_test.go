package app

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"repochat/pkg/domain"
	"repochat/pkg/ingest"
	"repochat/pkg/queue"
)

type stubUsers map[string]domain.User

func (s stubUsers) GetUser(id string) (domain.User, bool, error) {
	u, ok := s[id]
	return u, ok, nil
}

type stubIngester struct {
	err  error
	reqs []ingest.Request
}

func (s *stubIngester) Process(_ context.Context, req ingest.Request) (ingest.Result, error) {
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return ingest.Result{}, s.err
	}
	return ingest.Result{Repository: domain.Repository{ID: "repo-1"}}, nil
}

type stubQueue struct{}

func (stubQueue) Enqueue(_ context.Context, userID, owner, repo string) (domain.IngestJob, error) {
	return domain.IngestJob{ID: "job-1", UserID: userID, Owner: owner, Repo: repo, State: domain.JobQueued}, nil
}

func (stubQueue) GetJob(context.Context, string) (domain.IngestJob, bool, error) {
	return domain.IngestJob{}, false, nil
}

func newWorker(t *testing.T, ing *stubIngester) *App {
	t.Helper()
	users := stubUsers{"u1": {ID: "u1", GitHubID: 7, Username: "alice", AccessToken: "gho_alice"}}
	a, err := New(Config{Users: users, Ingester: ing, Queue: stubQueue{}})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a
}

func TestHandleUsesStoredCredential(t *testing.T) {
	ing := &stubIngester{}
	a := newWorker(t, ing)

	out, err := a.Handle(context.Background(), domain.IngestJob{ID: "job-1", UserID: "u1", Owner: "acme", Repo: "widgets"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if out.RepositoryID != "repo-1" {
		t.Fatalf("repository id = %q", out.RepositoryID)
	}
	if len(ing.reqs) != 1 || ing.reqs[0].Credential != "gho_alice" {
		t.Fatalf("unexpected requests: %+v", ing.reqs)
	}
}

func TestHandleClassifiesFailures(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"not found", fmt.Errorf("fetch: %w", ingest.ErrNotFound), true},
		{"auth", ingest.ErrAuth, true},
		{"empty", ingest.ErrEmptyRepository, true},
		{"corrupt", ingest.ErrCorruptArchive, true},
		{"backend", fmt.Errorf("upload: %w", ingest.ErrBackend), false},
		{"in progress", ingest.ErrInProgress, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := newWorker(t, &stubIngester{err: tc.err})
			_, err := a.Handle(context.Background(), domain.IngestJob{ID: "job-1", UserID: "u1", Owner: "acme", Repo: "widgets"})
			if !errors.Is(err, tc.err) {
				t.Fatalf("error %v does not wrap %v", err, tc.err)
			}
			if queue.IsPermanent(err) != tc.permanent {
				t.Fatalf("permanent = %v, want %v", queue.IsPermanent(err), tc.permanent)
			}
		})
	}
}

func TestHandleMissingUserIsPermanent(t *testing.T) {
	ing := &stubIngester{}
	a := newWorker(t, ing)
	_, err := a.Handle(context.Background(), domain.IngestJob{ID: "job-1", UserID: "ghost", Owner: "acme", Repo: "widgets"})
	if !queue.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if len(ing.reqs) != 0 {
		t.Fatalf("pipeline ran without a credential")
	}
}

func TestEnqueueValidatesNames(t *testing.T) {
	a := newWorker(t, &stubIngester{})
	if _, err := a.Enqueue(context.Background(), "u1", "acme", "bad name"); !errors.Is(err, ingest.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	job, err := a.Enqueue(context.Background(), "u1", "acme", "widgets")
	if err != nil || job.State != domain.JobQueued {
		t.Fatalf("enqueue: job=%+v err=%v", job, err)
	}
}
