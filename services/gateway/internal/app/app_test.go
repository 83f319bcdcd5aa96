package app

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/oauth2"

	"repochat/pkg/chat"
	"repochat/pkg/domain"
	"repochat/pkg/ingest"
	"repochat/pkg/sourcehost"
	"repochat/pkg/store"
)

type stubSource struct{}

func (stubSource) CurrentUser(context.Context, string) (sourcehost.Identity, error) {
	return sourcehost.Identity{}, sourcehost.ErrUnauthorized
}

func (stubSource) ListRepos(context.Context, string) ([]domain.RemoteRepository, error) {
	return nil, nil
}

type stubIngester struct{}

func (stubIngester) Process(context.Context, ingest.Request) (ingest.Result, error) {
	return ingest.Result{}, nil
}

type stubQuerier struct{ got chat.Query }

func (q *stubQuerier) Open(_ context.Context, query chat.Query) (*chat.Stream, error) {
	q.got = query
	return nil, nil
}

func newTestApp(t *testing.T, s *store.MemoryStore, q Querier) *App {
	t.Helper()
	a, err := New(Config{
		Store:    s,
		Source:   stubSource{},
		OAuth:    &oauth2.Config{},
		Ingester: stubIngester{},
		Querier:  q,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a
}

func TestQueryTakesIdentityFromSessionUser(t *testing.T) {
	q := &stubQuerier{}
	a := newTestApp(t, store.NewMemoryStore(), q)

	_, _ = a.Query(context.Background(), domain.User{ID: "u1"}, chat.Query{UserID: "spoofed", ChatID: "c"})
	if q.got.UserID != "u1" {
		t.Fatalf("query user = %q, want u1", q.got.UserID)
	}
}

func TestChatHistoryHidesForeignChats(t *testing.T) {
	s := store.NewMemoryStore()
	a := newTestApp(t, s, &stubQuerier{})
	repo, err := s.CreateRepository(domain.Repository{UserID: "u1", Owner: "acme", Name: "widgets"})
	if err != nil {
		t.Fatalf("seed repository: %v", err)
	}
	if _, err := s.CreateConversation(domain.Conversation{ID: "c1", UserID: "u1", RepositoryID: repo.ID}); err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	if _, err := s.AppendMessage(domain.Message{ConversationID: "c1", Role: domain.RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("seed message: %v", err)
	}

	h, err := a.ChatHistory(domain.User{ID: "u1"}, "c1")
	if err != nil {
		t.Fatalf("chat history: %v", err)
	}
	if h.Repository.ID != repo.ID || len(h.Messages) != 1 {
		t.Fatalf("unexpected history: %+v", h)
	}
	if _, err := a.ChatHistory(domain.User{ID: "u2"}, "c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for other user, got %v", err)
	}
	if _, err := a.ChatHistory(domain.User{ID: "u1"}, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing chat, got %v", err)
	}
}

func TestJobsRequireQueue(t *testing.T) {
	a := newTestApp(t, store.NewMemoryStore(), &stubQuerier{})
	if _, err := a.EnqueueIngest(context.Background(), domain.User{ID: "u1"}, "acme", "widgets"); !errors.Is(err, ErrJobsDisabled) {
		t.Fatalf("expected ErrJobsDisabled, got %v", err)
	}
}

func TestCompleteLoginRequiresCode(t *testing.T) {
	a := newTestApp(t, store.NewMemoryStore(), &stubQuerier{})
	if _, err := a.CompleteLogin(context.Background(), " "); !errors.Is(err, ErrLoginFailed) {
		t.Fatalf("expected ErrLoginFailed, got %v", err)
	}
}
