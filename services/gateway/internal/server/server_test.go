package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"

	"repochat/pkg/ai"
	"repochat/pkg/chat"
	"repochat/pkg/domain"
	"repochat/pkg/ingest"
	"repochat/pkg/sourcehost"
	"repochat/pkg/store"
	"repochat/services/gateway/internal/app"
	"repochat/services/gateway/internal/session"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fakeSource struct{}

func (fakeSource) CurrentUser(_ context.Context, token string) (sourcehost.Identity, error) {
	if token != "gho_new" {
		return sourcehost.Identity{}, sourcehost.ErrUnauthorized
	}
	return sourcehost.Identity{ID: 42, Login: "octocat"}, nil
}

func (fakeSource) ListRepos(_ context.Context, token string) ([]domain.RemoteRepository, error) {
	if token == "revoked" {
		return nil, sourcehost.ErrUnauthorized
	}
	return []domain.RemoteRepository{{ID: 7, Name: "widgets", Owner: "acme"}}, nil
}

type fakeIngester struct {
	mu     sync.Mutex
	result ingest.Result
	err    error
	reqs   []ingest.Request
	// gate, when set, runs before Process returns and may fail the call.
	gate func(ctx context.Context, req ingest.Request) (ingest.Result, error)
}

func (f *fakeIngester) Process(ctx context.Context, req ingest.Request) (ingest.Result, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	gate := f.gate
	result, err := f.result, f.err
	f.mu.Unlock()
	if gate != nil {
		return gate(ctx, req)
	}
	return result, err
}

type fakeJobs struct {
	mu   sync.Mutex
	jobs map[string]domain.IngestJob
}

func (f *fakeJobs) Enqueue(_ context.Context, userID, owner, repo string) (domain.IngestJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job := domain.IngestJob{ID: uuid.NewString(), UserID: userID, Owner: owner, Repo: repo, State: domain.JobQueued}
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeJobs) GetJob(_ context.Context, id string) (domain.IngestJob, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	return job, ok, nil
}

// fakeAssistants answers every run with the configured SSE body.
type fakeAssistants struct {
	mu     sync.Mutex
	stream string
	runErr error
}

func (f *fakeAssistants) BindAgent(context.Context, string, string) (string, error) {
	return "asst_1", nil
}

func (f *fakeAssistants) CreateThread(context.Context) (string, error) {
	return "thread_1", nil
}

func (f *fakeAssistants) PostMessage(context.Context, string, string) error {
	return nil
}

func (f *fakeAssistants) OpenRun(context.Context, string, string) (*ai.RunStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runErr != nil {
		return nil, f.runErr
	}
	return ai.NewRunStream(io.NopCloser(strings.NewReader(f.stream))), nil
}

func sseFrame(event, data string) string {
	return "event: " + event + "\ndata: " + data + "\n\n"
}

func textDelta(text string) string {
	return sseFrame("thread.message.delta", fmt.Sprintf(`{"id":"msg_1","delta":{"content":[{"index":0,"type":"text","text":{"value":%q}}]}}`, text))
}

func textCompleted(text string) string {
	return sseFrame("thread.message.completed", fmt.Sprintf(`{"id":"msg_1","role":"assistant","content":[{"index":0,"type":"text","text":{"value":%q}}]}`, text))
}

type gatewayFixture struct {
	srv        *httptest.Server
	router     http.Handler
	store      *store.MemoryStore
	sessions   *session.Manager
	ingester   *fakeIngester
	assistants *fakeAssistants
	jobs       *fakeJobs
	user       domain.User
	token      string
}

type fixtureOptions struct {
	ingestLimit int
	oauthURL    string
}

func newGatewayFixture(t *testing.T, opts fixtureOptions) *gatewayFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	sessions, err := session.NewManager(testSecret, time.Hour, session.NewRedisRevoker(client, ""))
	if err != nil {
		t.Fatalf("new session manager: %v", err)
	}
	memStore := store.NewMemoryStore()
	assistants := &fakeAssistants{}
	ingester := &fakeIngester{}
	jobs := &fakeJobs{jobs: make(map[string]domain.IngestJob)}
	oauthURL := opts.oauthURL
	if oauthURL == "" {
		oauthURL = "http://oauth.invalid"
	}
	core, err := app.New(app.Config{
		Store:  memStore,
		Source: fakeSource{},
		OAuth: &oauth2.Config{
			ClientID:     "client",
			ClientSecret: "secret",
			Scopes:       []string{"repo"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  oauthURL + "/login/oauth/authorize",
				TokenURL: oauthURL + "/login/oauth/access_token",
			},
		},
		Ingester: ingester,
		Querier:  chat.NewRelay(memStore, assistants, assistants, 4),
		Jobs:     jobs,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	gw, err := New(Config{
		App:                      core,
		Sessions:                 sessions,
		Redis:                    client,
		ClientURL:                "http://client.test/",
		IngestRateLimitPerMinute: opts.ingestLimit,
	})
	if err != nil {
		t.Fatalf("new gateway server: %v", err)
	}
	router := gw.Router()
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	user, err := memStore.UpsertUser(domain.User{GitHubID: 1, Username: "alice", AccessToken: "gho_alice"})
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	token, _, err := sessions.Issue(user.ID)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	return &gatewayFixture{
		srv: srv, router: router, store: memStore, sessions: sessions, ingester: ingester,
		assistants: assistants, jobs: jobs, user: user, token: token,
	}
}

func (f *gatewayFixture) otherUserToken(t *testing.T) string {
	t.Helper()
	other, err := f.store.UpsertUser(domain.User{GitHubID: 2, Username: "mallory", AccessToken: "gho_mallory"})
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	token, _, err := f.sessions.Issue(other.ID)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	return token
}

func (f *gatewayFixture) do(t *testing.T, method, path, token, body string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := noRedirectClient().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func noRedirectClient() *http.Client {
	return &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return out
}

func TestGatewayServerRequiresRedis(t *testing.T) {
	sessions, err := session.NewManager(testSecret, time.Hour, nil)
	if err != nil {
		t.Fatalf("new session manager: %v", err)
	}
	if _, err := New(Config{App: &app.App{}, Sessions: sessions}); err == nil {
		t.Fatalf("expected server initialization to fail without redis")
	}
}

func TestAuthenticatedRoutesRequireSession(t *testing.T) {
	f := newGatewayFixture(t, fixtureOptions{})

	if resp := f.do(t, http.MethodGet, "/api/processed-repos", "", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing session expected 401, got %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodGet, "/api/processed-repos", "garbage", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("invalid session expected 401, got %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodGet, "/api/processed-repos", f.token, ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("bearer session expected 200, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/api/processed-repos", nil)
	req.AddCookie(&http.Cookie{Name: "repochat_session", Value: f.token})
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("cookie request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cookie session expected 200, got %d", resp.StatusCode)
	}

	logout := f.do(t, http.MethodPost, "/auth/logout", f.token, "")
	if logout.StatusCode != http.StatusNoContent {
		t.Fatalf("logout expected 204, got %d", logout.StatusCode)
	}
	if resp := f.do(t, http.MethodGet, "/api/processed-repos", f.token, ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked session expected 401, got %d", resp.StatusCode)
	}
	status := decodeBody[statusResponse](t, f.do(t, http.MethodGet, "/auth/status", f.token, ""))
	if status.Authenticated {
		t.Fatalf("revoked session reported as authenticated")
	}
}

func TestGitHubLoginFlow(t *testing.T) {
	oauthSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/login/oauth/access_token" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseForm(); err != nil || r.Form.Get("code") != "good-code" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"bad_verification_code"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"gho_new","token_type":"bearer","scope":"repo"}`)
	}))
	defer oauthSrv.Close()
	f := newGatewayFixture(t, fixtureOptions{oauthURL: oauthSrv.URL})

	start := f.do(t, http.MethodGet, "/auth/github", "", "")
	if start.StatusCode != http.StatusFound {
		t.Fatalf("login expected 302, got %d", start.StatusCode)
	}
	var state *http.Cookie
	for _, c := range start.Cookies() {
		if c.Name == stateCookieName {
			state = c
		}
	}
	if state == nil || state.Value == "" || !state.HttpOnly {
		t.Fatalf("state cookie missing: %+v", start.Cookies())
	}
	location := start.Header.Get("Location")
	if !strings.Contains(location, "state="+state.Value) || !strings.Contains(location, "scope=repo") {
		t.Fatalf("unexpected authorize redirect: %s", location)
	}

	callback := func(queryState, code string) *http.Response {
		req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/auth/github/callback?state="+queryState+"&code="+code, nil)
		req.AddCookie(&http.Cookie{Name: stateCookieName, Value: state.Value})
		resp, err := noRedirectClient().Do(req)
		if err != nil {
			t.Fatalf("callback: %v", err)
		}
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	if resp := callback("forged", "good-code"); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("state mismatch expected 400, got %d", resp.StatusCode)
	}
	if resp := callback(state.Value, "bad-code"); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("failed exchange expected 401, got %d", resp.StatusCode)
	}

	resp := callback(state.Value, "good-code")
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "http://client.test/" {
		t.Fatalf("callback expected redirect to client, got %d %q", resp.StatusCode, resp.Header.Get("Location"))
	}
	var sessionCookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "repochat_session" {
			sessionCookie = c
		}
	}
	if sessionCookie == nil || !sessionCookie.HttpOnly {
		t.Fatalf("session cookie missing: %+v", resp.Cookies())
	}

	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/auth/status", nil)
	req.AddCookie(sessionCookie)
	statusResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	defer statusResp.Body.Close()
	status := decodeBody[statusResponse](t, statusResp)
	if !status.Authenticated || status.User == nil || status.User.Username != "octocat" || status.User.GitHubID != 42 {
		t.Fatalf("unexpected status: %+v", status)
	}
	stored, ok, _ := f.store.GetUser(status.User.ID)
	if !ok || stored.AccessToken != "gho_new" {
		t.Fatalf("credential not stored: %+v", stored)
	}
}

func TestRemoteReposMapsRejectedCredential(t *testing.T) {
	f := newGatewayFixture(t, fixtureOptions{})

	resp := f.do(t, http.MethodGet, "/api/repos", f.token, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	repos := decodeBody[[]domain.RemoteRepository](t, resp)
	if len(repos) != 1 || repos[0].Name != "widgets" {
		t.Fatalf("unexpected repos: %+v", repos)
	}

	revoked, err := f.store.UpsertUser(domain.User{GitHubID: 3, Username: "bob", AccessToken: "revoked"})
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	token, _, _ := f.sessions.Issue(revoked.ID)
	if resp := f.do(t, http.MethodGet, "/api/repos", token, ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("rejected credential expected 401, got %d", resp.StatusCode)
	}
}

func TestIngestStatusCodes(t *testing.T) {
	record := domain.Repository{ID: "repo-1", Owner: "acme", Name: "widgets"}
	cases := []struct {
		name   string
		result ingest.Result
		err    error
		want   int
	}{
		{name: "created", result: ingest.Result{Repository: record}, want: http.StatusCreated},
		{name: "conflict", result: ingest.Result{Repository: record, Conflict: true}, want: http.StatusConflict},
		{name: "invalid", err: fmt.Errorf("%w: bad", ingest.ErrInvalidRequest), want: http.StatusBadRequest},
		{name: "credential", err: fmt.Errorf("fetch: %w", ingest.ErrAuth), want: http.StatusUnauthorized},
		{name: "missing", err: fmt.Errorf("fetch: %w", ingest.ErrNotFound), want: http.StatusNotFound},
		{name: "in progress", err: ingest.ErrInProgress, want: http.StatusConflict},
		{name: "backend", err: fmt.Errorf("index: %w", ingest.ErrBackend), want: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newGatewayFixture(t, fixtureOptions{})
			f.ingester.result, f.ingester.err = tc.result, tc.err

			resp := f.do(t, http.MethodGet, "/api/repos/acme/widgets", f.token, "")
			if resp.StatusCode != tc.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.want)
			}
			if tc.err == nil {
				got := decodeBody[repoSummary](t, resp)
				if got.ID != "repo-1" || got.Owner != "acme" || got.Name != "widgets" {
					t.Fatalf("unexpected body: %+v", got)
				}
			}
			req := f.ingester.reqs[0]
			if req.UserID != f.user.ID || req.Owner != "acme" || req.Repo != "widgets" || req.Credential != "gho_alice" {
				t.Fatalf("unexpected ingest request: %+v", req)
			}
		})
	}
}

func TestIngestOutlivesClientDisconnect(t *testing.T) {
	f := newGatewayFixture(t, fixtureOptions{})
	started, release := make(chan struct{}), make(chan struct{})
	f.ingester.gate = func(ctx context.Context, req ingest.Request) (ingest.Result, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			return ingest.Result{}, fmt.Errorf("%w: %v", ingest.ErrBackend, err)
		}
		repo, err := f.store.CreateRepository(domain.Repository{
			UserID: req.UserID, Owner: req.Owner, Name: req.Repo, Processed: true,
		})
		return ingest.Result{Repository: repo}, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/repos/acme/widgets", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+f.token)
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.router.ServeHTTP(rec, req)
	}()

	<-started
	cancel()
	close(release)
	<-done

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	if _, ok, err := f.store.GetRepositoryByName(f.user.ID, "acme", "widgets"); err != nil || !ok {
		t.Fatalf("repository not recorded after disconnect: ok=%v err=%v", ok, err)
	}
}

func TestIngestRateLimit(t *testing.T) {
	f := newGatewayFixture(t, fixtureOptions{ingestLimit: 1})
	f.ingester.result = ingest.Result{Repository: domain.Repository{ID: "repo-1"}}

	if resp := f.do(t, http.MethodGet, "/api/repos/acme/widgets", f.token, ""); resp.StatusCode != http.StatusCreated {
		t.Fatalf("first request expected 201, got %d", resp.StatusCode)
	}
	resp := f.do(t, http.MethodGet, "/api/repos/acme/widgets", f.token, "")
	if resp.StatusCode != http.StatusTooManyRequests || resp.Header.Get("Retry-After") != "60" {
		t.Fatalf("second request expected 429 with Retry-After, got %d", resp.StatusCode)
	}
}

func TestJobsAreOwnerOnly(t *testing.T) {
	f := newGatewayFixture(t, fixtureOptions{})

	resp := f.do(t, http.MethodPost, "/api/repos/acme/widgets/jobs", f.token, "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("enqueue expected 202, got %d", resp.StatusCode)
	}
	job := decodeBody[domain.IngestJob](t, resp)
	if job.State != domain.JobQueued || job.UserID != f.user.ID {
		t.Fatalf("unexpected job: %+v", job)
	}

	if resp := f.do(t, http.MethodGet, "/api/jobs/"+job.ID, f.token, ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("owner expected 200, got %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodGet, "/api/jobs/"+job.ID, f.otherUserToken(t), ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("other user expected 404, got %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodPost, "/api/repos/acme/bad%20name/jobs", f.token, ""); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid repository name expected 400, got %d", resp.StatusCode)
	}
}

func readEvents(t *testing.T, resp *http.Response) []map[string]any {
	t.Helper()
	var events []map[string]any
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("decode event %q: %v", line, err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("read stream: %v", err)
	}
	return events
}

func (f *gatewayFixture) seedRepo(t *testing.T) domain.Repository {
	t.Helper()
	repo, err := f.store.CreateRepository(domain.Repository{UserID: f.user.ID, Owner: "acme", Name: "widgets", IndexID: "vs_1", Processed: true})
	if err != nil {
		t.Fatalf("seed repository: %v", err)
	}
	return repo
}

func TestQueryStreamsAndRecordsHistory(t *testing.T) {
	f := newGatewayFixture(t, fixtureOptions{})
	repo := f.seedRepo(t)
	f.assistants.stream = textDelta("Hel") + textDelta("lo") + textCompleted("Hello")
	chatID := uuid.NewString()

	body := fmt.Sprintf(`{"chatId":%q,"repoId":%q,"message":"What does it do?"}`, chatID, repo.ID)
	resp := f.do(t, http.MethodPost, "/chat/query", f.token, body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("query expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	if resp.Header.Get("X-Accel-Buffering") != "no" || resp.Header.Get("Cache-Control") != "no-cache" {
		t.Fatalf("missing stream headers: %v", resp.Header)
	}
	events := readEvents(t, resp)
	if len(events) != 3 {
		t.Fatalf("events = %v, want 3", events)
	}
	if events[0]["status"] != "in_progress" || events[0]["delta"] != "Hel" || events[0]["content"] != nil {
		t.Fatalf("unexpected first event: %v", events[0])
	}
	if events[2]["status"] != "completed" || events[2]["content"] != "Hello" || events[2]["delta"] != nil {
		t.Fatalf("unexpected final event: %v", events[2])
	}

	history := decodeBody[historyResponse](t, f.do(t, http.MethodGet, "/chat/"+chatID+"/history", f.token, ""))
	if len(history.Messages) != 2 || history.Messages[0].Role != domain.RoleUser || history.Messages[1].Content != "Hello" {
		t.Fatalf("unexpected history: %+v", history)
	}
	if history.Messages[1].ParentID != history.Messages[0].ID || history.Repo.ID != repo.ID {
		t.Fatalf("history links broken: %+v", history)
	}

	all := decodeBody[[]historyResponse](t, f.do(t, http.MethodGet, "/chat/history", f.token, ""))
	if len(all) != 1 || all[0].ID != chatID {
		t.Fatalf("unexpected history list: %+v", all)
	}
	if resp := f.do(t, http.MethodGet, "/chat/"+chatID+"/history", f.otherUserToken(t), ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign history expected 404, got %d", resp.StatusCode)
	}
}

func TestQueryErrorsBeforeStream(t *testing.T) {
	f := newGatewayFixture(t, fixtureOptions{})
	repo := f.seedRepo(t)

	cases := []struct {
		name  string
		token string
		body  string
		want  int
		msg   string
	}{
		{name: "missing message", token: f.token, body: fmt.Sprintf(`{"chatId":%q,"repoId":%q}`, uuid.NewString(), repo.ID), want: http.StatusBadRequest, msg: "Missing required fields"},
		{name: "chat id not uuid", token: f.token, body: fmt.Sprintf(`{"chatId":"abc","repoId":%q,"message":"hi"}`, repo.ID), want: http.StatusBadRequest, msg: "Missing required fields"},
		{name: "foreign repository", token: f.otherUserToken(t), body: fmt.Sprintf(`{"chatId":%q,"repoId":%q,"message":"hi"}`, uuid.NewString(), repo.ID), want: http.StatusNotFound, msg: "No such resource found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, "/chat/query", tc.token, tc.body)
			if resp.StatusCode != tc.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.want)
			}
			if got := decodeBody[map[string]string](t, resp)["error"]; got != tc.msg {
				t.Fatalf("error = %q, want %q", got, tc.msg)
			}
		})
	}

	f.assistants.runErr = fmt.Errorf("upstream 503")
	resp := f.do(t, http.MethodPost, "/chat/query", f.token, fmt.Sprintf(`{"chatId":%q,"repoId":%q,"message":"hi"}`, uuid.NewString(), repo.ID))
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("backend failure expected 500, got %d", resp.StatusCode)
	}
}

func TestQueryIncompleteStreamEndsWithErrorEvent(t *testing.T) {
	f := newGatewayFixture(t, fixtureOptions{})
	repo := f.seedRepo(t)
	f.assistants.stream = textDelta("partial")
	chatID := uuid.NewString()

	resp := f.do(t, http.MethodPost, "/chat/query", f.token, fmt.Sprintf(`{"chatId":%q,"repoId":%q,"message":"hi"}`, chatID, repo.ID))
	events := readEvents(t, resp)
	if len(events) != 2 {
		t.Fatalf("events = %v, want delta then error", events)
	}
	if msg, _ := events[1]["error"].(string); msg == "" {
		t.Fatalf("last event is not an error: %v", events[1])
	}
	if _, ok := events[1]["status"]; ok {
		t.Fatalf("error event carries status: %v", events[1])
	}
	msgs, _ := f.store.ListMessages(chatID)
	if len(msgs) != 0 {
		t.Fatalf("incomplete answer persisted %d messages", len(msgs))
	}
}
