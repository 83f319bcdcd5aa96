package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"repochat/internal/ratelimit"
	"repochat/internal/util"
	"repochat/pkg/domain"
	"repochat/pkg/ingest"
	"repochat/pkg/sourcehost"
	"repochat/services/gateway/internal/app"
	"repochat/services/gateway/internal/session"
)

const (
	stateCookieName = "repochat_oauth_state"
	stateCookieTTL  = 10 * time.Minute
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	Sessions       *session.Manager
	Redis          *redis.Client
	TrustedProxies *util.TrustedProxies
	ClientURL      string
	AllowedOrigins []string
	CookieName     string
	CookieSecure   bool

	LoginRateLimitPerMinute  int
	IngestRateLimitPerMinute int
	QueryRateLimitPerMinute  int
}

// Server exposes the public HTTP API.
type Server struct {
	app            *app.App
	sessions       *session.Manager
	mux            *http.ServeMux
	trustedProxies *util.TrustedProxies
	clientURL      string
	allowedOrigins []string
	cookieName     string
	cookieSecure   bool
	loginLimiter   *ratelimit.FixedWindowLimiter
	ingestLimiter  *ratelimit.FixedWindowLimiter
	queryLimiter   *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil || cfg.Sessions == nil {
		return nil, fmt.Errorf("app and session manager required")
	}
	if cfg.Redis == nil {
		return nil, fmt.Errorf("redis client required for rate limiting")
	}
	loginLimit := cfg.LoginRateLimitPerMinute
	if loginLimit <= 0 {
		loginLimit = 20
	}
	ingestLimit := cfg.IngestRateLimitPerMinute
	if ingestLimit <= 0 {
		ingestLimit = 5
	}
	queryLimit := cfg.QueryRateLimitPerMinute
	if queryLimit <= 0 {
		queryLimit = 30
	}
	newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
		limiter, err := ratelimit.NewFixedWindowLimiter(cfg.Redis, "repochat:gateway:ratelimit:"+name, limit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	loginLimiter, err := newLimiter("login", loginLimit)
	if err != nil {
		return nil, err
	}
	ingestLimiter, err := newLimiter("ingest", ingestLimit)
	if err != nil {
		return nil, err
	}
	queryLimiter, err := newLimiter("query", queryLimit)
	if err != nil {
		return nil, err
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		cookieName = "repochat_session"
	}
	s := &Server{
		app:            cfg.App,
		sessions:       cfg.Sessions,
		mux:            http.NewServeMux(),
		trustedProxies: cfg.TrustedProxies,
		clientURL:      cfg.ClientURL,
		allowedOrigins: cfg.AllowedOrigins,
		cookieName:     cookieName,
		cookieSecure:   cfg.CookieSecure,
		loginLimiter:   loginLimiter,
		ingestLimiter:  ingestLimiter,
		queryLimiter:   queryLimiter,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(util.WithSecurityHeaders(util.WithCORS(s.allowedOrigins, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/metrics", promhttp.Handler())

	// identity
	s.mux.HandleFunc("/auth/github", s.handleLogin)
	s.mux.HandleFunc("/auth/github/callback", s.handleCallback)
	s.mux.HandleFunc("/auth/status", s.handleStatus)
	s.mux.HandleFunc("/auth/logout", s.handleLogout)

	// repositories & jobs
	s.mux.Handle("/api/repos", s.authenticated(s.handleRemoteRepos))
	s.mux.Handle("/api/processed-repos", s.authenticated(s.handleProcessedRepos))
	s.mux.Handle("/api/repos/{owner}/{repo}", s.authenticated(s.handleIngest))
	s.mux.Handle("/api/repos/{owner}/{repo}/jobs", s.authenticated(s.handleEnqueue))
	s.mux.Handle("/api/jobs/{id}", s.authenticated(s.handleJob))

	// chat
	s.mux.Handle("/chat/query", s.authenticated(s.handleQuery))
	s.mux.Handle("/chat/history", s.authenticated(s.handleHistories))
	s.mux.Handle("/chat/{chatId}/history", s.authenticated(s.handleHistory))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.authorize(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, user)
	})
}

func (s *Server) authorize(r *http.Request) (domain.User, bool) {
	token, ok := s.sessionToken(r)
	if !ok {
		return domain.User{}, false
	}
	claims, err := s.sessions.Verify(r.Context(), token)
	if err != nil {
		s.audit(r, "gateway.session.verify", "fail", "reason", err.Error())
		return domain.User{}, false
	}
	user, found, err := s.app.GetUser(claims.UserID)
	if err != nil || !found {
		s.audit(r, "gateway.session.verify", "fail", "reason", "unknown_user", "user_id", claims.UserID)
		return domain.User{}, false
	}
	return user, true
}

// sessionToken prefers a bearer header over the session cookie.
func (s *Server) sessionToken(r *http.Request) (string, bool) {
	if token, ok := bearerToken(r); ok {
		return token, true
	}
	c, err := r.Cookie(s.cookieName)
	if err != nil || strings.TrimSpace(c.Value) == "" {
		return "", false
	}
	return c.Value, true
}

// identity handlers
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.loginLimiter, "ip:"+s.clientIP(r), "too many login attempts") {
		s.audit(r, "gateway.login", "rate_limited")
		return
	}
	state, err := randomState()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to start login")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     "/auth/github",
		MaxAge:   int(stateCookieTTL.Seconds()),
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, s.app.AuthCodeURL(state), http.StatusFound)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.loginLimiter, "ip:"+s.clientIP(r), "too many login attempts") {
		s.audit(r, "gateway.login.callback", "rate_limited")
		return
	}
	state := r.URL.Query().Get("state")
	c, err := r.Cookie(stateCookieName)
	if err != nil || state == "" || subtle.ConstantTimeCompare([]byte(c.Value), []byte(state)) != 1 {
		s.audit(r, "gateway.login.callback", "fail", "reason", "state_mismatch")
		writeError(w, http.StatusBadRequest, "invalid login state")
		return
	}
	http.SetCookie(w, &http.Cookie{Name: stateCookieName, Value: "", Path: "/auth/github", MaxAge: -1, HttpOnly: true, Secure: s.cookieSecure})

	user, err := s.app.CompleteLogin(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		s.audit(r, "gateway.login.callback", "fail", "reason", err.Error())
		if errors.Is(err, app.ErrLoginFailed) {
			writeError(w, http.StatusUnauthorized, "GitHub login failed")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to save user")
		return
	}
	token, claims, err := s.sessions.Issue(user.ID)
	if err != nil {
		slog.Error("issue session failed", "user_id", user.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to start session")
		return
	}
	s.setSessionCookie(w, token, claims.ExpiresAt)
	s.audit(r, "gateway.login.callback", "success", "user_id", user.ID, "github_id", user.GitHubID)
	http.Redirect(w, r, s.clientURL, http.StatusFound)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	user, ok := s.authorize(r)
	if !ok {
		writeJSON(w, http.StatusOK, statusResponse{Authenticated: false})
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Authenticated: true, User: &user})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if token, ok := s.sessionToken(r); ok {
		if err := s.sessions.Revoke(r.Context(), token); err != nil {
			s.audit(r, "gateway.logout", "fail", "reason", err.Error())
			writeError(w, http.StatusInternalServerError, "failed to end session")
			return
		}
	}
	s.setSessionCookie(w, "", time.Time{})
	s.audit(r, "gateway.logout", "success")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setSessionCookie(w http.ResponseWriter, token string, expires time.Time) {
	c := &http.Cookie{
		Name:     s.cookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
	if token == "" {
		c.MaxAge = -1
	} else {
		c.Expires = expires
		c.MaxAge = int(time.Until(expires).Seconds())
	}
	http.SetCookie(w, c)
}

// repository handlers
func (s *Server) handleRemoteRepos(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	repos, err := s.app.ListRemoteRepos(r.Context(), user)
	if err != nil {
		if errors.Is(err, sourcehost.ErrUnauthorized) {
			s.audit(r, "gateway.repos.list", "fail", "user_id", user.ID, "reason", "credential_rejected")
			writeError(w, http.StatusUnauthorized, "GitHub credential rejected")
			return
		}
		slog.Error("list remote repositories failed", "user_id", user.ID, "err", err)
		writeError(w, http.StatusBadGateway, "Failed to list repositories")
		return
	}
	writeJSON(w, http.StatusOK, repos)
}

func (s *Server) handleProcessedRepos(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	repos, err := s.app.ListProcessedRepos(user)
	if err != nil {
		slog.Error("list processed repositories failed", "user_id", user.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to list repositories")
		return
	}
	out := make([]repoSummary, 0, len(repos))
	for _, repo := range repos {
		out = append(out, summarize(repo))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.ingestLimiter, "user:"+user.ID, "too many ingestion requests") {
		s.audit(r, "gateway.ingest", "rate_limited", "user_id", user.ID)
		return
	}
	owner, repo := r.PathValue("owner"), r.PathValue("repo")
	// A client disconnect must not abandon a half-built index.
	res, err := s.app.IngestRepository(context.WithoutCancel(r.Context()), user, owner, repo)
	if err != nil {
		writeIngestError(w, r, err)
		return
	}
	if res.Conflict {
		writeJSON(w, http.StatusConflict, summarize(res.Repository))
		return
	}
	writeJSON(w, http.StatusCreated, summarize(res.Repository))
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.ingestLimiter, "user:"+user.ID, "too many ingestion requests") {
		s.audit(r, "gateway.ingest.enqueue", "rate_limited", "user_id", user.ID)
		return
	}
	job, err := s.app.EnqueueIngest(r.Context(), user, r.PathValue("owner"), r.PathValue("repo"))
	if err != nil {
		writeJobError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	job, err := s.app.GetJob(r.Context(), user, r.PathValue("id"))
	if err != nil {
		writeJobError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

type statusResponse struct {
	Authenticated bool         `json:"authenticated"`
	User          *domain.User `json:"user,omitempty"`
}

type repoSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Owner     string    `json:"owner"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func summarize(r domain.Repository) repoSummary {
	return repoSummary{ID: r.ID, Name: r.Name, Owner: r.Owner, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt}
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func randomState() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) clientIP(r *http.Request) string {
	return util.ClientIP(r, s.trustedProxies)
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", s.clientIP(r),
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, key, msg string) bool {
	ok, wait := limiter.Allow(r.Context(), r.URL.Path+"|"+key)
	if ok {
		return true
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

func writeIngestError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ingest.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "Invalid repository name")
	case errors.Is(err, ingest.ErrAuth):
		writeError(w, http.StatusUnauthorized, "GitHub credential rejected")
	case errors.Is(err, ingest.ErrNotFound):
		writeError(w, http.StatusNotFound, "Repository not found")
	case errors.Is(err, ingest.ErrInProgress):
		writeError(w, http.StatusConflict, "Repository is already being processed")
	case errors.Is(err, ingest.ErrEmptyRepository):
		writeError(w, http.StatusUnprocessableEntity, "Repository has no indexable files")
	default:
		util.LoggerFromContext(r.Context()).Error("ingest repository failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to process repository")
	}
}

func writeJobError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ingest.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "Invalid repository name")
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, app.ErrJobsDisabled):
		writeError(w, http.StatusServiceUnavailable, "Background ingestion is not available")
	default:
		util.LoggerFromContext(r.Context()).Error("ingest job request failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to process job request")
	}
}
