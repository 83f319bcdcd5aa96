package sourcehost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	gh "github.com/google/go-github/v80/github"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"repochat/pkg/domain"
)

const (
	apiTimeout      = 30 * time.Second
	downloadTimeout = 10 * time.Minute
	// proactiveRate keeps the process under GitHub's 5000 requests/hour budget.
	proactiveRate = 1.2
)

var (
	// ErrUnauthorized means GitHub rejected the credential.
	ErrUnauthorized = errors.New("github credential rejected")
	// ErrNotFound means the repository or user does not resolve.
	ErrNotFound = errors.New("github resource not found")
)

// APIError is any other GitHub error response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github api error %d: %s", e.StatusCode, e.Message)
}

// Identity is the authenticated GitHub account behind a credential.
type Identity struct {
	ID    int64
	Login string
}

// Client talks to the GitHub REST API on behalf of a user credential.
// The limiter is shared across all credentials used by the process.
type Client struct {
	baseURL *url.URL
	limiter *rate.Limiter
}

// NewClient builds a client. baseURL is empty for api.github.com.
func NewClient(baseURL string) (*Client, error) {
	c := &Client{limiter: rate.NewLimiter(rate.Limit(proactiveRate), 5)}
	baseURL = strings.TrimSpace(baseURL)
	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("parse github base url: %w", err)
		}
		c.baseURL = u
	}
	return c, nil
}

func (c *Client) github(ctx context.Context, token string, timeout time.Duration) *gh.Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(ctx, ts)
	tc.Timeout = timeout
	client := gh.NewClient(tc)
	if c.baseURL != nil {
		client.BaseURL = c.baseURL
	}
	return client
}

// CurrentUser returns the account that owns token.
func (c *Client) CurrentUser(ctx context.Context, token string) (Identity, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Identity{}, fmt.Errorf("rate limit wait: %w", err)
	}
	user, _, err := c.github(ctx, token, apiTimeout).Users.Get(ctx, "")
	if err != nil {
		return Identity{}, wrapError(err, "get user")
	}
	return Identity{ID: user.GetID(), Login: user.GetLogin()}, nil
}

// ListRepos aggregates the repositories the credential can see: its own,
// collaborator and organization-member repositories, plus every repository of
// every organization it belongs to. Results are de-duplicated by id.
func (c *Client) ListRepos(ctx context.Context, token string) ([]domain.RemoteRepository, error) {
	client := c.github(ctx, token, apiTimeout)
	seen := make(map[int64]struct{})
	var out []domain.RemoteRepository
	add := func(repos []*gh.Repository) {
		for _, r := range repos {
			if _, ok := seen[r.GetID()]; ok {
				continue
			}
			seen[r.GetID()] = struct{}{}
			out = append(out, toRemote(r))
		}
	}

	userOpts := &gh.RepositoryListByAuthenticatedUserOptions{
		Visibility:  "all",
		Affiliation: "owner,collaborator,organization_member",
		ListOptions: gh.ListOptions{PerPage: 100},
	}
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
		repos, resp, err := client.Repositories.ListByAuthenticatedUser(ctx, userOpts)
		if err != nil {
			return nil, wrapError(err, "list repos")
		}
		add(repos)
		if resp.NextPage == 0 {
			break
		}
		userOpts.Page = resp.NextPage
	}

	orgs, err := c.listOrgs(ctx, client)
	if err != nil {
		return nil, err
	}
	for _, org := range orgs {
		orgOpts := &gh.RepositoryListByOrgOptions{Type: "all", ListOptions: gh.ListOptions{PerPage: 100}}
		for {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limit wait: %w", err)
			}
			repos, resp, err := client.Repositories.ListByOrg(ctx, org, orgOpts)
			if err != nil {
				return nil, wrapError(err, "list org repos "+org)
			}
			add(repos)
			if resp.NextPage == 0 {
				break
			}
			orgOpts.Page = resp.NextPage
		}
	}
	return out, nil
}

func (c *Client) listOrgs(ctx context.Context, client *gh.Client) ([]string, error) {
	opts := &gh.ListOptions{PerPage: 100}
	var logins []string
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
		orgs, resp, err := client.Organizations.List(ctx, "", opts)
		if err != nil {
			return nil, wrapError(err, "list orgs")
		}
		for _, org := range orgs {
			logins = append(logins, org.GetLogin())
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return logins, nil
}

// DownloadArchive opens the zipball of ref, or of the default branch when ref
// is empty. The caller closes the returned body.
func (c *Client) DownloadArchive(ctx context.Context, owner, repo, ref, token string) (io.ReadCloser, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	client := c.github(ctx, token, downloadTimeout)
	path := fmt.Sprintf("repos/%s/%s/zipball", url.PathEscape(owner), url.PathEscape(repo))
	if ref != "" {
		path += "/" + url.PathEscape(ref)
	}
	req, err := client.NewRequest(http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.BareDo(ctx, req)
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		return nil, wrapError(err, "download archive")
	}
	return resp.Body, nil
}

func toRemote(r *gh.Repository) domain.RemoteRepository {
	return domain.RemoteRepository{
		ID:        r.GetID(),
		Name:      r.GetName(),
		Owner:     r.GetOwner().GetLogin(),
		CreatedAt: r.GetCreatedAt().Time,
		UpdatedAt: r.GetUpdatedAt().Time,
	}
}

func wrapError(err error, op string) error {
	var rateErr *gh.RateLimitError
	if errors.As(err, &rateErr) {
		return &APIError{StatusCode: http.StatusTooManyRequests, Message: rateErr.Message}
	}
	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return &APIError{StatusCode: http.StatusTooManyRequests, Message: abuseErr.Message}
	}
	var ghErr *gh.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch ghErr.Response.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%s: %w", op, ErrUnauthorized)
		case http.StatusNotFound:
			return fmt.Errorf("%s: %w", op, ErrNotFound)
		}
		return &APIError{StatusCode: ghErr.Response.StatusCode, Message: ghErr.Message}
	}
	return fmt.Errorf("%s: %w", op, err)
}
