package ingestclient

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"repochat/internal/servicetoken"
	"repochat/pkg/domain"
)

const audience = "ingest"

// Client calls the ingest service's internal job API.
type Client struct {
	baseURL    string
	signer     *servicetoken.Signer
	httpClient *http.Client
}

// APIError represents an ingest service error response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}

// NewClient constructs an ingest service client.
func NewClient(baseURL string, signer *servicetoken.Signer) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		signer:     signer,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) Enqueue(ctx context.Context, userID, owner, repo string) (domain.IngestJob, error) {
	data, err := json.Marshal(enqueueRequest{UserID: userID, Owner: owner, Repo: repo})
	if err != nil {
		return domain.IngestJob{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/ingest/jobs", bytes.NewReader(data))
	if err != nil {
		return domain.IngestJob{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	var job domain.IngestJob
	if err := c.do(req, &job); err != nil {
		return domain.IngestJob{}, err
	}
	return job, nil
}

// GetJob reports ok=false when the ingest service does not know id.
func (c *Client) GetJob(ctx context.Context, id string) (domain.IngestJob, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ingest/jobs/"+url.PathEscape(id), nil)
	if err != nil {
		return domain.IngestJob{}, false, err
	}
	var job domain.IngestJob
	if err := c.do(req, &job); err != nil {
		if apiErr, ok := err.(*APIError); ok && apiErr.Status == http.StatusNotFound {
			return domain.IngestJob{}, false, nil
		}
		return domain.IngestJob{}, false, err
	}
	return job, true, nil
}

func (c *Client) do(req *http.Request, out any) error {
	token, err := c.signer.Sign(audience)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type enqueueRequest struct {
	UserID string `json:"userId"`
	Owner  string `json:"owner"`
	Repo   string `json:"repo"`
}
