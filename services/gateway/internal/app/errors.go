package app

import "errors"

var (
	// ErrNotFound hides records that are missing or owned by someone else.
	ErrNotFound = errors.New("not found")
	// ErrJobsDisabled means no job queue is configured.
	ErrJobsDisabled = errors.New("job queue not configured")
	// ErrLoginFailed means the OAuth exchange or user lookup failed.
	ErrLoginFailed = errors.New("login failed")
)
