package ingest

import "errors"

var (
	ErrInvalidRequest = errors.New("invalid ingestion request")
	// ErrAuth means the source host rejected the credential.
	ErrAuth = errors.New("source credential rejected")
	// ErrNotFound means the remote repository does not resolve.
	ErrNotFound = errors.New("remote repository not found")
	// ErrIO is a local filesystem failure.
	ErrIO = errors.New("ingestion io failure")
	// ErrCorruptArchive means the archive could not be read or holds unsafe entries.
	ErrCorruptArchive = errors.New("corrupt archive")
	// ErrBackend wraps failures reported by the indexing backend.
	ErrBackend = errors.New("indexing backend failure")
	// ErrEmptyRepository means flattening left nothing to index.
	ErrEmptyRepository = errors.New("repository has no indexable files")
	// ErrInProgress means another ingestion of the same repository holds the lock.
	ErrInProgress = errors.New("ingestion already in progress")
)
