package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"repochat/pkg/sourcehost"
)

// ArchiveSource downloads repository archives from the source host.
type ArchiveSource interface {
	DownloadArchive(ctx context.Context, owner, repo, ref, token string) (io.ReadCloser, error)
}

// Fetcher persists a repository archive to a local directory.
type Fetcher struct {
	source ArchiveSource
	ref    string
}

// NewFetcher builds a fetcher for ref. An empty ref fetches the repository's
// default branch.
func NewFetcher(source ArchiveSource, ref string) *Fetcher {
	return &Fetcher{source: source, ref: strings.TrimSpace(ref)}
}

// Fetch downloads owner/repo into <destDir>/<repo>.zip and returns that path.
// destDir is created when absent.
func (f *Fetcher) Fetch(ctx context.Context, owner, repo, credential, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: create %s: %w", ErrIO, destDir, err)
	}
	body, err := f.source.DownloadArchive(ctx, owner, repo, f.ref, credential)
	if err != nil {
		switch {
		case errors.Is(err, sourcehost.ErrUnauthorized):
			return "", fmt.Errorf("%w: %w", ErrAuth, err)
		case errors.Is(err, sourcehost.ErrNotFound):
			return "", fmt.Errorf("%w: %s/%s: %w", ErrNotFound, owner, repo, err)
		}
		return "", fmt.Errorf("download %s/%s: %w", owner, repo, err)
	}
	defer body.Close()

	tmp, err := os.CreateTemp(destDir, ".archive-*")
	if err != nil {
		return "", fmt.Errorf("%w: create temp archive: %w", ErrIO, err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("%w: write archive: %w", ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("%w: close archive: %w", ErrIO, err)
	}
	archivePath := filepath.Join(destDir, repo+".zip")
	if err := os.Rename(tmpName, archivePath); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("%w: place archive: %w", ErrIO, err)
	}
	return archivePath, nil
}
