package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"repochat/pkg/domain"
	"repochat/pkg/storage"
	"repochat/pkg/store"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// RepositoryStore is the persistence the coordinator needs.
type RepositoryStore interface {
	GetRepositoryByName(userID, owner, name string) (domain.Repository, bool, error)
	CreateRepository(domain.Repository) (domain.Repository, error)
}

// Config wires a Coordinator.
type Config struct {
	DataDir   string
	Store     RepositoryStore
	Fetcher   *Fetcher
	Extractor *Extractor
	Flattener *Flattener
	Index     *IndexBuilder
	// Archives retains downloaded archives when set. Failures are logged only.
	Archives storage.ObjectStore
	// Locker serializes concurrent ingestion of the same repository when set.
	Locker  Locker
	LockTTL time.Duration
}

// DefaultLockTTL bounds one repository ingestion when Config.LockTTL is unset.
const DefaultLockTTL = 30 * time.Minute

// Request identifies one ingestion.
type Request struct {
	UserID     string
	Owner      string
	Repo       string
	Credential string
}

// Result is the repository record and whether it already existed.
type Result struct {
	Repository domain.Repository
	Conflict   bool
}

// Coordinator runs fetch, extract, flatten and index in order and records the result.
type Coordinator struct {
	dataDir   string
	store     RepositoryStore
	fetcher   *Fetcher
	extractor *Extractor
	flattener *Flattener
	index     *IndexBuilder
	archives  storage.ObjectStore
	locker    Locker
	lockTTL   time.Duration
}

func NewCoordinator(cfg Config) (*Coordinator, error) {
	if strings.TrimSpace(cfg.DataDir) == "" {
		return nil, fmt.Errorf("data dir required")
	}
	if cfg.Store == nil || cfg.Fetcher == nil || cfg.Index == nil {
		return nil, fmt.Errorf("store, fetcher and index builder required")
	}
	extractor := cfg.Extractor
	if extractor == nil {
		extractor = NewExtractor()
	}
	flattener := cfg.Flattener
	if flattener == nil {
		flattener = NewFlattener(DefaultRules())
	}
	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	return &Coordinator{
		dataDir:   cfg.DataDir,
		store:     cfg.Store,
		fetcher:   cfg.Fetcher,
		extractor: extractor,
		flattener: flattener,
		index:     cfg.Index,
		archives:  cfg.Archives,
		locker:    cfg.Locker,
		lockTTL:   lockTTL,
	}, nil
}

// Process ingests req.Owner/req.Repo for req.UserID. An existing record is
// returned with Conflict set and the pipeline does not run. A record is only
// persisted after every step succeeds.
func (c *Coordinator) Process(ctx context.Context, req Request) (Result, error) {
	if err := validateRequest(req); err != nil {
		return Result{}, err
	}
	existing, ok, err := c.store.GetRepositoryByName(req.UserID, req.Owner, req.Repo)
	if err != nil {
		return Result{}, fmt.Errorf("load repository: %w", err)
	}
	if ok {
		recordOutcome("conflict")
		return Result{Repository: existing, Conflict: true}, nil
	}

	if c.locker != nil {
		key := req.UserID + ":" + req.Owner + "/" + req.Repo
		release, acquired, err := c.locker.Acquire(ctx, key, c.lockTTL)
		if err != nil {
			return Result{}, fmt.Errorf("acquire ingest lock: %w", err)
		}
		if !acquired {
			recordOutcome("in_progress")
			return Result{}, ErrInProgress
		}
		defer release()
		existing, ok, err := c.store.GetRepositoryByName(req.UserID, req.Owner, req.Repo)
		if err != nil {
			return Result{}, fmt.Errorf("load repository: %w", err)
		}
		if ok {
			recordOutcome("conflict")
			return Result{Repository: existing, Conflict: true}, nil
		}
	}

	res, err := c.run(ctx, req)
	if err != nil {
		recordOutcome("failed")
		return Result{}, err
	}
	if res.Conflict {
		recordOutcome("conflict")
	} else {
		recordOutcome("created")
	}
	return res, nil
}

func (c *Coordinator) run(ctx context.Context, req Request) (Result, error) {
	logger := slog.With("user_id", req.UserID, "owner", req.Owner, "repo", req.Repo)
	dir := filepath.Join(c.dataDir, req.UserID, req.Owner+"_"+req.Repo)
	started := time.Now()

	stageStart := time.Now()
	archivePath, err := c.fetcher.Fetch(ctx, req.Owner, req.Repo, req.Credential, dir)
	if err != nil {
		return Result{}, fmt.Errorf("fetch: %w", err)
	}
	observeStage("fetch", stageStart)
	c.retainArchive(ctx, logger, req, archivePath)

	stageStart = time.Now()
	if err := c.extractor.Extract(ctx, archivePath, dir); err != nil {
		return Result{}, fmt.Errorf("extract: %w", err)
	}
	observeStage("extract", stageStart)

	stageStart = time.Now()
	flat, err := c.flattener.Flatten(ctx, dir)
	if err != nil {
		return Result{}, fmt.Errorf("flatten: %w", err)
	}
	observeStage("flatten", stageStart)
	recordFlatten(flat)
	if len(flat.Collisions) > 0 {
		logger.Warn("flatten: name collisions skipped", "count", len(flat.Collisions), "paths", flat.Collisions)
	}

	stageStart = time.Now()
	indexID, err := c.index.Build(ctx, req.Repo, dir)
	if err != nil {
		return Result{}, fmt.Errorf("index: %w", err)
	}
	observeStage("index", stageStart)

	created, err := c.store.CreateRepository(domain.Repository{
		UserID:    req.UserID,
		Owner:     req.Owner,
		Name:      req.Repo,
		LocalPath: dir,
		IndexID:   indexID,
		Files:     flat.Files,
		Processed: true,
	})
	if errors.Is(err, store.ErrDuplicate) {
		winner, ok, lookupErr := c.store.GetRepositoryByName(req.UserID, req.Owner, req.Repo)
		if lookupErr != nil {
			return Result{}, fmt.Errorf("reload repository: %w", lookupErr)
		}
		if !ok {
			return Result{}, fmt.Errorf("create repository: %w", err)
		}
		logger.Warn("ingest: lost create race, using existing record", "repo_id", winner.ID, "index_id", indexID)
		return Result{Repository: winner, Conflict: true}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("create repository: %w", err)
	}
	logger.Info("ingest: repository processed",
		"repo_id", created.ID,
		"files", len(flat.Files),
		"skipped", flat.Skipped,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return Result{Repository: created}, nil
}

func (c *Coordinator) retainArchive(ctx context.Context, logger *slog.Logger, req Request, archivePath string) {
	if c.archives == nil {
		return
	}
	f, err := os.Open(archivePath)
	if err != nil {
		logger.Warn("archive retention: open failed", "err", err)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		logger.Warn("archive retention: stat failed", "err", err)
		return
	}
	key := storage.ArchiveKey(req.UserID, req.Owner, req.Repo)
	if err := c.archives.Put(ctx, key, f, info.Size(), "application/zip"); err != nil {
		logger.Warn("archive retention: upload failed", "key", key, "err", err)
	}
}

func validateRequest(req Request) error {
	switch {
	case strings.TrimSpace(req.UserID) == "":
		return fmt.Errorf("%w: user id required", ErrInvalidRequest)
	case !ValidName(req.Owner):
		return fmt.Errorf("%w: invalid owner %q", ErrInvalidRequest, req.Owner)
	case !ValidName(req.Repo):
		return fmt.Errorf("%w: invalid repository %q", ErrInvalidRequest, req.Repo)
	case req.Credential == "":
		return fmt.Errorf("%w: credential required", ErrInvalidRequest)
	}
	return nil
}

// ValidName reports whether s is usable as a repository owner or name.
func ValidName(s string) bool {
	return s != "." && s != ".." && namePattern.MatchString(s)
}
