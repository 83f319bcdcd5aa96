package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"repochat/pkg/ai"
)

// agentInstructions is formatted with the repository name.
const agentInstructions = `You answer questions about the source code repository %q.
Its files were uploaded with flattened names. GitHub wraps the archive in a single
"<owner>-<repo>-<commit>" folder, and every directory separator below the archive
root, that folder included, became an underscore. For example
"acme-%[1]s-1a2b3c4_src_components_Button.js" was "src/components/Button.js" in %[1]q.
When you cite a file, drop the leading folder segment and translate the rest back to
its original path. Search the attached files before answering and say so when the
answer is not in the repository.`

func instructionsFor(name string) string {
	return fmt.Sprintf(agentInstructions, name)
}

// maxBatchFiles is the backend's limit on file ids per batch.
const maxBatchFiles = 500

// IndexBackend is the subset of the assistants API used for indexing and agent binding.
type IndexBackend interface {
	CreateVectorStore(ctx context.Context, name string) (string, error)
	UploadFile(ctx context.Context, filename string, r io.Reader) (string, error)
	CreateFileBatch(ctx context.Context, vectorStoreID string, fileIDs []string) (ai.FileBatch, error)
	GetFileBatch(ctx context.Context, vectorStoreID, batchID string) (ai.FileBatch, error)
	CreateAssistant(ctx context.Context, params ai.AssistantParams) (string, error)
}

// IndexConfig tunes the IndexBuilder.
type IndexConfig struct {
	Model             string
	UploadConcurrency int
	PollInterval      time.Duration
}

// IndexBuilder uploads flattened snapshots into vector stores and binds agents to them.
type IndexBuilder struct {
	backend      IndexBackend
	model        string
	concurrency  int
	pollInterval time.Duration
}

func NewIndexBuilder(backend IndexBackend, cfg IndexConfig) *IndexBuilder {
	model := cfg.Model
	if model == "" {
		model = "gpt-4o"
	}
	concurrency := cfg.UploadConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	return &IndexBuilder{backend: backend, model: model, concurrency: concurrency, pollInterval: poll}
}

// Build creates a vector store called name holding every non-empty regular
// file directly inside dir, waits for the backend to finish ingesting them,
// and returns the store id.
func (b *IndexBuilder) Build(ctx context.Context, name, dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("%w: read %s: %w", ErrIO, dir, err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return "", fmt.Errorf("%w: stat %s: %w", ErrIO, entry.Name(), err)
		}
		if info.Size() == 0 {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	if len(files) == 0 {
		return "", ErrEmptyRepository
	}

	storeID, err := b.backend.CreateVectorStore(ctx, name)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrBackend, err)
	}

	fileIDs := make([]string, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for i, path := range files {
		g.Go(func() error {
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("%w: open %s: %w", ErrIO, filepath.Base(path), err)
			}
			defer f.Close()
			id, err := b.backend.UploadFile(gctx, filepath.Base(path), f)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrBackend, err)
			}
			fileIDs[i] = id
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	var completed, failed int
	for start := 0; start < len(fileIDs); start += maxBatchFiles {
		end := min(start+maxBatchFiles, len(fileIDs))
		batch, err := b.backend.CreateFileBatch(ctx, storeID, fileIDs[start:end])
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrBackend, err)
		}
		batch, err = b.waitForBatch(ctx, storeID, batch)
		if err != nil {
			return "", err
		}
		if batch.Status == ai.BatchFailed || batch.Status == ai.BatchCancelled {
			return "", fmt.Errorf("%w: file batch %s %s", ErrBackend, batch.ID, batch.Status)
		}
		completed += batch.FileCounts.Completed
		failed += batch.FileCounts.Failed
	}
	if completed == 0 {
		return "", fmt.Errorf("%w: vector store %s indexed no files", ErrBackend, storeID)
	}
	if failed > 0 {
		slog.Warn("index: some files failed", "vector_store_id", storeID, "failed", failed, "completed", completed)
	}
	return storeID, nil
}

func (b *IndexBuilder) waitForBatch(ctx context.Context, storeID string, batch ai.FileBatch) (ai.FileBatch, error) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()
	for batch.Status == ai.BatchInProgress || batch.Status == "" {
		select {
		case <-ctx.Done():
			return ai.FileBatch{}, ctx.Err()
		case <-ticker.C:
		}
		next, err := b.backend.GetFileBatch(ctx, storeID, batch.ID)
		if err != nil {
			return ai.FileBatch{}, fmt.Errorf("%w: %w", ErrBackend, err)
		}
		batch = next
	}
	return batch, nil
}

// BindAgent creates an agent that answers over exactly the index indexID.
func (b *IndexBuilder) BindAgent(ctx context.Context, name, indexID string) (string, error) {
	id, err := b.backend.CreateAssistant(ctx, ai.AssistantParams{
		Name:           "Code Assistant for " + name,
		Model:          b.model,
		Instructions:   instructionsFor(name),
		VectorStoreIDs: []string{indexID},
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrBackend, err)
	}
	return id, nil
}
