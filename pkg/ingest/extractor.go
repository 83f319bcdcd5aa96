package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mholt/archives"
)

// Extractor expands downloaded archives.
type Extractor struct{}

func NewExtractor() *Extractor {
	return &Extractor{}
}

// Extract expands archivePath under targetDir and then removes the archive.
// Only regular files and directories are materialized; entries that would land
// outside targetDir make the archive corrupt. A failed extraction leaves
// whatever was written in place.
func (e *Extractor) Extract(ctx context.Context, archivePath, targetDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("%w: open archive: %w", ErrIO, err)
	}
	defer f.Close()

	format, _, err := archives.Identify(ctx, filepath.Base(archivePath), f)
	if err != nil {
		return fmt.Errorf("%w: identify %s: %w", ErrCorruptArchive, filepath.Base(archivePath), err)
	}
	extractor, ok := format.(archives.Extractor)
	if !ok {
		return fmt.Errorf("%w: %s is not an extractable format", ErrCorruptArchive, format.Extension())
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("%w: rewind archive: %w", ErrIO, err)
	}
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return fmt.Errorf("%w: create %s: %w", ErrIO, targetDir, err)
	}

	err = extractor.Extract(ctx, f, func(ctx context.Context, info archives.FileInfo) error {
		return writeEntry(targetDir, info)
	})
	if err != nil {
		if errors.Is(err, ErrIO) || errors.Is(err, ErrCorruptArchive) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %w", ErrCorruptArchive, err)
	}
	f.Close()
	if err := os.Remove(archivePath); err != nil {
		return fmt.Errorf("%w: remove archive: %w", ErrIO, err)
	}
	return nil
}

func writeEntry(targetDir string, info archives.FileInfo) error {
	name := filepath.FromSlash(info.NameInArchive)
	if !filepath.IsLocal(name) {
		return fmt.Errorf("%w: entry %q escapes target directory", ErrCorruptArchive, info.NameInArchive)
	}
	dest := filepath.Join(targetDir, name)
	if info.IsDir() {
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return fmt.Errorf("%w: mkdir %s: %w", ErrIO, name, err)
		}
		return nil
	}
	if !info.Mode().IsRegular() {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("%w: mkdir %s: %w", ErrIO, filepath.Dir(name), err)
	}
	src, err := info.Open()
	if err != nil {
		return fmt.Errorf("%w: open entry %s: %w", ErrCorruptArchive, name, err)
	}
	defer src.Close()
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w: create %s: %w", ErrIO, name, err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return fmt.Errorf("%w: read entry %s: %w", ErrCorruptArchive, name, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %w", ErrIO, name, err)
	}
	return nil
}
