package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/dvloznov/payu-reconciler/internal/domain"
	"github.com/dvloznov/payu-reconciler/internal/logger"
)

// LocalArchiver keeps artifacts under a directory on disk.
type LocalArchiver struct {
	dir string
	now func() time.Time
}

// NewLocalArchiver creates dir if needed.
func NewLocalArchiver(dir string) (*LocalArchiver, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("NewLocalArchiver: %w", err)
	}
	return &LocalArchiver{dir: dir, now: time.Now}, nil
}

// Store writes the artifact and returns its file path.
func (a *LocalArchiver) Store(ctx context.Context, runID string, artifact *domain.RawArtifact) (string, error) {
	p := filepath.Join(a.dir, filepath.FromSlash(objectName("", runID, artifact.Ref, a.now())))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("LocalArchiver.Store: %w", err)
	}
	if err := os.WriteFile(p, artifact.Data, 0o644); err != nil {
		return "", fmt.Errorf("LocalArchiver.Store: write %q: %w", p, err)
	}

	log := logger.FromContext(ctx)
	log.Debug().Str("path", p).Int("bytes", len(artifact.Data)).Msg("Artifact written")
	return p, nil
}

// Fetch reads an artifact file.
func (a *LocalArchiver) Fetch(ctx context.Context, uri string) (*domain.RawArtifact, error) {
	data, err := os.ReadFile(uri)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &domain.ValidationError{Field: "uri", Msg: fmt.Sprintf("no artifact at %q", uri)}
	}
	if err != nil {
		return nil, fmt.Errorf("LocalArchiver.Fetch: %w", err)
	}
	return &domain.RawArtifact{Ref: FileName(uri), Format: domain.FormatCSV, Data: data}, nil
}

// Remove deletes a file written by Store. Missing files are ignored.
func (a *LocalArchiver) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("LocalArchiver.Remove: %w", err)
	}
	return nil
}
