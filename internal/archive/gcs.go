package archive

import (
	"context"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"

	"github.com/dvloznov/payu-reconciler/internal/domain"
	"github.com/dvloznov/payu-reconciler/internal/logger"
)

// GCSArchiver stores artifacts in a Cloud Storage bucket.
// It assumes Application Default Credentials are configured.
type GCSArchiver struct {
	client *storage.Client
	bucket string
	prefix string
	now    func() time.Time
}

// NewGCSArchiver creates a storage client for bucket.
func NewGCSArchiver(ctx context.Context, bucket, prefix string) (*GCSArchiver, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("NewGCSArchiver: create storage client: %w", err)
	}
	return &GCSArchiver{client: client, bucket: bucket, prefix: prefix, now: time.Now}, nil
}

// Close releases the storage client.
func (a *GCSArchiver) Close() error {
	return a.client.Close()
}

// Store uploads the artifact and returns its gs:// URI.
func (a *GCSArchiver) Store(ctx context.Context, runID string, artifact *domain.RawArtifact) (string, error) {
	object := objectName(a.prefix, runID, artifact.Ref, a.now())

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := a.client.Bucket(a.bucket).Object(object).NewWriter(ctx)
	w.ContentType = string(artifact.Format)
	w.Metadata = map[string]string{"run_id": runID, "source_ref": artifact.Ref}

	if _, err := w.Write(artifact.Data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("GCSArchiver.Store: write %s: %w", object, err)
	}
	// Close finalizes the upload.
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("GCSArchiver.Store: finalize %s: %w", object, err)
	}

	uri := fmt.Sprintf("gs://%s/%s", a.bucket, object)
	log := logger.FromContext(ctx)
	log.Info().Str("uri", uri).Int("bytes", len(artifact.Data)).Msg("Artifact archived")
	return uri, nil
}

// Fetch downloads the object behind a gs:// URI.
func (a *GCSArchiver) Fetch(ctx context.Context, uri string) (*domain.RawArtifact, error) {
	bucket, object, err := ParseGCSURI(uri)
	if err != nil {
		return nil, &domain.ValidationError{Field: "uri", Msg: err.Error()}
	}

	rc, err := a.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("GCSArchiver.Fetch: reading object %s/%s: %w", bucket, object, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("GCSArchiver.Fetch: reading bytes: %w", err)
	}
	return &domain.RawArtifact{Ref: FileName(uri), Format: domain.FormatCSV, Data: data}, nil
}
