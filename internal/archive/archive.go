// Package archive keeps the raw report artifacts of every run so a run can be
// replayed without asking the provider again.
package archive

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/dvloznov/payu-reconciler/internal/domain"
)

// Archiver stores raw artifacts and reads them back by URI.
type Archiver interface {
	// Store persists the artifact and returns the URI it can be fetched from.
	Store(ctx context.Context, runID string, artifact *domain.RawArtifact) (string, error)

	// Fetch loads a previously stored artifact.
	Fetch(ctx context.Context, uri string) (*domain.RawArtifact, error)
}

// ParseGCSURI splits gs://bucket/object into its parts.
func ParseGCSURI(uri string) (bucket, object string, err error) {
	if !strings.HasPrefix(uri, "gs://") {
		return "", "", fmt.Errorf("invalid GCS URI: %s", uri)
	}
	parts := strings.SplitN(strings.TrimPrefix(uri, "gs://"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid GCS URI (no object path): %s", uri)
	}
	return parts[0], parts[1], nil
}

// FileName returns the last path element of a gs:// URI or local path.
// e.g., "gs://bucket/payu/2024/05/01/orders.csv" → "orders.csv"
func FileName(uri string) string {
	trimmed := strings.TrimPrefix(uri, "gs://")
	if trimmed != uri {
		parts := strings.SplitN(trimmed, "/", 2)
		if len(parts) < 2 {
			return trimmed
		}
		trimmed = parts[1]
	}
	return path.Base(strings.ReplaceAll(trimmed, `\`, "/"))
}

// objectName lays artifacts out by day and run:
// prefix/2024/05/01/<run id>/<file name>.
func objectName(prefix, runID, ref string, at time.Time) string {
	name := FileName(ref)
	if name == "" || name == "." || name == "/" {
		name = "report.csv"
	}
	return path.Join(prefix, at.UTC().Format("2006/01/02"), runID, name)
}

// Router fetches gs:// URIs from GCS and anything else from the local disk.
type Router struct {
	GCS   Archiver
	Local Archiver
}

// Fetch dispatches on the URI scheme.
func (r Router) Fetch(ctx context.Context, uri string) (*domain.RawArtifact, error) {
	if strings.HasPrefix(uri, "gs://") {
		if r.GCS == nil {
			return nil, &domain.ValidationError{Field: "uri", Msg: "GCS archive is not configured"}
		}
		return r.GCS.Fetch(ctx, uri)
	}
	if r.Local == nil {
		return nil, &domain.ValidationError{Field: "uri", Msg: "local archive is not configured"}
	}
	return r.Local.Fetch(ctx, uri)
}
