package archive

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/payu-reconciler/internal/domain"
)

func TestParseGCSURI(t *testing.T) {
	tests := []struct {
		uri        string
		wantBucket string
		wantObject string
		wantErr    bool
	}{
		{uri: "gs://bucket/payu/orders.csv", wantBucket: "bucket", wantObject: "payu/orders.csv"},
		{uri: "gs://bucket", wantErr: true},
		{uri: "gs://bucket/", wantErr: true},
		{uri: "/tmp/orders.csv", wantErr: true},
	}
	for _, tt := range tests {
		bucket, object, err := ParseGCSURI(tt.uri)
		if tt.wantErr {
			assert.Error(t, err, tt.uri)
			continue
		}
		require.NoError(t, err, tt.uri)
		assert.Equal(t, tt.wantBucket, bucket)
		assert.Equal(t, tt.wantObject, object)
	}
}

func TestFileName(t *testing.T) {
	tests := map[string]string{
		"gs://bucket/folder/file.csv": "file.csv",
		"gs://bucket":                 "bucket",
		"/var/reports/orders_1.csv":   "orders_1.csv",
		"orders_1.csv":                "orders_1.csv",
	}
	for in, want := range tests {
		assert.Equal(t, want, FileName(in), in)
	}
}

func TestObjectName(t *testing.T) {
	at := time.Date(2024, 5, 1, 23, 0, 0, 0, time.FixedZone("COT", -5*3600))
	got := objectName("payu-reports", "run-1", "ORDERS_123.csv", at)
	assert.Equal(t, "payu-reports/2024/05/02/run-1/ORDERS_123.csv", got)

	assert.Equal(t, "2024/05/02/run-1/report.csv", objectName("", "run-1", "", at))
}

func TestLocalArchiver_RoundTrip(t *testing.T) {
	ctx := context.Background()
	a, err := NewLocalArchiver(filepath.Join(t.TempDir(), "reports"))
	require.NoError(t, err)

	artifact := &domain.RawArtifact{Ref: "orders_1.csv", Format: domain.FormatCSV, Data: []byte("a;b\n1;2\n")}
	uri, err := a.Store(ctx, "run-1", artifact)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(uri, filepath.Join("run-1", "orders_1.csv")))

	got, err := Router{Local: a}.Fetch(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, artifact.Data, got.Data)
	assert.Equal(t, "orders_1.csv", got.Ref)

	require.NoError(t, a.Remove(uri))
	require.NoError(t, a.Remove(uri), "removing twice is a no-op")

	_, err = a.Fetch(ctx, uri)
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestRouter_RequiresConfiguredBackend(t *testing.T) {
	_, err := Router{}.Fetch(context.Background(), "gs://bucket/x.csv")
	assert.True(t, errors.Is(err, domain.ErrValidation))

	_, err = Router{}.Fetch(context.Background(), "/tmp/x.csv")
	assert.True(t, errors.Is(err, domain.ErrValidation))
}
