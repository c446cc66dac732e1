//go:build integration

package blob

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMinioStore(t *testing.T) {
	endpoint := os.Getenv("MINIO_ENDPOINT")
	if endpoint == "" {
		endpoint = "localhost:9000"
	}
	ctx := context.Background()

	s, err := NewMinioStore(ctx, MinioConfig{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("MINIO_SECRET_KEY"),
		Bucket:    "ragdesk-test",
	}, nil)
	if err != nil {
		t.Skipf("MinIO not available: %v", err)
	}

	key := TextKey("tenant", "source")
	require.NoError(t, s.Put(ctx, key, []byte("extracted"), "text/plain"))

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "extracted", string(got))

	require.NoError(t, s.Delete(ctx, key))
	_, err = s.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)
}
