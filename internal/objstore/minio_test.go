package objstore

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestMinio points a MinioStore at a local fake S3 endpoint.
func newTestMinio(t *testing.T, handler http.Handler) *MinioStore {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	s, err := NewMinio(Config{
		Endpoint:  u.Host,
		AccessKey: "test",
		SecretKey: "test",
		Bucket:    "audit-artifacts",
	})
	require.NoError(t, err)
	return s
}

func TestNewMinio_RequiresEndpoint(t *testing.T) {
	_, err := NewMinio(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoint")
}

func TestMinioGetJSON_MissingKeyIsNotFound(t *testing.T) {
	s := newTestMinio(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>` +
			`<Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`))
	}))

	var out map[string]any
	err := s.GetJSON(context.Background(), "audit-artifacts", "temp/url-enrichment/ghost/metadata.json", &out)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound), "missing keys must surface the sentinel, got %v", err)
}

func TestIsNoSuchKey(t *testing.T) {
	assert.True(t, isNoSuchKey(minio.ErrorResponse{Code: "NoSuchKey"}))
	assert.True(t, isNoSuchKey(minio.ErrorResponse{Code: "NoSuchBucket"}))
	assert.False(t, isNoSuchKey(minio.ErrorResponse{Code: "AccessDenied"}))
	assert.False(t, isNoSuchKey(errors.New("connection refused")))
}
