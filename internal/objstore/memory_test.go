package objstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testDoc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestMemory_PutGetRoundTrip(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	in := testDoc{Name: "acme", Count: 3}
	require.NoError(t, s.PutJSON(ctx, "audits", "temp/x/doc.json", in))

	var out testDoc
	require.NoError(t, s.GetJSON(ctx, "audits", "temp/x/doc.json", &out))
	assert.Equal(t, in, out)
}

func TestMemory_GetMissingReturnsNotFound(t *testing.T) {
	s := NewMemory()

	var out testDoc
	err := s.GetJSON(context.Background(), "audits", "nope.json", &out)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMemory_BucketsAreIsolated(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	require.NoError(t, s.PutJSON(ctx, "a", "k.json", testDoc{Name: "in-a"}))

	var out testDoc
	err := s.GetJSON(ctx, "b", "k.json", &out)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMemory_DeleteIsIdempotent(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	require.NoError(t, s.PutJSON(ctx, "audits", "k.json", testDoc{}))
	require.NoError(t, s.Delete(ctx, "audits", "k.json"))
	// Second delete of the same key must not error.
	require.NoError(t, s.Delete(ctx, "audits", "k.json"))

	ok, err := s.Exists(ctx, "audits", "k.json")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory_OverwriteReplaces(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	require.NoError(t, s.PutJSON(ctx, "audits", "k.json", testDoc{Name: "v1"}))
	require.NoError(t, s.PutJSON(ctx, "audits", "k.json", testDoc{Name: "v2"}))

	var out testDoc
	require.NoError(t, s.GetJSON(ctx, "audits", "k.json", &out))
	assert.Equal(t, "v2", out.Name)
	assert.Equal(t, 1, s.Len())
}

func TestMemory_CancelledContext(t *testing.T) {
	s := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.PutJSON(ctx, "audits", "k.json", testDoc{})
	assert.Error(t, err)
}

func TestNew_SelectsDriver(t *testing.T) {
	s, err := New(Config{Driver: "memory"})
	require.NoError(t, err)
	_, ok := s.(*MemoryStore)
	assert.True(t, ok)

	_, err = New(Config{Driver: "bogus"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown driver")

	_, err = New(Config{Driver: "minio"})
	require.Error(t, err) // endpoint required
	assert.Contains(t, err.Error(), "endpoint")
}
