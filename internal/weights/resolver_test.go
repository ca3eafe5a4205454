package weights

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geoseg-backend/internal/core/zoo"
	"geoseg-backend/internal/storage"
)

func TestResolveColdStart(t *testing.T) {
	r := NewResolver(t.TempDir(), nil)

	p, err := r.Resolve(context.Background(), &zoo.Descriptor{Name: "cold"})
	require.NoError(t, err)
	assert.Empty(t, p)
}

func TestResolveLocalPath(t *testing.T) {
	weightFile := filepath.Join(t.TempDir(), "weights.onnx")
	require.NoError(t, os.WriteFile(weightFile, []byte("weights"), 0644))

	r := NewResolver(t.TempDir(), nil)

	p, err := r.Resolve(context.Background(), &zoo.Descriptor{Name: "local", WeightPath: weightFile})
	require.NoError(t, err)
	assert.Equal(t, weightFile, p)
}

func TestResolveLocalPathMissing(t *testing.T) {
	r := NewResolver(t.TempDir(), nil)

	_, err := r.Resolve(context.Background(), &zoo.Descriptor{
		Name:       "local",
		WeightPath: filepath.Join(t.TempDir(), "missing.onnx"),
	})
	require.Error(t, err)
}

func TestResolveDownloadAndCache(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Write([]byte("weight bytes")) //nolint:errcheck
	}))
	defer server.Close()

	cacheDir := t.TempDir()
	r := NewResolver(cacheDir, nil)

	descriptor := &zoo.Descriptor{Name: "remote", WeightURL: server.URL + "/weights.onnx"}

	p, err := r.Resolve(context.Background(), descriptor)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cacheDir, "remote", "weights.onnx"), p)

	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "weight bytes", string(data))

	// Second resolve hits the cache, not the server.
	p2, err := r.Resolve(context.Background(), descriptor)
	require.NoError(t, err)
	assert.Equal(t, p, p2)
	assert.Equal(t, 1, requests)
}

func TestResolveDownloadServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer server.Close()

	r := NewResolver(t.TempDir(), nil)

	_, err := r.Resolve(context.Background(), &zoo.Descriptor{Name: "remote", WeightURL: server.URL + "/weights.onnx"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status")
}

func TestResolveS3URL(t *testing.T) {
	storeDir := t.TempDir()
	store, err := storage.NewLocalObjectStore(storeDir)
	require.NoError(t, err)
	require.NoError(t, store.PutObject(context.Background(), "geoseg-models", "remote/weights.onnx", bytes.NewReader([]byte("s3 weights"))))

	cacheDir := t.TempDir()
	r := NewResolver(cacheDir, store)

	p, err := r.Resolve(context.Background(), &zoo.Descriptor{Name: "remote", WeightURL: "s3://geoseg-models/remote/weights.onnx"})
	require.NoError(t, err)

	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "s3 weights", string(data))
}

func TestResolveS3URLWithoutStore(t *testing.T) {
	r := NewResolver(t.TempDir(), nil)

	_, err := r.Resolve(context.Background(), &zoo.Descriptor{Name: "remote", WeightURL: "s3://bucket/weights.onnx"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires an object store")
}

func TestResolveUnsupportedScheme(t *testing.T) {
	r := NewResolver(t.TempDir(), nil)

	_, err := r.Resolve(context.Background(), &zoo.Descriptor{Name: "remote", WeightURL: "ftp://example.com/weights.onnx"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported weight url scheme")
}
