// Package weights resolves a model descriptor's pretrained-weight source
// to a local file the training runtime can open.
package weights

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/schollz/progressbar/v3"

	"geoseg-backend/internal/core/zoo"
	"geoseg-backend/internal/storage"
)

type Resolver struct {
	client   *resty.Client
	store    storage.ObjectStore
	cacheDir string
}

// NewResolver creates a resolver that caches downloads under cacheDir.
// store may be nil if no s3:// weight sources are used.
func NewResolver(cacheDir string, store storage.ObjectStore) *Resolver {
	return &Resolver{
		client:   resty.New(),
		store:    store,
		cacheDir: cacheDir,
	}
}

// Resolve returns the local path of the descriptor's weights, downloading
// them if needed. The empty string means cold-start training: the
// descriptor names no weight source.
func (r *Resolver) Resolve(ctx context.Context, d *zoo.Descriptor) (string, error) {
	switch {
	case d.WeightPath != "":
		if _, err := os.Stat(d.WeightPath); err != nil {
			return "", fmt.Errorf("weight file for model %q: %w", d.Name, err)
		}
		return d.WeightPath, nil

	case d.WeightURL != "":
		return r.fetch(ctx, d.Name, d.WeightURL)

	default:
		return "", nil
	}
}

func (r *Resolver) fetch(ctx context.Context, modelName, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid weight url %q: %w", rawURL, err)
	}

	filename := path.Base(u.Path)
	if filename == "" || filename == "/" || filename == "." {
		return "", fmt.Errorf("weight url %q has no file component", rawURL)
	}

	dest := filepath.Join(r.cacheDir, modelName, filename)
	if _, err := os.Stat(dest); err == nil {
		slog.Info("using cached weights", "model", modelName, "path", dest)
		return dest, nil
	}

	switch u.Scheme {
	case "http", "https":
		if err := r.download(ctx, rawURL, dest); err != nil {
			return "", err
		}
	case "s3":
		if r.store == nil {
			return "", fmt.Errorf("weight url %q requires an object store, but none is configured", rawURL)
		}
		key := strings.TrimPrefix(u.Path, "/")
		if err := r.store.DownloadObject(ctx, u.Host, key, dest); err != nil {
			return "", fmt.Errorf("downloading weights from %q: %w", rawURL, err)
		}
	default:
		return "", fmt.Errorf("unsupported weight url scheme %q in %q", u.Scheme, rawURL)
	}

	return dest, nil
}

func (r *Resolver) download(ctx context.Context, rawURL, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), os.ModePerm); err != nil {
		return fmt.Errorf("failed to create weight cache dir: %w", err)
	}

	resp, err := r.client.R().SetContext(ctx).SetDoNotParseResponse(true).Get(rawURL)
	if err != nil {
		return fmt.Errorf("fetching weights from %q: %w", rawURL, err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() != 200 {
		return fmt.Errorf("fetching weights from %q: unexpected status %s", rawURL, resp.Status())
	}

	// Download into a temp file and rename so an interrupted download never
	// leaves a truncated file in the cache.
	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".part-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	bar := progressbar.DefaultBytes(resp.RawResponse.ContentLength, "downloading weights")
	if _, err := io.Copy(io.MultiWriter(tmp, bar), body); err != nil {
		tmp.Close()
		return fmt.Errorf("downloading weights from %q: %w", rawURL, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("failed to move weights into cache: %w", err)
	}

	slog.Info("weights downloaded", "url", rawURL, "path", dest)
	return nil
}
