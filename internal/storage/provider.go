package storage

import (
	"context"
	"io"
)

type Object struct {
	Name string
	Size int64
}

// ObjectStore abstracts where weight files and training artifacts live: a
// local directory in single-node mode, S3 (or MinIO) in service mode.
type ObjectStore interface {
	CreateBucket(ctx context.Context, bucket string) error

	GetObject(ctx context.Context, bucket, key string) ([]byte, error)

	DownloadObject(ctx context.Context, bucket, key, filename string) error

	PutObject(ctx context.Context, bucket, key string, data io.Reader) error

	ListObjects(ctx context.Context, bucket, prefix string) ([]Object, error)

	// DeleteObjects removes every object under prefix.
	DeleteObjects(ctx context.Context, bucket, prefix string) error

	// DownloadDir mirrors every object under prefix into dest, preserving
	// relative paths. With overwrite false an existing dest is an error.
	DownloadDir(ctx context.Context, bucket, prefix, dest string, overwrite bool) error

	// UploadDir uploads every file under src to prefix, preserving
	// relative paths.
	UploadDir(ctx context.Context, bucket, prefix, src string) error
}
