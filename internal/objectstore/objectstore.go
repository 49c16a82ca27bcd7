// Package objectstore abstracts the S3-compatible blob store the engines
// read from and write to.
package objectstore

import (
	"context"
	"io"
	"time"
)

// ObjectStore is the narrow contract the engines need from blob storage.
// The shared client instance is constructed once at startup and injected
// into both engines.
type ObjectStore interface {
	// Put uploads an object. Size may be -1 when unknown.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error

	// Get opens a read stream for the object. The caller owns the closer.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// SignedURL returns a presigned GET URL valid for the given duration.
	SignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)

	// Delete removes the object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
