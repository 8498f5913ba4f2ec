// Package artifact publishes the files a finished job leaves behind (the
// generated document and its log) to durable storage.
//
// Stores implement a minimal write-and-verify surface. Authentication uses
// SDK default credential chains; stores do not implement custom auth logic.
package artifact

import (
	"context"
	"io"
	"time"
)

// Store is a destination for published artifacts.
//
// Implementations should:
//   - Overwrite existing objects atomically where the backend allows it
//   - Be safe for concurrent use
type Store interface {
	// Put uploads body under key. size is the exact body length.
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error

	// Head returns metadata for a single object.
	// Returns ErrNotFound if the object does not exist.
	Head(ctx context.Context, key string) (*ObjectMeta, error)

	// URL renders key as a location a user can paste, e.g. s3://bucket/key.
	URL(key string) string

	// Close releases any resources held by the store.
	Close() error
}

// ObjectMeta describes a stored object.
type ObjectMeta struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
	ContentType  string
}

// StoreType identifies a storage backend.
type StoreType string

const (
	StoreFile StoreType = "file"
	StoreS3   StoreType = "s3"
)

func (t StoreType) String() string {
	return string(t)
}
