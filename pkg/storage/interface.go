package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned by Read when no object exists for the key.
var ErrNotFound = errors.New("storage: object not found")

// FileInfo represents metadata about a stored file.
type FileInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Storage is where captured stills and small local state documents end up.
type Storage interface {
	// Write stores content from the reader with the given key.
	// The size parameter is the expected content size (-1 if unknown).
	Write(ctx context.Context, key string, r io.Reader, size int64, contentType string) error

	// Read retrieves content for the given key. The caller closes the reader.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the content with the given key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// List returns every object whose key starts with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]FileInfo, error)

	// Exists checks if content with the given key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// GetURL returns a location for the content: a file path for local
	// storage, a public or presigned URL for S3.
	GetURL(ctx context.Context, key string, expires time.Duration) (string, error)
}
