package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrObjectNotFound is returned by Get and Exists callers when the key is absent.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore is the durable object storage used for segments and deliverables.
type ObjectStore interface {
	// Put stores body under key and returns a reference URL.
	Put(ctx context.Context, key, contentType string, body io.Reader, size int64) (string, error)
	// Get returns the object body. Caller must close it.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}
