// Package objectstore defines the remote-store client contract: the core
// request-handling engine (internal/proxy) depends only on the Client
// interface below, never on the AWS SDK directly.
package objectstore

import (
	"context"
	"io"
)

// Client is the remote object-store contract the router depends on.
// Implementations classify their own errors; internal/proxy uses Classify
// to interpret them.
type Client interface {
	// GetObject fetches the full body of key. Returns ErrNotFound (wrapped)
	// if the object does not exist.
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error)

	// HeadObject checks for the existence of key without fetching its body.
	// Returns ErrNotFound (wrapped) if the object does not exist.
	HeadObject(ctx context.Context, bucket, key string) error

	// PutObject uploads body (of the given size) to key, granting the
	// bucket owner full control via ACL.
	PutObject(ctx context.Context, bucket, key string, body io.Reader, size int64) error

	// DeleteObject removes key from the remote store. Deleting a
	// nonexistent key is not itself an error at this layer.
	DeleteObject(ctx context.Context, bucket, key string) error
}
