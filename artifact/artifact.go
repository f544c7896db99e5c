// Package artifact defines the storage contract for produced download
// artifacts. Backends live in the memory and s3 subpackages.
package artifact

import (
	"context"
	"time"
)

// Object describes a stored artifact.
type Object struct {
	Key  string
	Size int64
}

// Store persists artifacts and hands out time-limited download URLs.
type Store interface {
	// Put stores data under key, replacing any previous object.
	Put(ctx context.Context, key string, data []byte, contentType string) (Object, error)

	// Exists reports whether key is stored and, if so, its metadata.
	Exists(ctx context.Context, key string) (Object, bool, error)

	// Sign returns a URL that downloads key until ttl elapses.
	Sign(ctx context.Context, key string, ttl time.Duration) (string, error)
}
