package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key has no object.
var ErrNotFound = errors.New("object not found")

// PhotoStore holds item photos under opaque keys. Interactive uploads go
// straight from client applications to the bucket; the service writes
// only photos that arrive through bulk imports.
type PhotoStore interface {
	// Upload stores data under key.
	Upload(ctx context.Context, key string, data []byte, contentType string) error

	// Load reads the whole object, refusing objects larger than maxBytes.
	Load(ctx context.Context, key string, maxBytes int64) ([]byte, error)

	// Delete removes an object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists checks if an object exists.
	Exists(ctx context.Context, key string) (bool, error)

	// URL returns the public URL of an object.
	URL(key string) string
}
