package signalstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no record exists under the key.
var ErrNotFound = errors.New("signalstore: key not found")

// Store is the coordination contract shared by all waved components.
//
// Put must be an atomic create-or-replace: a concurrent Get either observes
// the previous complete value or the new complete value, never a partial
// write. Delete of a missing key is not an error.
type Store interface {
	// Put atomically creates or replaces the value under key.
	Put(ctx context.Context, key string, value []byte) error

	// Get returns the value under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes the key. Deleting a missing key is a no-op.
	Delete(ctx context.Context, key string) error

	// List returns all keys with the given prefix, in unspecified order.
	List(ctx context.Context, prefix string) ([]string, error)
}
