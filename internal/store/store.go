// Package store provides the key-value persistence the order, cart,
// and payment services keep their entities in. Values are opaque JSON
// blobs; each service owns its own key prefix.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get for keys that do not exist.
var ErrNotFound = errors.New("key not found")

// KV is the entity store contract. SetNX is the atomic first-writer
// insert the saga uses so only one replica materializes an entity.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	SetNX(ctx context.Context, key string, value []byte) (bool, error)
	Delete(ctx context.Context, key string) error
	// List returns the values of every key with the prefix. Order is
	// unspecified; callers sort if they care.
	List(ctx context.Context, prefix string) ([][]byte, error)
}
