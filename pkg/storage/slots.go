// Package storage defines the key-value slot contract used to persist baskets.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key has never been written or was deleted.
var ErrNotFound = errors.New("slot not found")

// Slots is a flat key-value store where each value is an opaque blob.
// Writes overwrite the whole value; there is no merge or versioning.
type Slots interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}
