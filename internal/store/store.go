// Package store implements the local object store behind the version-state
// cache.
//
// Objects are addressed by the sha256 of their content and compressed at
// rest. Refs are small files mapping a slash-separated name to an object
// hash. Recently used objects are kept in an in-memory LRU.
package store

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("store: not found")

// Store handles local content storage.
type Store interface {
	// Get retrieves an object by hash.
	Get(ctx context.Context, hash string) ([]byte, error)

	// Put stores an object and returns its hash.
	Put(ctx context.Context, data []byte) (hash string, err error)

	// Has checks if an object exists.
	Has(ctx context.Context, hash string) (bool, error)

	// GetRef resolves a ref to an object hash.
	GetRef(ref string) (string, error)

	// PutRef points a ref at an object hash.
	PutRef(ref, hash string) error

	// DeleteRef removes a ref. Missing refs are not an error.
	DeleteRef(ref string) error

	// Evict removes an object from the memory cache (not from disk).
	Evict(hash string)

	// Clear empties the memory cache.
	Clear()
}
