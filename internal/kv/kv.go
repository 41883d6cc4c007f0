// Package kv provides the local key-value persistence used for settings, the
// observable store collections and the image upload queue.
package kv

import "context"

// Storage is a string key-value store with AsyncStorage-like semantics.
type Storage interface {
	// GetItem returns the value for key. ok is false when the key is absent.
	GetItem(ctx context.Context, key string) (value string, ok bool, err error)
	SetItem(ctx context.Context, key, value string) error
	// RemoveItem deletes key. Removing a missing key is not an error.
	RemoveItem(ctx context.Context, key string) error
	MultiRemove(ctx context.Context, keys []string) error
}
