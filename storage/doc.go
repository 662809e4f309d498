// Package storage provides the in-memory key-value store.
//
// Keys are spread across shards selected by an xxhash of the key, each
// shard guarded by its own lock, so readers on other goroutines (metrics
// scrapes, diagnostics) never race the goroutine that mutates the store.
//
// Basic usage:
//
//	store := storage.NewMemory()
//	err := store.Set("key", []byte("value"), nil)
//	value, exists := store.Get("key")
//
// Expiry is lazy: a key whose deadline has passed is removed the next time
// Get touches it. There is no background sweep, and Keys skips expired
// entries without removing them.
package storage
