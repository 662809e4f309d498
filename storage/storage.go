package storage

import "time"

// Store defines the key-value operations the command interpreter and the
// snapshot loader rely on. Absence of a key is not an error.
type Store interface {
	// String operations
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, expiry *time.Time) error
	Remove(key string) (Entry, bool)

	// Raw lookup without lazy eviction
	Lookup(key string) (Entry, bool)

	// Key operations
	Keys(pattern string) []string
	KeyCount() int64
	ExpiresCount() int64
	Flush()

	// Bulk load from a decoded snapshot
	Load(entries map[string]Entry)
}

// StorageObserver provides hooks for storage events
type StorageObserver interface {
	OnKeySet(key string, value []byte)
	OnKeyDeleted(key string)
	OnKeyExpired(key string)
	OnKeyAccessed(key string, hit bool)
}
