package storage

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// shard represents a single shard of data with its own lock
type shard struct {
	mu   sync.RWMutex
	data map[string]Entry
}

// MemoryStorage implements an in-memory storage engine
type MemoryStorage struct {
	// Guards observers
	mu     sync.RWMutex
	shards []shard

	// Sharding configuration
	shardCount int
	shardMask  uint64

	observers []StorageObserver

	expiredKeys atomic.Int64
	now         func() time.Time
}

// MemoryOption is a function that configures a MemoryStorage instance
type MemoryOption func(*MemoryStorage)

// WithShardCount sets the number of shards for the storage
// The number is automatically rounded up to the next power of 2 for optimal performance
func WithShardCount(count int) MemoryOption {
	return func(s *MemoryStorage) {
		if count > 0 {
			s.shardCount = nextPowerOf2(count)
			s.shardMask = uint64(s.shardCount - 1)
		}
	}
}

// WithClock replaces the time source used for expiry checks
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStorage) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemory creates a new in-memory storage instance with default number of shards (64)
func NewMemory(opts ...MemoryOption) *MemoryStorage {
	s := &MemoryStorage{
		shardCount: 64,
		shardMask:  63,
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.shards = newShards(s.shardCount)
	return s
}

func newShards(n int) []shard {
	shards := make([]shard, n)
	for i := range shards {
		shards[i].data = make(map[string]Entry)
	}
	return shards
}

// nextPowerOf2 returns the next power of 2 >= n
func nextPowerOf2(n int) int {
	if n <= 1 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}

// shardFor computes the hash for a key and returns its shard
func (s *MemoryStorage) shardFor(key string) *shard {
	return &s.shards[xxhash.Sum64String(key)&s.shardMask]
}

// AddObserver registers a storage event observer
func (s *MemoryStorage) AddObserver(observer StorageObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, observer)
}

func (s *MemoryStorage) notify(fn func(StorageObserver)) {
	s.mu.RLock()
	observers := s.observers
	s.mu.RUnlock()

	for _, observer := range observers {
		fn(observer)
	}
}

// Get retrieves a value by key. An expired key is removed and reported absent.
func (s *MemoryStorage) Get(key string) ([]byte, bool) {
	sh := s.shardFor(key)

	sh.mu.RLock()
	entry, exists := sh.data[key]
	sh.mu.RUnlock()

	if !exists {
		s.notify(func(o StorageObserver) { o.OnKeyAccessed(key, false) })
		return nil, false
	}

	if entry.expiredAt(s.now()) {
		s.deleteExpiredKey(sh, key)
		s.notify(func(o StorageObserver) { o.OnKeyAccessed(key, false) })
		return nil, false
	}

	result := make([]byte, len(entry.Data))
	copy(result, entry.Data)

	s.notify(func(o StorageObserver) { o.OnKeyAccessed(key, true) })
	return result, true
}

// Set stores a value with optional expiration, replacing any previous entry
func (s *MemoryStorage) Set(key string, value []byte, expiry *time.Time) error {
	sh := s.shardFor(key)
	entry := cloneEntry(Entry{Data: value, Expiry: expiry})

	sh.mu.Lock()
	sh.data[key] = entry
	sh.mu.Unlock()

	s.notify(func(o StorageObserver) { o.OnKeySet(key, value) })
	return nil
}

// Remove deletes a key and returns the entry it held
func (s *MemoryStorage) Remove(key string) (Entry, bool) {
	sh := s.shardFor(key)

	sh.mu.Lock()
	entry, exists := sh.data[key]
	if exists {
		delete(sh.data, key)
	}
	sh.mu.Unlock()

	if exists {
		s.notify(func(o StorageObserver) { o.OnKeyDeleted(key) })
	}
	return entry, exists
}

// Lookup returns the raw entry for key, expired or not, without evicting it
func (s *MemoryStorage) Lookup(key string) (Entry, bool) {
	sh := s.shardFor(key)

	sh.mu.RLock()
	defer sh.mu.RUnlock()

	entry, exists := sh.data[key]
	if !exists {
		return Entry{}, false
	}
	return cloneEntry(entry), true
}

// Keys returns all live keys matching the pattern, sorted.
// Pattern supports glob-style patterns:
// * matches any number of characters (including zero)
// ? matches a single character
// [abc] matches any character in the brackets
// [a-z] matches any character in the range
// Expired keys are skipped but left in place.
func (s *MemoryStorage) Keys(pattern string) []string {
	now := s.now()
	keys := make([]string, 0)

	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()

		for key, entry := range sh.data {
			if entry.expiredAt(now) {
				continue
			}
			if pattern == "*" || MatchPattern(key, pattern) {
				keys = append(keys, key)
			}
		}

		sh.mu.RUnlock()
	}

	sort.Strings(keys)
	return keys
}

// KeyCount returns the number of keys held, including not yet evicted expired keys
func (s *MemoryStorage) KeyCount() int64 {
	count := int64(0)

	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		count += int64(len(sh.data))
		sh.mu.RUnlock()
	}

	return count
}

// ExpiresCount returns the number of keys that carry an expiry
func (s *MemoryStorage) ExpiresCount() int64 {
	count := int64(0)

	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, entry := range sh.data {
			if entry.Expiry != nil {
				count++
			}
		}
		sh.mu.RUnlock()
	}

	return count
}

// ExpiredKeys returns how many keys have been lazily evicted so far
func (s *MemoryStorage) ExpiredKeys() int64 {
	return s.expiredKeys.Load()
}

// Flush removes all keys
func (s *MemoryStorage) Flush() {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		sh.data = make(map[string]Entry)
		sh.mu.Unlock()
	}
}

// Load inserts every entry, overwriting keys that already exist
func (s *MemoryStorage) Load(entries map[string]Entry) {
	for key, entry := range entries {
		sh := s.shardFor(key)
		sh.mu.Lock()
		sh.data[key] = cloneEntry(entry)
		sh.mu.Unlock()
	}
}

// deleteExpiredKey deletes key if it is still expired under the write lock
func (s *MemoryStorage) deleteExpiredKey(sh *shard, key string) {
	sh.mu.Lock()
	entry, exists := sh.data[key]
	if !exists || !entry.expiredAt(s.now()) {
		sh.mu.Unlock()
		return
	}
	delete(sh.data, key)
	sh.mu.Unlock()

	s.expiredKeys.Add(1)
	s.notify(func(o StorageObserver) { o.OnKeyExpired(key) })
}
