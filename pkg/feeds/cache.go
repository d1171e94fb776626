package feeds

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

// ResultCache stores reputation results until an expiry chosen at write
// time. Expiry is enforced on read: an expired entry is a miss.
type ResultCache interface {
	Get(key string, now time.Time) (ReputationResult, bool)
	Put(key string, result ReputationResult, expiresAt time.Time) error
}

type cacheEntry struct {
	Result    ReputationResult `json:"result"`
	ExpiresAt time.Time        `json:"expires_at"`
}

// MemoryCache is a process-local ResultCache.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewMemoryCache returns an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]cacheEntry)}
}

// Get returns the cached result for key if it has not expired.
func (c *MemoryCache) Get(key string, now time.Time) (ReputationResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return ReputationResult{}, false
	}
	if !now.Before(e.ExpiresAt) {
		delete(c.entries, key)
		return ReputationResult{}, false
	}
	return e.Result, true
}

// Put stores result under key until expiresAt.
func (c *MemoryCache) Put(key string, result ReputationResult, expiresAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{Result: result, ExpiresAt: expiresAt}
	return nil
}

// Len returns the number of entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

var bucketReputation = []byte("reputation")

// BoltCache is a ResultCache persisted in a bbolt database so lookups
// survive restarts.
type BoltCache struct {
	db *bbolt.DB
}

// OpenBoltCache opens (or creates) the cache database at path.
func OpenBoltCache(path string) (*BoltCache, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open reputation cache: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketReputation)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create reputation bucket: %w", err)
	}
	return &BoltCache{db: db}, nil
}

// Close closes the database.
func (c *BoltCache) Close() error {
	return c.db.Close()
}

// Get returns the cached result for key if it has not expired. Expired
// entries are removed.
func (c *BoltCache) Get(key string, now time.Time) (ReputationResult, bool) {
	var e cacheEntry
	found := false
	_ = c.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketReputation).Get([]byte(key))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &e); err == nil {
			found = true
		}
		return nil
	})
	if !found {
		return ReputationResult{}, false
	}
	if !now.Before(e.ExpiresAt) {
		_ = c.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(bucketReputation).Delete([]byte(key))
		})
		return ReputationResult{}, false
	}
	return e.Result, true
}

// Put stores result under key until expiresAt.
func (c *BoltCache) Put(key string, result ReputationResult, expiresAt time.Time) error {
	data, err := json.Marshal(cacheEntry{Result: result, ExpiresAt: expiresAt})
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketReputation).Put([]byte(key), data)
	})
}
