package storage

import (
	"fmt"

	"github.com/ctessum/sparse"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/microstitch/supertile/supertile"
)

// DefaultCacheSize bounds the number of tiles held in memory per cache.
const DefaultCacheSize = 1000

type cacheEntry struct {
	data  *sparse.DenseArray
	saved bool
}

// TileCache is a bounded write-back cache in front of a backend loader and
// saver.  Saves are accepted immediately and marked dirty; dirty entries are
// persisted when evicted, flushed, or removed, so the cache never silently
// drops unsaved data.  Any load or save touches the key, making it the most
// recently used.
type TileCache struct {
	cache *lru.Cache[string, *cacheEntry]

	load   func(key string) (*sparse.DenseArray, error)
	save   func(key string, data *sparse.DenseArray) error
	onDisk func(key string) bool

	// evictErr holds the first error hit while persisting an evicted dirty
	// entry.  LRU eviction happens inside the container's callback which
	// can't return an error, so it is surfaced on the next cache operation.
	evictErr error
}

// NewTileCache returns a write-back cache of at most maxSize tiles.  load
// fetches a tile from the backend, save persists one, and onDisk reports
// whether the backend already holds a durable copy.
func NewTileCache(maxSize int,
	load func(key string) (*sparse.DenseArray, error),
	save func(key string, data *sparse.DenseArray) error,
	onDisk func(key string) bool) (*TileCache, error) {

	if maxSize <= 0 {
		maxSize = DefaultCacheSize
	}
	tc := &TileCache{load: load, save: save, onDisk: onDisk}
	cache, err := lru.NewWithEvict(maxSize, tc.onEvict)
	if err != nil {
		return nil, err
	}
	tc.cache = cache
	return tc, nil
}

// onEvict persists dirty entries before their slot is reclaimed.
func (tc *TileCache) onEvict(key string, entry *cacheEntry) {
	if entry.saved {
		return
	}
	if err := tc.save(key, entry.data); err != nil {
		supertile.Criticalf("unable to persist evicted tile %q: %v\n", key, err)
		if tc.evictErr == nil {
			tc.evictErr = fmt.Errorf("unable to persist evicted tile %q: %v", key, err)
		}
		return
	}
	entry.saved = true
}

// takeEvictErr returns and clears any pending eviction failure.
func (tc *TileCache) takeEvictErr() error {
	err := tc.evictErr
	tc.evictErr = nil
	return err
}

// Load returns the cached tile for key, falling back to the backend and
// inserting the result as clean.
func (tc *TileCache) Load(key string) (*sparse.DenseArray, error) {
	if entry, found := tc.cache.Get(key); found {
		return entry.data, tc.takeEvictErr()
	}
	data, err := tc.load(key)
	if err != nil {
		return nil, err
	}
	tc.cache.Add(key, &cacheEntry{data: data, saved: true})
	if err := tc.takeEvictErr(); err != nil {
		return nil, err
	}
	return data, nil
}

// Save inserts or overwrites the entry for key as dirty without touching the
// backend.
func (tc *TileCache) Save(key string, data *sparse.DenseArray) error {
	tc.cache.Add(key, &cacheEntry{data: data, saved: false})
	return tc.takeEvictErr()
}

// Exists is true if key is cached or present on the backend.
func (tc *TileCache) Exists(key string) bool {
	if tc.cache.Contains(key) {
		return true
	}
	return tc.onDisk(key)
}

// Remove evicts key from the cache without persisting it.  Callers use this
// when deleting a tile, where writing the entry out first would be wasted
// work; backend deletion is the caller's responsibility.  A pending eviction
// failure from another key stays queued for the next operation.
func (tc *TileCache) Remove(key string) {
	if entry, found := tc.cache.Peek(key); found {
		entry.saved = true // suppress the write-back in onEvict
		tc.cache.Remove(key)
	}
}

// Flush persists every dirty entry.
func (tc *TileCache) Flush() error {
	for _, key := range tc.cache.Keys() {
		entry, found := tc.cache.Peek(key)
		if !found || entry.saved {
			continue
		}
		if err := tc.save(key, entry.data); err != nil {
			return fmt.Errorf("unable to flush tile %q: %v", key, err)
		}
		entry.saved = true
	}
	return tc.takeEvictErr()
}

// Purge flushes then clears the entire cache.
func (tc *TileCache) Purge() error {
	if err := tc.Flush(); err != nil {
		return err
	}
	tc.cache.Purge()
	return tc.takeEvictErr()
}

// Len returns the number of cached tiles.
func (tc *TileCache) Len() int {
	return tc.cache.Len()
}
