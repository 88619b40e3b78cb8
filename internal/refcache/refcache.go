// Package refcache is a bounded, byte-weighted, concurrent cache for
// reference baselines. No Go port of moka (the original's cache library)
// exists; github.com/dgraph-io/ristretto is the closest ecosystem
// equivalent — a concurrent, cost-aware cache with admission/eviction
// policies and lock-free reads.
package refcache

import (
	"github.com/dgraph-io/ristretto"

	"github.com/beshu-tech/deltaglider-proxy/internal/metrics"
)

// Cache holds hot reference baselines keyed by "{bucket}/{prefix}". Entries
// are weighted by byte length, not by count: a 50 MB entry consumes fifty
// times the budget of a 1 MB entry.
type Cache struct {
	ristretto *ristretto.Cache
}

// New creates a Cache whose total weighted size never exceeds maxSizeMB
// megabytes.
func New(maxSizeMB int) (*Cache, error) {
	maxBytes := int64(maxSizeMB) * 1024 * 1024
	if maxBytes <= 0 {
		maxBytes = 1
	}
	rc, err := ristretto.NewCache(&ristretto.Config{
		// NumCounters sizes ristretto's internal admission-frequency sketch;
		// ~10x the expected number of distinct keys is the library's own
		// recommendation for tracking hit frequency accurately.
		NumCounters: maxBytes / 1024 * 10,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{ristretto: rc}, nil
}

// Get returns the cached bytes for key, or ok=false on a miss. The returned
// slice is shared; callers must never mutate through it.
func (c *Cache) Get(key string) (data []byte, ok bool) {
	v, found := c.ristretto.Get(key)
	if !found {
		metrics.ReferenceCacheMissesTotal.Inc()
		return nil, false
	}
	metrics.ReferenceCacheHitsTotal.Inc()
	return v.([]byte), true
}

// Put inserts data under key, weighted by its byte length. It blocks until
// the insertion is visible to subsequent Get calls, matching the cache
// coherence invariant that a populate-after-write must be observable by
// the very next read.
func (c *Cache) Put(key string, data []byte) {
	c.ristretto.Set(key, data, int64(len(data)))
	c.ristretto.Wait()
}

// Invalidate removes key from the cache. It blocks until the removal is
// visible to subsequent Get calls.
func (c *Cache) Invalidate(key string) {
	c.ristretto.Del(key)
	c.ristretto.Wait()
}

// Close releases the cache's background goroutines.
func (c *Cache) Close() {
	c.ristretto.Close()
}
