package pricing

import (
	"fmt"
	"sync"

	"github.com/Veraticus/the-ledger-must-balance/internal/model"
	"github.com/Veraticus/the-ledger-must-balance/internal/service"
)

// cacheEntry is a remembered lookup. Found is false when the service had no rule.
type cacheEntry struct {
	quote model.PriceQuote
	found bool
}

// quoteCache memoises price lookups for the lifetime of one reconciliation run.
// Quotes are not expected to change mid-run, so entries never expire.
type quoteCache struct {
	entries map[string]cacheEntry
	hits    int
	misses  int
	mu      sync.RWMutex
}

func newQuoteCache() *quoteCache {
	return &quoteCache{
		entries: make(map[string]cacheEntry),
	}
}

func cacheKey(req service.PriceRequest) string {
	return fmt.Sprintf("%s|%s|%s|%s|%d", req.CourseCode, req.StudentID, req.Term, req.Division, req.GroupSize)
}

// get retrieves a lookup from the cache if present.
func (c *quoteCache) get(key string) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[key]
	if exists {
		c.hits++
	} else {
		c.misses++
	}
	return entry, exists
}

// set stores a lookup in the cache.
func (c *quoteCache) set(key string, entry cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry
}

// stats returns hit and miss counters.
func (c *quoteCache) stats() (hits, misses int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses
}
