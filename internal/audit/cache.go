package audit

import (
	"container/list"
	"sync"
	"time"

	"github.com/joestump/gan-auditor/internal/gan"
)

// Cache memoizes reviews by fingerprint with a fixed capacity and TTL.
// Eviction is least-recently-used at capacity; expired entries are evicted
// on read. The cache is process-local and never survives a restart.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List // front = most recently used
	entries  map[string]*list.Element

	hits   uint64
	misses uint64

	// now is swappable for TTL boundary tests.
	now func() time.Time
}

type cacheEntry struct {
	fingerprint string
	review      gan.Review
	storedAt    time.Time
}

// NewCache creates a cache holding up to capacity reviews for at most ttl.
func NewCache(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = 128
	}
	return &Cache{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
		now:      time.Now,
	}
}

// Lookup returns a clone of the cached review for fp, if present and fresh.
// An entry exactly at the TTL is still returned; one past it is evicted.
func (c *Cache) Lookup(fp string) (gan.Review, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[fp]
	if !ok {
		c.misses++
		return gan.Review{}, false
	}
	entry := elem.Value.(*cacheEntry)
	if c.ttl > 0 && c.now().Sub(entry.storedAt) > c.ttl {
		c.order.Remove(elem)
		delete(c.entries, fp)
		c.misses++
		return gan.Review{}, false
	}
	c.order.MoveToFront(elem)
	c.hits++
	return entry.review.Clone(), true
}

// Store records a review under fp, evicting the least recently used entry
// when the cache is full. Storing an existing fingerprint refreshes it.
func (c *Cache) Store(fp string, review gan.Review) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[fp]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.review = review.Clone()
		entry.storedAt = c.now()
		c.order.MoveToFront(elem)
		return
	}

	for c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).fingerprint)
	}

	elem := c.order.PushFront(&cacheEntry{
		fingerprint: fp,
		review:      review.Clone(),
		storedAt:    c.now(),
	})
	c.entries[fp] = elem
}

// Stats returns the lifetime hit and miss counters.
func (c *Cache) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
