package retrieval

import (
	"container/list"
	"sync"
	"time"

	"github.com/carebridge/careline/internal/pipeline"
)

const defaultCacheCapacity = 512

// resultCache is a TTL + LRU bounded cache of retrieval results. Entries
// are stored fully materialized; a hit returns a copy so callers cannot
// mutate cached state.
type resultCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	entries  map[string]*list.Element
	order    *list.List

	now func() time.Time
}

type cacheEntry struct {
	key       string
	result    pipeline.RetrievalResult
	expiresAt time.Time
}

func newResultCache(ttl time.Duration, capacity int) *resultCache {
	if capacity <= 0 {
		capacity = defaultCacheCapacity
	}
	return &resultCache{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		now:      time.Now,
	}
}

func (c *resultCache) get(key string) (pipeline.RetrievalResult, bool) {
	if c == nil || c.ttl <= 0 {
		return pipeline.RetrievalResult{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return pipeline.RetrievalResult{}, false
	}
	entry := el.Value.(*cacheEntry)
	if c.now().After(entry.expiresAt) {
		c.order.Remove(el)
		delete(c.entries, key)
		return pipeline.RetrievalResult{}, false
	}
	c.order.MoveToFront(el)
	return copyResult(entry.result), true
}

func (c *resultCache) put(key string, result pipeline.RetrievalResult) {
	if c == nil || c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.result = copyResult(result)
		entry.expiresAt = c.now().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}

	for c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}

	el := c.order.PushFront(&cacheEntry{
		key:       key,
		result:    copyResult(result),
		expiresAt: c.now().Add(c.ttl),
	})
	c.entries[key] = el
}

func copyResult(r pipeline.RetrievalResult) pipeline.RetrievalResult {
	out := r
	out.Citations = append([]pipeline.Citation(nil), r.Citations...)
	out.CacheHit = false
	return out
}
