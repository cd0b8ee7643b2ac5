package dnsx

import (
	"container/list"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/mailhop/mailhop/internal/metrics"
)

// lruCache bounds resolver memory: least recently used entries are evicted
// once capacity is reached, expired entries lazily on access.
type lruCache struct {
	mu      sync.Mutex
	max     int
	order   *list.List // front = most recently used
	entries map[string]*list.Element
}

type cacheEntry struct {
	key     string
	answers []dns.RR
	err     error // non-nil for cached NXDOMAIN
	expires time.Time
}

func newLRUCache(max int) *lruCache {
	return &lruCache{
		max:     max,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

func (c *lruCache) get(key string, now time.Time) (*cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*cacheEntry)
	if now.After(entry.expires) {
		c.remove(elem)
		return nil, false
	}
	c.order.MoveToFront(elem)
	return entry, true
}

func (c *lruCache) put(key string, answers []dns.RR, err error, expires time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.answers = answers
		entry.err = err
		entry.expires = expires
		c.order.MoveToFront(elem)
		return
	}

	c.entries[key] = c.order.PushFront(&cacheEntry{
		key:     key,
		answers: answers,
		err:     err,
		expires: expires,
	})

	for len(c.entries) > c.max {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.remove(oldest)
		metrics.DNSCacheEvictions.Inc()
	}
}

func (c *lruCache) remove(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	c.order.Remove(elem)
	delete(c.entries, entry.key)
}

func (c *lruCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
