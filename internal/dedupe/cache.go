// Package dedupe remembers recently seen keys so redelivered channel updates
// are processed only once.
package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry[K comparable] struct {
	key  K
	seen time.Time
}

// Cache is a TTL- and size-bounded set of keys. Entries are kept in the order
// they were last marked, so expired entries are always at the front and are
// pruned on every mark without a background goroutine.
type Cache[K comparable] struct {
	mu      sync.Mutex
	index   map[K]*list.Element
	order   *list.List
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// New creates a cache that forgets keys after ttl and holds at most maxSize keys.
func New[K comparable](ttl time.Duration, maxSize int) *Cache[K] {
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &Cache[K]{
		index:   make(map[K]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// seen reports whether key was marked within the TTL. It does not mark.
func (c *Cache[K]) seen(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		return false
	}
	return c.now().Sub(el.Value.(*entry[K]).seen) < c.ttl
}

// CheckAndMark atomically reports whether key is a duplicate and marks it if
// it is not. Returns true for duplicates.
func (c *Cache[K]) CheckAndMark(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.pruneLocked(now)

	if el, ok := c.index[key]; ok {
		// Anything still indexed after pruning is within the TTL.
		el.Value.(*entry[K]).seen = now
		c.order.MoveToBack(el)
		return true
	}

	if c.order.Len() >= c.maxSize {
		c.removeLocked(c.order.Front())
	}
	c.index[key] = c.order.PushBack(&entry[K]{key: key, seen: now})
	return false
}

func (c *Cache[K]) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache[K]) pruneLocked(now time.Time) {
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		if now.Sub(front.Value.(*entry[K]).seen) < c.ttl {
			return
		}
		c.removeLocked(front)
	}
}

func (c *Cache[K]) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	c.order.Remove(el)
	delete(c.index, el.Value.(*entry[K]).key)
}
