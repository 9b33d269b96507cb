// ABOUTME: Thread-safe TTL cache for deduplicating webhook deliveries.
// ABOUTME: The platform redelivers events on slow acks; seen message ids are dropped.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// entry stores the timestamp and list element for a cached message id.
type entry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache tracks recently seen webhook message ids so redelivered events are
// processed at most once. TTL-based and size-bounded; insertion order is
// kept in a doubly-linked list for O(1) eviction of the oldest id.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List // message ids in insertion order, oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a dedupe cache with the given TTL and maximum size.
// A background goroutine periodically sweeps expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Seen atomically checks whether the message id was delivered before and
// marks it if not. Returns true for a duplicate delivery.
func (c *Cache) Seen(messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.seen[messageID]; ok && time.Since(e.seenAt) < c.ttl {
		return true
	}

	c.mark(messageID)
	return false
}

// Len returns the number of tracked message ids, expired entries included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// mark records a message id. Must be called with mu held.
func (c *Cache) mark(messageID string) {
	now := time.Now()

	if e, ok := c.seen[messageID]; ok {
		e.seenAt = now
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(messageID)
	c.seen[messageID] = &entry{seenAt: now, element: elem}
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	id, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, id)
}

// sweep runs in a background goroutine, periodically removing expired entries.
func (c *Cache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for id, e := range c.seen {
		if now.Sub(e.seenAt) > c.ttl {
			c.order.Remove(e.element)
			delete(c.seen, id)
		}
	}
}

// Close stops the background sweep goroutine. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
