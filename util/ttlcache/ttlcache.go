// SPDX-License-Identifier: MIT
//
// TTL cache
//
// Items expire once the current time reaches their expiry.  Expired items
// are removed lazily on access and periodically by a cleanup goroutine.
// The cache may be bounded by a maximum number of items, in which case the
// least recently used item is evicted to make room.
//

package ttlcache

import (
	"container/list"
	"errors"
	"sync"
	"time"
)

const (
	DefaultTTL = 0                // use default TTL of the Cache instance
	NoTTL      = -1 * time.Second // no expiration
)

const defaultInterval = 5 * time.Second // default cleanup interval

var ErrKeyExists = errors.New("key already exists")

type Cache[K comparable, V any] struct {
	items      map[K]*list.Element
	recency    *list.List // front is the most recently used
	lock       sync.Mutex // LRU bookkeeping makes every access a write
	defaultTTL time.Duration
	maxItems   int // 0 means unbounded
	onEviction func(K, V)

	done      chan struct{}
	closeOnce sync.Once
}

type cacheItem[K comparable, V any] struct {
	key      K
	value    V
	expireAt int64 // UnixNano; 0 means never
}

func (i *cacheItem[K, V]) isExpired(now int64) bool {
	return i.expireAt > 0 && now >= i.expireAt
}

// New creates a cache and starts its cleanup goroutine, which runs every
// interval until Close is called.  maxItems <= 0 leaves the cache
// unbounded.  onEviction, if not nil, is called without the lock held for
// every item that expires, is evicted, or is removed.
func New[K comparable, V any](
	defaultTTL time.Duration,
	interval time.Duration,
	maxItems int,
	onEviction func(K, V),
) *Cache[K, V] {
	if interval <= 0 {
		interval = defaultInterval
	}
	if onEviction == nil {
		onEviction = func(K, V) {} // nop
	}
	c := &Cache[K, V]{
		items:      make(map[K]*list.Element),
		recency:    list.New(),
		defaultTTL: defaultTTL,
		maxItems:   max(maxItems, 0),
		onEviction: onEviction,
		done:       make(chan struct{}),
	}
	go c.clean(interval)
	return c
}

// Close stops the cleanup goroutine.  The cache stays usable.
func (c *Cache[K, V]) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Add the key and value with the TTL.
// If a live item with the key exists, return ErrKeyExists.
func (c *Cache[K, V]) Add(key K, value V, ttl time.Duration) error {
	now := time.Now()
	c.lock.Lock()
	if e, exists := c.items[key]; exists && !e.Value.(*cacheItem[K, V]).isExpired(now.UnixNano()) {
		c.lock.Unlock()
		return ErrKeyExists
	}
	evicted := c.set(key, value, ttl, now)
	c.lock.Unlock()

	c.evict(evicted)
	return nil
}

// Similar to Add(), but overwrite the existing one.
func (c *Cache[K, V]) Set(key K, value V, ttl time.Duration) {
	c.SetAt(key, value, ttl, time.Now())
}

// SetAt stores the item as if the current time were now.
func (c *Cache[K, V]) SetAt(key K, value V, ttl time.Duration, now time.Time) {
	c.lock.Lock()
	evicted := c.set(key, value, ttl, now)
	c.lock.Unlock()

	c.evict(evicted)
}

func (c *Cache[K, V]) set(key K, value V, ttl time.Duration, now time.Time) []*cacheItem[K, V] {
	item := &cacheItem[K, V]{
		key:      key,
		value:    value,
		expireAt: c.getExpireAt(ttl, now),
	}
	if e, exists := c.items[key]; exists {
		// Replaced entirely; the old value is not reported as evicted.
		e.Value = item
		c.recency.MoveToFront(e)
		return nil
	}
	c.items[key] = c.recency.PushFront(item)

	var evicted []*cacheItem[K, V]
	for c.maxItems > 0 && c.recency.Len() > c.maxItems {
		evicted = append(evicted, c.removeElement(c.recency.Back()))
	}
	return evicted
}

// Get the value of key, with a boolean indicating whether it's valid.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	return c.GetAt(key, time.Now())
}

// GetAt looks up the key as if the current time were now.  An expired
// item is removed and reported to the eviction callback.
func (c *Cache[K, V]) GetAt(key K, now time.Time) (V, bool) {
	var zero V
	c.lock.Lock()
	e, exists := c.items[key]
	if !exists {
		c.lock.Unlock()
		return zero, false
	}
	item := e.Value.(*cacheItem[K, V])
	if item.isExpired(now.UnixNano()) {
		c.removeElement(e)
		c.lock.Unlock()
		c.onEviction(item.key, item.value)
		return zero, false
	}
	c.recency.MoveToFront(e)
	c.lock.Unlock()
	return item.value, true
}

// Similar to Get() but also remove it.
// NOTE: The eviction callback will be skipped; otherwise, it might simply
// destroy the returned value.
func (c *Cache[K, V]) Pop(key K) (V, bool) {
	var zero V
	c.lock.Lock()
	defer c.lock.Unlock()

	e, exists := c.items[key]
	if !exists {
		return zero, false
	}
	item := c.removeElement(e)
	if item.isExpired(time.Now().UnixNano()) {
		return zero, false
	}
	return item.value, true
}

// Remove the item of key and invoke the eviction callback.
func (c *Cache[K, V]) Remove(key K) {
	c.lock.Lock()
	e, exists := c.items[key]
	if !exists {
		c.lock.Unlock()
		return
	}
	item := c.removeElement(e)
	c.lock.Unlock()

	c.onEviction(item.key, item.value)
}

// Len returns the number of items, including expired ones not yet cleaned.
func (c *Cache[K, V]) Len() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.items)
}

// Flush removes all items and returns how many there were.
func (c *Cache[K, V]) Flush() int {
	c.lock.Lock()
	evicted := make([]*cacheItem[K, V], 0, len(c.items))
	for e := c.recency.Front(); e != nil; e = e.Next() {
		evicted = append(evicted, e.Value.(*cacheItem[K, V]))
	}
	c.items = make(map[K]*list.Element)
	c.recency.Init()
	c.lock.Unlock()

	c.evict(evicted)
	return len(evicted)
}

// Purge removes the items expired at now and returns how many.
func (c *Cache[K, V]) Purge(now time.Time) int {
	ts := now.UnixNano()
	c.lock.Lock()
	var evicted []*cacheItem[K, V]
	for e := c.recency.Front(); e != nil; {
		next := e.Next()
		if item := e.Value.(*cacheItem[K, V]); item.isExpired(ts) {
			evicted = append(evicted, c.removeElement(e))
		}
		e = next
	}
	c.lock.Unlock()

	c.evict(evicted)
	return len(evicted)
}

// The lock must be held.
func (c *Cache[K, V]) removeElement(e *list.Element) *cacheItem[K, V] {
	item := c.recency.Remove(e).(*cacheItem[K, V])
	delete(c.items, item.key)
	return item
}

func (c *Cache[K, V]) evict(items []*cacheItem[K, V]) {
	for _, item := range items {
		c.onEviction(item.key, item.value)
	}
}

func (c *Cache[K, V]) getExpireAt(ttl time.Duration, now time.Time) int64 {
	if ttl < 0 {
		return 0
	}
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	return now.Add(ttl).UnixNano()
}

func (c *Cache[K, V]) clean(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			c.Purge(now)
		}
	}
}
