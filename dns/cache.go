// SPDX-License-Identifier: MIT
//
// Response cache with TTL bounds.
//

package dns

import (
	"fmt"
	"time"

	"detour/util/dnsmsg"
	"detour/util/ttlcache"
)

const (
	DefaultMinTTL        = 60 * time.Second
	DefaultMaxTTL        = 86400 * time.Second
	DefaultSweepInterval = 30 * time.Second
)

type CacheKey struct {
	Name  string // normalized
	Type  dnsmsg.Type
	Class dnsmsg.Class
}

func (k CacheKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Name, k.Type, k.Class)
}

type CacheConfig struct {
	MinTTL time.Duration
	MaxTTL time.Duration
	// TTL for responses without answers or an SOA record; defaults to
	// MinTTL.
	DefaultTTL time.Duration
	// Bound on the number of entries; 0 means unbounded.  When bounded,
	// the least recently used entry is evicted first.
	MaxEntries int
	// Interval of the background sweep of expired entries.
	SweepInterval time.Duration
}

// Cache maps queries to responses.  An entry lives for the smallest
// answer TTL clamped to [MinTTL, MaxTTL] and is never served once
// expired.  Responses are copied in and out, so callers never share
// state with the cache.
type Cache struct {
	store      *ttlcache.Cache[CacheKey, *cacheEntry]
	minTTL     time.Duration
	maxTTL     time.Duration
	defaultTTL time.Duration
}

type cacheEntry struct {
	msg      *dnsmsg.Message
	storedAt time.Time
	expireAt time.Time
}

func NewCache(cfg CacheConfig) *Cache {
	if cfg.MaxTTL < cfg.MinTTL {
		cfg.MaxTTL = cfg.MinTTL
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = cfg.MinTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	return &Cache{
		store:      ttlcache.New[CacheKey, *cacheEntry](0, cfg.SweepInterval, cfg.MaxEntries, nil),
		minTTL:     cfg.MinTTL,
		maxTTL:     cfg.MaxTTL,
		defaultTTL: cfg.DefaultTTL,
	}
}

// Get returns a copy of the response cached for the key, with record
// TTLs decreased by the time spent in the cache.  An expired entry is
// removed.
func (c *Cache) Get(key CacheKey, now time.Time) (*dnsmsg.Message, bool) {
	e, ok := c.store.GetAt(key, now)
	if !ok {
		return nil, false
	}
	msg := e.msg.Clone()
	age := now.Sub(e.storedAt)
	msg.AgeTTLs(uint32(max(age, 0) / time.Second))
	// Never let a client keep the records beyond this entry's expiry.
	msg.CapTTLs(uint32((e.expireAt.Sub(now) + time.Second - 1) / time.Second))
	return msg, true
}

// Put caches the response and reports whether it was stored.  Only
// complete NOERROR and NXDOMAIN responses are cached, and a zero TTL is
// never cached.  An existing entry for the key is replaced.
func (c *Cache) Put(key CacheKey, msg *dnsmsg.Message, now time.Time) bool {
	ttl, ok := c.TTL(msg)
	if !ok {
		return false
	}
	e := &cacheEntry{
		msg:      msg.Clone(),
		storedAt: now,
		expireAt: now.Add(ttl),
	}
	c.store.SetAt(key, e, ttl, now)
	return true
}

// TTL computes how long the response would be cached.
func (c *Cache) TTL(msg *dnsmsg.Message) (time.Duration, bool) {
	if msg.Truncated {
		return 0, false
	}
	if msg.RCode != dnsmsg.RCodeSuccess && msg.RCode != dnsmsg.RCodeNameError {
		return 0, false
	}

	var ttl time.Duration
	if secs, ok := msg.MinTTL(); ok {
		ttl = time.Duration(secs) * time.Second
	} else if secs, ok := msg.NegativeTTL(); ok {
		ttl = time.Duration(secs) * time.Second
	} else {
		ttl = c.defaultTTL
	}
	if ttl <= 0 {
		// Upstream asked not to cache.
		return 0, false
	}

	ttl = min(max(ttl, c.minTTL), c.maxTTL)
	if ttl <= 0 {
		return 0, false
	}
	return ttl, true
}

// Len returns the number of entries, including expired ones not yet swept.
func (c *Cache) Len() int {
	return c.store.Len()
}

// Flush removes all entries and returns how many there were.
func (c *Cache) Flush() int {
	return c.store.Flush()
}

// Close stops the background sweep.
func (c *Cache) Close() {
	c.store.Close()
}
