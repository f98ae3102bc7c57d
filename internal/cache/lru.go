// Package cache provides caching implementations for FraudWatch.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const defaultLRUSize = 10000

// slot separates counters from plain values stored under the same key.
type slot struct {
	key     string
	counter bool
}

type lruEntry struct {
	slot      slot
	value     []byte
	count     int64
	expiresAt time.Time
}

func (e *lruEntry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// LRUCache is an in-process cache with per-entry TTL. Values and velocity
// counters share one recency list, so both are bounded by maxSize.
// It backs single-node deployments and is the L1 of TwoPhaseCache.
type LRUCache struct {
	mu      sync.Mutex
	maxSize int
	entries map[slot]*list.Element
	recency *list.List
	now     func() time.Time
}

// NewLRUCache returns a cache holding at most maxSize entries.
func NewLRUCache(maxSize int) *LRUCache {
	if maxSize <= 0 {
		maxSize = defaultLRUSize
	}
	return &LRUCache{
		maxSize: maxSize,
		entries: make(map[slot]*list.Element),
		recency: list.New(),
		now:     time.Now,
	}
}

// lookup returns the live entry for s and marks it recently used.
// Expired entries are dropped on the way. Caller holds mu.
func (c *LRUCache) lookup(s slot) *lruEntry {
	elem, ok := c.entries[s]
	if !ok {
		return nil
	}
	entry := elem.Value.(*lruEntry)
	if entry.expired(c.now()) {
		c.evict(elem)
		return nil
	}
	c.recency.MoveToFront(elem)
	return entry
}

// insert adds a fresh entry and trims the tail. Caller holds mu.
func (c *LRUCache) insert(entry *lruEntry) {
	c.entries[entry.slot] = c.recency.PushFront(entry)
	for c.recency.Len() > c.maxSize {
		c.evict(c.recency.Back())
	}
}

func (c *LRUCache) evict(elem *list.Element) {
	entry := c.recency.Remove(elem).(*lruEntry)
	delete(c.entries, entry.slot)
}

// Get returns the cached value, or nil on a miss.
func (c *LRUCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry := c.lookup(slot{key: key}); entry != nil {
		return entry.value, nil
	}
	return nil, nil
}

// Set stores value under key until ttl elapses.
func (c *LRUCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(ttl)
	if entry := c.lookup(slot{key: key}); entry != nil {
		entry.value = value
		entry.expiresAt = expiresAt
		return nil
	}
	c.insert(&lruEntry{slot: slot{key: key}, value: value, expiresAt: expiresAt})
	return nil
}

// Delete removes key. Counters under the same key are left alone.
func (c *LRUCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[slot{key: key}]; ok {
		c.evict(elem)
	}
	return nil
}

// IncrementCounter bumps the counter for key and returns the new count.
// The window opens on the first increment; once it has passed the count
// starts again from 1.
func (c *LRUCache) IncrementCounter(_ context.Context, key string, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := slot{key: key, counter: true}
	if entry := c.lookup(s); entry != nil {
		entry.count++
		return entry.count, nil
	}
	c.insert(&lruEntry{slot: s, count: 1, expiresAt: c.now().Add(window)})
	return 1, nil
}

// Ping always succeeds.
func (c *LRUCache) Ping(context.Context) error {
	return nil
}

// Close drops every entry.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
	c.recency.Init()
	return nil
}

// Stats reports the number of live and expired-but-unswept entries, and the capacity.
func (c *LRUCache) Stats() (size int, capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recency.Len(), c.maxSize
}
