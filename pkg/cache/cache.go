// Package cache provides a small LRU with TTL for shard records read
// through the HTTP surface. Records only change via the committed log,
// so a short TTL plus explicit invalidation on seal keeps it honest.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/jacktea/xobj/pkg/shard"
	"github.com/jacktea/xobj/pkg/shardid"
)

// Stats holds cache statistics.
type Stats struct {
	Hits      int64
	Misses    int64
	Size      int
	Capacity  int
	Evictions int64
}

// Cache is a threadsafe LRU of shard records with TTL support.
type Cache struct {
	mu       sync.Mutex
	ll       *list.List
	items    map[shardid.ID]*list.Element
	capacity int
	ttl      time.Duration
	stats    Stats
}

type entry struct {
	key    shardid.ID
	info   shard.Info
	expire time.Time
}

// New returns a cache with the given capacity and ttl. A zero ttl
// disables expiry.
func New(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Cache{
		ll:       list.New(),
		items:    make(map[shardid.ID]*list.Element),
		capacity: capacity,
		ttl:      ttl,
	}
}

// Get retrieves a record if present and not expired.
func (c *Cache) Get(key shardid.ID) (shard.Info, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ele, ok := c.items[key]; ok {
		ent := ele.Value.(*entry)
		if c.ttl > 0 && time.Now().After(ent.expire) {
			c.removeElement(ele)
			c.stats.Misses++
			return shard.Info{}, false
		}
		c.ll.MoveToFront(ele)
		c.stats.Hits++
		return ent.info, true
	}
	c.stats.Misses++
	return shard.Info{}, false
}

// Set inserts or updates a record.
func (c *Cache) Set(key shardid.ID, info shard.Info) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ele, ok := c.items[key]; ok {
		c.ll.MoveToFront(ele)
		ent := ele.Value.(*entry)
		ent.info = info
		if c.ttl > 0 {
			ent.expire = time.Now().Add(c.ttl)
		}
		return
	}
	if c.ll.Len() >= c.capacity {
		c.evictOldest()
	}
	ent := &entry{key: key, info: info}
	if c.ttl > 0 {
		ent.expire = time.Now().Add(c.ttl)
	}
	c.items[key] = c.ll.PushFront(ent)
}

// Delete removes a key if present.
func (c *Cache) Delete(key shardid.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ele, ok := c.items[key]; ok {
		c.removeElement(ele)
	}
}

func (c *Cache) evictOldest() {
	if ele := c.ll.Back(); ele != nil {
		c.removeElement(ele)
		c.stats.Evictions++
	}
}

func (c *Cache) removeElement(ele *list.Element) {
	c.ll.Remove(ele)
	delete(c.items, ele.Value.(*entry).key)
}

// Stats returns current cache statistics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = c.ll.Len()
	s.Capacity = c.capacity
	return s
}
