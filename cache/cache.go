package cache

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	hits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whatsapp_hub_cache_hits_total",
		Help: "Total number of cache hits",
	}, []string{"cache"})
	misses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whatsapp_hub_cache_misses_total",
		Help: "Total number of cache misses",
	}, []string{"cache"})
	evictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whatsapp_hub_cache_evictions_total",
		Help: "Entries dropped because of capacity or expiry",
	}, []string{"cache"})
)

type entry[V any] struct {
	value   V
	expires time.Time
}

// Cache is a size bounded LRU whose entries expire after a fixed TTL.
// Expired entries are dropped lazily on access and on insert.
type Cache[V any] struct {
	mu  sync.Mutex
	lru *simplelru.LRU[string, entry[V]]
	ttl time.Duration
	now func() time.Time

	hits, misses, evictions prometheus.Counter
}

// New creates a cache. A non-positive ttl disables expiry.
func New[V any](name string, capacity int, ttl time.Duration) *Cache[V] {
	if capacity <= 0 {
		capacity = 1
	}
	// only fails for a non-positive size
	lru, _ := simplelru.NewLRU[string, entry[V]](capacity, nil)
	return &Cache[V]{
		lru:       lru,
		ttl:       ttl,
		now:       time.Now,
		hits:      hits.WithLabelValues(name),
		misses:    misses.WithLabelValues(name),
		evictions: evictions.WithLabelValues(name),
	}
}

func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.live(key); ok {
		c.hits.Inc()
		return e.value, true
	}
	c.misses.Inc()
	var zero V
	return zero, false
}

func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set(key, value)
}

// Seen records key and reports whether it was already present and live.
// It is the check-and-set used for de-duplication.
func (c *Cache[V]) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.live(key); ok {
		c.hits.Inc()
		return true
	}
	c.misses.Inc()
	var zero V
	c.set(key, zero)
	return false
}

func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key)
}

func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// live returns the entry for key and marks it recently used. An expired
// entry is removed and counted as an eviction.
func (c *Cache[V]) live(key string) (entry[V], bool) {
	e, ok := c.lru.Get(key)
	if !ok {
		return e, false
	}
	if c.expired(e) {
		c.lru.Remove(key)
		c.evictions.Inc()
		return e, false
	}
	return e, true
}

func (c *Cache[V]) set(key string, value V) {
	e := entry[V]{value: value}
	if c.ttl > 0 {
		e.expires = c.now().Add(c.ttl)
	}

	// oldest entries sit at the back; expired ones go first
	for c.lru.Len() > 0 {
		oldest, old, _ := c.lru.GetOldest()
		if oldest == key || !c.expired(old) {
			break
		}
		c.lru.RemoveOldest()
		c.evictions.Inc()
	}
	if c.lru.Add(key, e) {
		c.evictions.Inc()
	}
}

func (c *Cache[V]) expired(e entry[V]) bool {
	return !e.expires.IsZero() && c.now().After(e.expires)
}
