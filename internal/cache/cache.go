// ABOUTME: Bucketed read-through cache with generation-checked loads
// ABOUTME: Coalesces concurrent misses with singleflight and never caches errors

package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Cache holds loaded values by bucket and key.
type Cache struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	group   singleflight.Group

	hits   atomic.Uint64
	misses atomic.Uint64
}

type bucket struct {
	epoch   uint64
	entries map[string]any
	gens    map[string]uint64
}

// generation identifies the state of one key; it changes on every eviction
// that could affect the key.
type generation struct {
	epoch uint64
	n     uint64
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{buckets: make(map[string]*bucket)}
}

// bucketLocked returns the named bucket, creating it. Caller holds c.mu.
func (c *Cache) bucketLocked(name string) *bucket {
	b, ok := c.buckets[name]
	if !ok {
		b = &bucket{
			entries: make(map[string]any),
			gens:    make(map[string]uint64),
		}
		c.buckets[name] = b
	}
	return b
}

func (b *bucket) generation(key string) generation {
	return generation{epoch: b.epoch, n: b.gens[key]}
}

// Fetch returns the cached value for bucket/key, calling load on a miss.
// A successful load is stored unless the key was evicted while it ran.
func Fetch[T any](ctx context.Context, c *Cache, bucketName, key string, load func(context.Context) (T, error)) (T, error) {
	c.mu.Lock()
	b := c.bucketLocked(bucketName)
	if v, ok := b.entries[key]; ok {
		c.mu.Unlock()
		c.hits.Add(1)
		return v.(T), nil
	}
	gen := b.generation(key)
	c.mu.Unlock()
	c.misses.Add(1)

	flight := fmt.Sprintf("%s\x00%s\x00%d.%d", bucketName, key, gen.epoch, gen.n)
	v, err, _ := c.group.Do(flight, func() (any, error) {
		val, err := load(ctx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		if b.generation(key) == gen {
			b.entries[key] = val
		}
		c.mu.Unlock()
		return val, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// Delete evicts one key from a bucket.
func (c *Cache) Delete(bucketName, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.bucketLocked(bucketName)
	delete(b.entries, key)
	b.gens[key]++
}

// DeleteBucket evicts every key in a bucket.
func (c *Cache) DeleteBucket(bucketName string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.bucketLocked(bucketName)
	b.epoch++
	b.entries = make(map[string]any)
	b.gens = make(map[string]uint64)
}

// Len returns the number of stored entries across all buckets.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, b := range c.buckets {
		n += len(b.entries)
	}
	return n
}

// Stats returns the hit and miss counts since creation.
func (c *Cache) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}
