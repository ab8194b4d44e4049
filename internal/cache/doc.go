// Package cache is an in-memory read-through cache for identity lookups.
//
// Entries live in named buckets and never expire; callers evict them
// explicitly with Delete or DeleteBucket whenever the underlying data
// changes. Failed loads are never stored.
//
// Concurrent misses for the same key share a single load. Every eviction
// bumps the key's generation, and a load only stores its result if the
// generation it started under is still current, so a load racing with a
// write cannot put a stale value back after the write evicted it.
package cache
