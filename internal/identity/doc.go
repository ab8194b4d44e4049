// Package identity is the cached identity store used by the relay.
//
// Service wraps a store.Store with the read-through cache. Reads go through
// named buckets; every write evicts the affected keys both before and after
// it commits, so a read issued after a write returns the written
// state even while older loads are still in flight.
//
// Values handed out are copies; callers may modify them freely.
package identity
