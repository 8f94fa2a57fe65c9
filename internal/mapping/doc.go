// Package mapping serves conversation mappings from an in-process cache in
// front of a durable store.Store. The Store is the only writer: every backend
// write is followed by a cache record under a per-key lock, and every cache
// miss falls through to the backend, so flushing the cache only costs latency.
package mapping
