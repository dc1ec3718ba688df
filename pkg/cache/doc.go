// Package cache provides the named, versioned cache stores used by the
// offline shell worker.
//
// A Storage holds any number of named stores; exactly one of them is current
// for a given deployment. Each store maps a request identity (method + URL,
// GET only) to an immutable Snapshot of the response.
//
// # Basic Usage
//
//	storage := cache.NewStorage(cache.NewMemoryBackend())
//
//	store, err := storage.Open(ctx, "desifit-v1.1")
//	if err != nil {
//		return err
//	}
//
//	resp, err := store.Match(ctx, req)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch from the network
//	}
//
// # Single-Read Bodies
//
// Response bodies can be read once. A response that is both returned to a
// caller and persisted must be duplicated first:
//
//	copy, err := cache.Duplicate(resp)
//	if err != nil {
//		return err // body was already read
//	}
//	go store.Put(ctx, req, copy)
//	return resp
//
// Put consumes the body it is given and rejects bodies that were already read
// with ErrBodyUsed.
//
// # Backends
//
//   - MemoryBackend: process-local, for tests and single-process use
//   - RedisBackend: one hash per store plus a sorted-set index, shared between processes
//   - LevelDBBackend: embedded on-disk database
//
// # Metrics
//
//   - shellcache_store_hits_total{backend}
//   - shellcache_store_misses_total{backend}
//   - shellcache_store_puts_total{backend}
//   - shellcache_store_bytes_written_total{backend}
//   - shellcache_store_errors_total{backend, operation}
package cache
