// Package precache pre-populates a cache store with the app shell.
//
// Every core asset is fetched in parallel by a small worker pool. The result
// is all-or-nothing: the first failed asset (transport error or a non-2xx
// status) cancels the remaining fetches and nothing is written to the store.
//
// Example usage:
//
//	pc := precache.New(fetcher, cfg)
//	store, _ := storage.Open(ctx, cfg.CacheName())
//	n, err := pc.Populate(ctx, store)
//
// The pre-cacher:
//   - Queues every path of the core asset list
//   - Spawns a worker pool (config.Worker.PrecacheConcurrency workers)
//   - Captures each response into a snapshot
//   - Fails fast on the first bad asset (ErrPrecacheFailed)
//   - Writes the snapshots only after every fetch succeeded
package precache
