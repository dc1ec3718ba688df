package worker

import (
	"context"
	"fmt"
	"time"
)

// OnInstall pre-populates the worker's store with the core assets. Any failed
// asset fails the install and leaves the worker redundant. On success the
// worker asks to skip the waiting phase unless manual activation is set.
func (w *Worker) OnInstall(ctx context.Context) error {
	if err := w.transition(StateInstalling, StateParsed); err != nil {
		return err
	}
	start := time.Now()
	w.logger.Info().Msg("Installing")

	store, err := w.storage.Open(ctx, w.cfg.CacheName())
	if err != nil {
		w.setState(StateRedundant)
		w.logger.Error().Err(err).Msg("Install failed: cannot open cache")
		return fmt.Errorf("install %s: %w", w.cfg.CacheName(), err)
	}

	n, err := w.precacher.Populate(ctx, store)
	if err != nil {
		w.setState(StateRedundant)
		w.logger.Error().Err(err).Msg("Install failed")
		return fmt.Errorf("install %s: %w", w.cfg.CacheName(), err)
	}

	w.mu.Lock()
	w.store = store
	w.mu.Unlock()
	w.setState(StateInstalled)

	w.logger.Info().
		Int("assets", n).
		Dur("duration", time.Since(start)).
		Msg("Installed")

	if !w.cfg.Worker.ManualActivation {
		w.SkipWaiting()
	}
	return nil
}

// OnActivate deletes every store other than the worker's own and claims all
// open clients. Deletion failures are logged and skipped.
func (w *Worker) OnActivate(ctx context.Context) error {
	if err := w.transition(StateActivating, StateInstalled); err != nil {
		return err
	}
	current := w.cfg.CacheName()

	names, err := w.storage.Keys(ctx)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Cannot list caches; skipping cleanup")
	}

	deleted := 0
	for _, name := range names {
		if name == current {
			continue
		}
		if _, err := w.storage.Delete(ctx, name); err != nil {
			StaleCacheDeleteErrors.Inc()
			w.logger.Warn().Err(err).Str("stale_cache", name).Msg("Failed to delete stale cache")
			continue
		}
		StaleCachesDeleted.Inc()
		deleted++
		w.logger.Debug().Str("stale_cache", name).Msg("Deleted stale cache")
	}

	if w.clients != nil {
		if err := w.clients.Claim(ctx, w); err != nil {
			w.logger.Warn().Err(err).Msg("Failed to claim clients")
		}
	}

	w.setState(StateActivated)
	w.logger.Info().Int("stale_deleted", deleted).Msg("Activated")
	return nil
}
