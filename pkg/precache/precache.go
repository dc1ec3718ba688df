package precache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Sternrassler/shellcache/pkg/cache"
	"github.com/Sternrassler/shellcache/pkg/config"
	"github.com/Sternrassler/shellcache/pkg/network"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrPrecacheFailed is wrapped by every Fetch/Populate failure.
var ErrPrecacheFailed = errors.New("precache failed")

var (
	precacheAssets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shellcache_precache_assets_total",
		Help: "Core assets fetched during install by outcome",
	}, []string{"outcome"}) // "ok", "failed"

	precacheDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "shellcache_precache_duration_seconds",
		Help:    "Duration of a complete pre-cache run",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	})
)

// Asset is one fetched core asset, ready to be written.
type Asset struct {
	Index    int
	Path     string
	Request  *http.Request
	Snapshot *cache.Snapshot
}

type assetResult struct {
	asset Asset
	err   error
}

// Precacher fetches the core asset list.
type Precacher struct {
	fetcher     network.Fetcher
	cfg         *config.Config
	concurrency int
	logger      zerolog.Logger
}

// New creates a Precacher for cfg's core assets.
func New(fetcher network.Fetcher, cfg *config.Config) *Precacher {
	concurrency := cfg.Worker.PrecacheConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Precacher{
		fetcher:     fetcher,
		cfg:         cfg,
		concurrency: concurrency,
		logger:      log.With().Str("component", "precache").Logger(),
	}
}

// WithLogger returns a copy of p that logs to logger.
func (p *Precacher) WithLogger(logger zerolog.Logger) *Precacher {
	cp := *p
	cp.logger = logger.With().Str("component", "precache").Logger()
	return &cp
}

// Fetch retrieves every core asset. It returns the assets in list order, or
// an error wrapping ErrPrecacheFailed as soon as one asset fails.
func (p *Precacher) Fetch(ctx context.Context) ([]Asset, error) {
	paths := p.cfg.CoreAssets()
	if len(paths) == 0 {
		return nil, nil
	}

	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := make(chan int, len(paths))
	for i := range paths {
		queue <- i
	}
	close(queue)

	results := make(chan assetResult, len(paths))

	workers := p.concurrency
	if workers > len(paths) {
		workers = len(paths)
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go p.worker(fetchCtx, paths, queue, results, &wg, i)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	assets := make([]Asset, len(paths))
	received := 0
	var firstErr error
	for res := range results {
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
				cancel()
			}
			continue
		}
		assets[res.asset.Index] = res.asset
		received++
	}
	if firstErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrPrecacheFailed, firstErr)
	}
	// Workers stop silently on cancellation, leaving holes.
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPrecacheFailed, err)
	}
	if received < len(paths) {
		return nil, fmt.Errorf("%w: %d of %d assets fetched", ErrPrecacheFailed, received, len(paths))
	}
	return assets, nil
}

// Populate fetches every core asset and writes them to store. Nothing is
// written unless all fetches succeed. It returns the number of assets written.
func (p *Precacher) Populate(ctx context.Context, store *cache.Cache) (int, error) {
	start := time.Now()
	defer func() {
		precacheDuration.Observe(time.Since(start).Seconds())
	}()

	assets, err := p.Fetch(ctx)
	if err != nil {
		p.logger.Error().Err(err).Str("cache", store.Name()).Msg("Pre-cache aborted")
		return 0, err
	}

	for _, a := range assets {
		if err := store.PutSnapshot(ctx, a.Request, a.Snapshot); err != nil {
			return 0, fmt.Errorf("%w: store %s: %w", ErrPrecacheFailed, a.Path, err)
		}
	}

	p.logger.Info().
		Str("cache", store.Name()).
		Int("assets", len(assets)).
		Dur("duration", time.Since(start)).
		Msg("Pre-cache complete")
	return len(assets), nil
}

func (p *Precacher) worker(ctx context.Context, paths []string, queue <-chan int, results chan<- assetResult, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()

	for idx := range queue {
		select {
		case <-ctx.Done():
			return
		default:
		}

		asset, err := p.fetchOne(ctx, idx, paths[idx])
		if err != nil {
			precacheAssets.WithLabelValues("failed").Inc()
			p.logger.Warn().
				Err(err).
				Int("worker_id", workerID).
				Str("path", paths[idx]).
				Msg("Core asset fetch failed")
			results <- assetResult{err: err}
			return
		}
		precacheAssets.WithLabelValues("ok").Inc()
		results <- assetResult{asset: asset}
	}
}

func (p *Precacher) fetchOne(ctx context.Context, idx int, path string) (Asset, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.URL(path), nil)
	if err != nil {
		return Asset{}, fmt.Errorf("build request for %s: %w", path, err)
	}

	resp, err := p.fetcher.Fetch(req)
	if err != nil {
		return Asset{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return Asset{}, network.StatusError(resp)
	}
	if resp.Request == nil {
		resp.Request = req
	}

	snap, err := cache.Capture(resp)
	if err != nil {
		return Asset{}, fmt.Errorf("read %s: %w", path, err)
	}
	return Asset{Index: idx, Path: path, Request: req, Snapshot: snap}, nil
}
