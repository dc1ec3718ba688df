package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/shellcache/pkg/cache"
	"github.com/Sternrassler/shellcache/pkg/config"
	"github.com/Sternrassler/shellcache/pkg/logging"
	"github.com/Sternrassler/shellcache/pkg/metrics"
	"github.com/Sternrassler/shellcache/pkg/network"
	"github.com/Sternrassler/shellcache/pkg/registration"
	"github.com/Sternrassler/shellcache/pkg/worker"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const maxMessageBytes = 64 << 10

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", os.Getenv("SHELLCACHE_CONFIG"), "path to shellcache.yaml")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup(logging.FromConfig(cfg.Log))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Proxy failed")
	}
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	storage, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer storage.Close()

	if cfg.Upstream == "" {
		logger.Warn().Msg("No upstream configured; same-origin requests are fetched from the public origin")
	}
	fetcher, err := network.New(cfg)
	if err != nil {
		return fmt.Errorf("create fetcher: %w", err)
	}

	reg := registration.New(logger)
	defer reg.Close()

	w, err := worker.New(cfg, storage, fetcher, worker.WithLogger(logger), worker.WithClients(reg))
	if err != nil {
		return fmt.Errorf("create worker: %w", err)
	}
	if err := reg.Register(ctx, w); err != nil {
		// Requests pass through until a later deployment installs.
		logger.Error().Err(err).Msg("Worker registration failed; serving without offline cache")
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           newRouter(cfg, reg, fetcher, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", srv.Addr).
			Str("origin", cfg.Origin).
			Str("cache", cfg.CacheName()).
			Str("backend", storage.Backend().Name()).
			Msg("Starting shellcache proxy")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// openStorage builds the cache storage for the configured backend.
func openStorage(ctx context.Context, cfg *config.Config) (*cache.Storage, error) {
	switch cfg.Storage.Backend {
	case config.BackendRedis:
		redisClient := redis.NewClient(&redis.Options{
			Addr: cfg.Storage.RedisAddr,
			DB:   cfg.Storage.RedisDB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			redisClient.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Storage.RedisAddr, err)
		}
		return cache.NewStorage(cache.NewRedisBackend(redisClient, cfg.CachePrefix)), nil
	case config.BackendLevelDB:
		backend, err := cache.OpenLevelDBBackend(cfg.Storage.LevelDBPath)
		if err != nil {
			return nil, err
		}
		return cache.NewStorage(backend), nil
	default:
		return cache.NewStorage(cache.NewMemoryBackend()), nil
	}
}

func newRouter(cfg *config.Config, reg *registration.Registration, fetcher network.Fetcher, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", healthHandler)
	r.Get("/readyz", readyHandler(reg))
	r.Handle("/metrics", metrics.Handler())
	r.Post("/_shellcache/message", messageHandler(reg))
	r.Handle("/*", proxyHandler(cfg, reg, fetcher, logger))
	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func readyHandler(reg *registration.Registration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		active := reg.Active()
		if active == nil || active.State() != worker.StateActivated {
			http.Error(w, "no active worker", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK")
	}
}

func messageHandler(reg *registration.Registration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes))
		if err != nil {
			http.Error(w, "read message", http.StatusBadRequest)
			return
		}
		if reg.PostMessage(r.Context(), payload) {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// proxyHandler runs every other request through the active worker. Requests
// the worker does not intercept go straight to the network.
func proxyHandler(cfg *config.Config, reg *registration.Registration, fetcher network.Fetcher, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := incoming(cfg, r)

		d := reg.Fetch(req)
		resp := d.Response
		if !d.Intercepted {
			var err error
			resp, err = fetcher.Fetch(req)
			if err != nil {
				reqLogger := logging.ForRequest(logger, req)
				reqLogger.Warn().Err(err).Msg("Pass-through fetch failed")
				http.Error(w, "upstream unavailable", http.StatusBadGateway)
				return
			}
		} else if resp == nil {
			http.Error(w, "offline and not cached", http.StatusGatewayTimeout)
			return
		}
		defer resp.Body.Close()

		copyHeader(w.Header(), resp.Header)
		if d.Intercepted {
			w.Header().Set("X-Shellcache-Strategy", string(d.Strategy))
			w.Header().Set("X-Shellcache-Source", string(d.Source))
		}
		w.WriteHeader(resp.StatusCode)
		if _, err := io.Copy(w, resp.Body); err != nil {
			reqLogger := logging.ForRequest(logger, req)
			reqLogger.Debug().Err(err).Msg("Failed to write response")
		}
	}
}

// incoming turns a server request into the request a page would have made:
// origin-form URIs are resolved against the public origin, absolute-form
// URIs (forward proxy use) are kept as they are.
func incoming(cfg *config.Config, r *http.Request) *http.Request {
	req := r.Clone(r.Context())
	if !req.URL.IsAbs() {
		u := *req.URL
		if origin, err := url.Parse(cfg.Origin); err == nil {
			u.Scheme, u.Host = origin.Scheme, origin.Host
		}
		req.URL = &u
	}
	req.RequestURI = ""
	return req
}

var hopHeaders = map[string]bool{
	"Connection":        true,
	"Keep-Alive":        true,
	"Proxy-Connection":  true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
}

func copyHeader(dst, src http.Header) {
	for key, values := range src {
		if hopHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}
