// Package worker implements the offline shell worker: the cache lifecycle
// (install, activate, skip-waiting) and the per-request routing policy.
//
// A Worker is one deployed version. The host drives it through OnInstall,
// OnActivate, OnFetch and OnMessage; see package registration for a host.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/Sternrassler/shellcache/pkg/cache"
	"github.com/Sternrassler/shellcache/pkg/config"
	"github.com/Sternrassler/shellcache/pkg/network"
	"github.com/Sternrassler/shellcache/pkg/precache"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrInvalidState is returned when a lifecycle event arrives in the wrong state.
var ErrInvalidState = errors.New("invalid worker state")

// State is the lifecycle state of a worker.
type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

var stateNames = [...]string{"parsed", "installing", "installed", "activating", "activated", "redundant"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MessageSkipWaiting is the only control message a worker understands.
const MessageSkipWaiting = "SKIP_WAITING"

// Clients lets an activated worker take control of open app instances.
type Clients interface {
	Claim(ctx context.Context, w *Worker) error
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the base logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithClients sets the client registry used by OnActivate to claim clients.
func WithClients(c Clients) Option {
	return func(w *Worker) {
		w.clients = c
	}
}

// WithID overrides the generated worker id.
func WithID(id string) Option {
	return func(w *Worker) {
		w.id = id
	}
}

// Worker is one version of the offline shell worker.
type Worker struct {
	id        string
	cfg       *config.Config
	storage   *cache.Storage
	fetcher   network.Fetcher
	precacher *precache.Precacher
	clients   Clients
	logger    zerolog.Logger

	mu          sync.Mutex
	state       State
	store       *cache.Cache
	skipWaiting bool
	skipCh      chan struct{}
	redundantCh chan struct{}

	bgSem chan struct{}
	bg    sync.WaitGroup
}

// New creates a worker in the parsed state.
func New(cfg *config.Config, storage *cache.Storage, fetcher network.Fetcher, opts ...Option) (*Worker, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}

	w := &Worker{
		id:          uuid.NewString(),
		cfg:         cfg,
		storage:     storage,
		fetcher:     fetcher,
		logger:      log.Logger,
		state:       StateParsed,
		skipCh:      make(chan struct{}),
		redundantCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	concurrency := cfg.Worker.BackgroundConcurrency
	if concurrency <= 0 {
		concurrency = 32
	}
	w.bgSem = make(chan struct{}, concurrency)
	w.logger = w.logger.With().
		Str("component", "worker").
		Str("worker_id", w.id).
		Str("cache", cfg.CacheName()).
		Logger()
	w.precacher = precache.New(fetcher, cfg).WithLogger(w.logger)
	return w, nil
}

// ID returns the worker id.
func (w *Worker) ID() string {
	return w.id
}

// CacheName returns the name of the store this worker owns.
func (w *Worker) CacheName() string {
	return w.cfg.CacheName()
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// transition moves to next if the current state is one of from.
func (w *Worker) transition(next State, from ...State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range from {
		if w.state == s {
			w.state = next
			LifecycleTransitions.WithLabelValues(next.String()).Inc()
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidState, w.state, next)
}

func (w *Worker) setState(next State) {
	w.mu.Lock()
	if next == StateRedundant && w.state != StateRedundant {
		close(w.redundantCh)
	}
	w.state = next
	w.mu.Unlock()
	LifecycleTransitions.WithLabelValues(next.String()).Inc()
}

// MarkRedundant retires the worker. A redundant worker is never activated.
func (w *Worker) MarkRedundant() {
	w.mu.Lock()
	if w.state == StateRedundant {
		w.mu.Unlock()
		return
	}
	w.state = StateRedundant
	close(w.redundantCh)
	w.mu.Unlock()
	LifecycleTransitions.WithLabelValues(StateRedundant.String()).Inc()
	w.logger.Info().Msg("Worker is redundant")
}

// RedundantC is closed once the worker is redundant.
func (w *Worker) RedundantC() <-chan struct{} {
	return w.redundantCh
}

// SkipWaiting asks the host to activate this worker without waiting for
// clients of the previous version to close. Repeated calls are no-ops.
func (w *Worker) SkipWaiting() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.skipWaiting {
		return
	}
	w.skipWaiting = true
	close(w.skipCh)
}

// SkipWaitingRequested reports whether SkipWaiting was called.
func (w *Worker) SkipWaitingRequested() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.skipWaiting
}

// SkipWaitingC is closed once SkipWaiting has been called.
func (w *Worker) SkipWaitingC() <-chan struct{} {
	return w.skipCh
}

type message struct {
	Type string `json:"type"`
}

// OnMessage handles a control message from an app instance. It reports
// whether the payload was recognised; anything else is ignored.
func (w *Worker) OnMessage(payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	var msg message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return false
	}
	switch msg.Type {
	case MessageSkipWaiting:
		w.logger.Info().Msg("Skip waiting requested by client")
		w.SkipWaiting()
		return true
	default:
		return false
	}
}

// Wait blocks until all background revalidations and cache writes finish.
func (w *Worker) Wait() {
	w.bg.Wait()
}

// spawn runs fn in the background, bounded by the worker's semaphore. fn gets
// a context detached from ctx's cancellation.
func (w *Worker) spawn(ctx context.Context, fn func(ctx context.Context)) {
	w.detach(ctx, func(ctx context.Context) {
		w.limit(func() { fn(ctx) })
	})
}

// detach runs fn in a goroutine tracked by Wait but outside the semaphore.
// Work a request waits on goes here; only its cache writes go through limit.
func (w *Worker) detach(ctx context.Context, fn func(ctx context.Context)) {
	detached := context.WithoutCancel(ctx)
	w.bg.Add(1)
	go func() {
		defer w.bg.Done()
		fn(detached)
	}()
}

// limit runs fn holding a background slot.
func (w *Worker) limit(fn func()) {
	w.bgSem <- struct{}{}
	defer func() { <-w.bgSem }()
	BackgroundInflight.Inc()
	defer BackgroundInflight.Dec()
	fn()
}

// currentStore returns the store this worker reads and writes. It is set by a
// successful install; a worker used without install opens it on demand.
func (w *Worker) currentStore(ctx context.Context) (*cache.Cache, error) {
	w.mu.Lock()
	store := w.store
	w.mu.Unlock()
	if store != nil {
		return store, nil
	}

	store, err := w.storage.Open(ctx, w.cfg.CacheName())
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	if w.store == nil {
		w.store = store
	}
	store = w.store
	w.mu.Unlock()
	return store, nil
}
