// Package registration hosts offline shell workers the way a browser does for
// one scope: it installs new versions, decides when a waiting version may
// activate, routes fetch events to the active version and tracks clients.
package registration

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/Sternrassler/shellcache/pkg/worker"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	registrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shellcache_registrations_total",
		Help: "Worker registrations by outcome",
	}, []string{"outcome"}) // "activated", "waiting", "install_failed"

	connectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shellcache_clients_connected",
		Help: "App instances currently connected to the registration",
	})
)

var _ worker.Clients = (*Registration)(nil)

// Registration is the host of the workers for one app scope.
type Registration struct {
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// promoteMu serialises activations; it is never held together with mu
	// while calling into a worker.
	promoteMu sync.Mutex

	mu         sync.Mutex
	installing *worker.Worker
	waiting    *worker.Worker
	active     *worker.Worker
	clients    map[string]*worker.Worker
	retired    []*worker.Worker

	watchers sync.WaitGroup
	watching atomic.Int32
}

// New creates an empty registration.
func New(logger zerolog.Logger) *Registration {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registration{
		logger:  logger.With().Str("component", "registration").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		clients: make(map[string]*worker.Worker),
	}
}

// NewDefault creates a registration logging to the global logger.
func NewDefault() *Registration {
	return New(log.Logger)
}

// Register installs w. A failed install discards w and keeps the current
// active worker. A successful install makes w the waiting worker, which
// activates at once when there is no active worker, when it asked to skip
// waiting, or when the active worker has no clients left.
func (r *Registration) Register(ctx context.Context, w *worker.Worker) error {
	r.mu.Lock()
	if r.installing != nil {
		r.mu.Unlock()
		return fmt.Errorf("worker %s is already installing", r.installing.ID())
	}
	r.installing = w
	r.mu.Unlock()

	err := w.OnInstall(ctx)

	r.mu.Lock()
	r.installing = nil
	if err != nil {
		r.mu.Unlock()
		registrationsTotal.WithLabelValues("install_failed").Inc()
		r.logger.Error().Err(err).Str("worker_id", w.ID()).Msg("Install failed; keeping current worker")
		return err
	}
	replaced := r.waiting
	r.waiting = w
	r.mu.Unlock()

	if replaced != nil {
		replaced.MarkRedundant()
		r.retire(replaced)
	}

	r.watchers.Add(1)
	r.watching.Add(1)
	go r.watchSkipWaiting(w)

	if err := r.tryPromote(ctx); err != nil {
		return err
	}
	if r.Waiting() == w {
		registrationsTotal.WithLabelValues("waiting").Inc()
		r.logger.Info().Str("worker_id", w.ID()).Msg("Worker waiting for clients to close")
	}
	return nil
}

// watchSkipWaiting promotes w once it asks to skip waiting. It exits when w
// goes redundant or the registration closes.
func (r *Registration) watchSkipWaiting(w *worker.Worker) {
	defer r.watchers.Done()
	defer r.watching.Add(-1)

	select {
	case <-w.SkipWaitingC():
		if err := r.tryPromote(r.ctx); err != nil {
			r.logger.Warn().Err(err).Str("worker_id", w.ID()).Msg("Activation after skip waiting failed")
		}
	case <-w.RedundantC():
	case <-r.ctx.Done():
	}
}

// tryPromote activates the waiting worker if it is allowed to.
func (r *Registration) tryPromote(ctx context.Context) error {
	r.promoteMu.Lock()
	defer r.promoteMu.Unlock()

	r.mu.Lock()
	next, old := r.waiting, r.active
	if next == nil || next.State() != worker.StateInstalled {
		r.mu.Unlock()
		return nil
	}
	if old != nil && !next.SkipWaitingRequested() && r.clientsOf(old) > 0 {
		r.mu.Unlock()
		return nil
	}
	r.waiting = nil
	r.active = next
	r.mu.Unlock()

	if old != nil {
		old.MarkRedundant()
		r.retire(old)
	}
	if err := next.OnActivate(ctx); err != nil {
		return fmt.Errorf("activate %s: %w", next.ID(), err)
	}
	registrationsTotal.WithLabelValues("activated").Inc()
	r.logger.Info().
		Str("worker_id", next.ID()).
		Str("cache", next.CacheName()).
		Msg("Worker activated")
	return nil
}

func (r *Registration) retire(w *worker.Worker) {
	r.mu.Lock()
	r.retired = append(r.retired, w)
	r.mu.Unlock()
}

// clientsOf counts clients controlled by w. r.mu must be held.
func (r *Registration) clientsOf(w *worker.Worker) int {
	n := 0
	for _, c := range r.clients {
		if c == w {
			n++
		}
	}
	return n
}

// Active returns the active worker, or nil.
func (r *Registration) Active() *worker.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Waiting returns the installed worker waiting to activate, or nil.
func (r *Registration) Waiting() *worker.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting
}

// Installing returns the worker currently installing, or nil.
func (r *Registration) Installing() *worker.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.installing
}

// Fetch dispatches req to the active worker. Without an activated worker the
// request is not intercepted.
func (r *Registration) Fetch(req *http.Request) worker.Decision {
	w := r.Active()
	if w == nil || w.State() != worker.StateActivated {
		return worker.Decision{Strategy: worker.StrategyPassThrough, Source: worker.SourceNone}
	}
	return w.OnFetch(req)
}

// PostMessage delivers a client message to the waiting worker, or to the
// active one when nothing is waiting. It reports whether the message was
// recognised.
func (r *Registration) PostMessage(ctx context.Context, payload []byte) bool {
	r.mu.Lock()
	target := r.waiting
	if target == nil {
		target = r.active
	}
	r.mu.Unlock()
	if target == nil {
		return false
	}

	if !target.OnMessage(payload) {
		return false
	}
	if err := r.tryPromote(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("Activation after message failed")
	}
	return true
}

// Connect registers a new app instance. It is controlled by the active
// worker, if any.
func (r *Registration) Connect() string {
	id := uuid.NewString()
	r.mu.Lock()
	r.clients[id] = r.active
	r.mu.Unlock()
	connectedClients.Inc()
	return id
}

// Disconnect removes an app instance. When the last client of the active
// worker leaves, a waiting worker activates.
func (r *Registration) Disconnect(ctx context.Context, id string) error {
	r.mu.Lock()
	_, ok := r.clients[id]
	delete(r.clients, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	connectedClients.Dec()
	return r.tryPromote(ctx)
}

// Controller returns the worker controlling client id, or nil.
func (r *Registration) Controller(id string) *worker.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clients[id]
}

// Claim makes w the controller of every connected client. Only the active
// worker may claim.
func (r *Registration) Claim(_ context.Context, w *worker.Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != w {
		return fmt.Errorf("%w: worker %s is not active", worker.ErrInvalidState, w.ID())
	}
	for id := range r.clients {
		r.clients[id] = w
	}
	return nil
}

// Close stops watching for skip-waiting signals and drains the background
// work of every worker the registration has seen.
func (r *Registration) Close() {
	r.cancel()
	r.watchers.Wait()

	r.mu.Lock()
	workers := append([]*worker.Worker(nil), r.retired...)
	for _, w := range []*worker.Worker{r.waiting, r.active} {
		if w != nil {
			workers = append(workers, w)
		}
	}
	r.mu.Unlock()

	for _, w := range workers {
		w.Wait()
	}
}
