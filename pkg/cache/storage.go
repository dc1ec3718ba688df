package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrCacheMiss indicates the requested key was not found in the store
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the stored entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")

	// ErrBodyUsed indicates a response body was read before it was duplicated
	ErrBodyUsed = errors.New("response body already used")

	// ErrStoreNotFound indicates the named store does not exist (or was deleted)
	ErrStoreNotFound = errors.New("cache store not found")

	// ErrNotCacheable indicates the request/response pair may not be stored
	ErrNotCacheable = errors.New("not cacheable")
)

// Backend is the persistent key-value engine behind a Storage. Every method
// must be individually atomic; no cross-call locking is expected.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// CreateStore creates the named store if it does not exist yet.
	CreateStore(ctx context.Context, store string) error

	// HasStore reports whether the named store exists.
	HasStore(ctx context.Context, store string) (bool, error)

	// StoreNames lists stores in creation order.
	StoreNames(ctx context.Context) ([]string, error)

	// DeleteStore removes a store and all its entries. It reports whether the
	// store existed.
	DeleteStore(ctx context.Context, store string) (bool, error)

	// Get returns ErrCacheMiss when the key is absent.
	Get(ctx context.Context, store, key string) (*Snapshot, error)

	// Put overwrites any existing entry. It returns ErrStoreNotFound when the
	// store does not exist.
	Put(ctx context.Context, store, key string, snap *Snapshot) error

	Delete(ctx context.Context, store, key string) (bool, error)

	Keys(ctx context.Context, store string) ([]string, error)

	Close() error
}

// Storage is the set of named cache stores.
type Storage struct {
	backend Backend
}

// NewStorage creates a storage over backend.
func NewStorage(backend Backend) *Storage {
	if backend == nil {
		panic("cache backend cannot be nil")
	}
	return &Storage{backend: backend}
}

// Backend returns the underlying backend.
func (s *Storage) Backend() Backend {
	return s.backend
}

// Open returns the named store, creating it when absent.
func (s *Storage) Open(ctx context.Context, name string) (*Cache, error) {
	if name == "" {
		return nil, fmt.Errorf("cache name cannot be empty")
	}
	if err := s.backend.CreateStore(ctx, name); err != nil {
		CacheErrors.WithLabelValues(s.backend.Name(), "open").Inc()
		return nil, fmt.Errorf("open cache %q: %w", name, err)
	}
	return &Cache{name: name, backend: s.backend}, nil
}

// Has reports whether the named store exists.
func (s *Storage) Has(ctx context.Context, name string) (bool, error) {
	return s.backend.HasStore(ctx, name)
}

// Keys lists store names in creation order.
func (s *Storage) Keys(ctx context.Context) ([]string, error) {
	names, err := s.backend.StoreNames(ctx)
	if err != nil {
		CacheErrors.WithLabelValues(s.backend.Name(), "keys").Inc()
		return nil, fmt.Errorf("list caches: %w", err)
	}
	return names, nil
}

// Delete removes the named store and reports whether it existed.
func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	ok, err := s.backend.DeleteStore(ctx, name)
	if err != nil {
		CacheErrors.WithLabelValues(s.backend.Name(), "delete_store").Inc()
		return false, fmt.Errorf("delete cache %q: %w", name, err)
	}
	return ok, nil
}

// Match looks req up in every store, oldest first, and returns the first hit.
func (s *Storage) Match(ctx context.Context, req *http.Request) (*http.Response, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		c := &Cache{name: name, backend: s.backend}
		resp, err := c.Match(ctx, req)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, ErrCacheMiss) {
			return nil, err
		}
	}
	return nil, ErrCacheMiss
}

// Close releases the backend.
func (s *Storage) Close() error {
	return s.backend.Close()
}

// Cache is a handle on one named store.
type Cache struct {
	name    string
	backend Backend
}

// Name returns the store name.
func (c *Cache) Name() string {
	return c.name
}

// Match returns a fresh response for req, or ErrCacheMiss.
func (c *Cache) Match(ctx context.Context, req *http.Request) (*http.Response, error) {
	if req.Method != "" && req.Method != http.MethodGet {
		return nil, ErrCacheMiss
	}
	snap, err := c.backend.Get(ctx, c.name, KeyFor(req).String())
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			CacheMisses.WithLabelValues(c.backend.Name()).Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues(c.backend.Name(), "match").Inc()
		return nil, fmt.Errorf("match %s: %w", c.name, err)
	}
	CacheHits.WithLabelValues(c.backend.Name()).Inc()
	return snap.Response(req), nil
}

// Put stores resp under req, consuming resp's body. Callers that also return
// resp must Duplicate it first.
func (c *Cache) Put(ctx context.Context, req *http.Request, resp *http.Response) error {
	if req.Method != "" && req.Method != http.MethodGet {
		return fmt.Errorf("%w: method %s", ErrNotCacheable, req.Method)
	}
	if resp == nil {
		return fmt.Errorf("response cannot be nil")
	}
	if resp.StatusCode == http.StatusPartialContent {
		return fmt.Errorf("%w: partial response", ErrNotCacheable)
	}
	snap, err := Capture(resp)
	if err != nil {
		return err
	}
	if snap.URL == "" && req.URL != nil {
		snap.URL = req.URL.String()
	}
	return c.PutSnapshot(ctx, req, snap)
}

// PutSnapshot stores an already captured snapshot under req.
func (c *Cache) PutSnapshot(ctx context.Context, req *http.Request, snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("snapshot cannot be nil")
	}
	if err := c.backend.Put(ctx, c.name, KeyFor(req).String(), snap); err != nil {
		CacheErrors.WithLabelValues(c.backend.Name(), "put").Inc()
		return fmt.Errorf("put %s: %w", c.name, err)
	}
	CachePuts.WithLabelValues(c.backend.Name()).Inc()
	CacheBytesWritten.WithLabelValues(c.backend.Name()).Add(float64(len(snap.Body)))
	return nil
}

// Delete removes the entry for req.
func (c *Cache) Delete(ctx context.Context, req *http.Request) (bool, error) {
	ok, err := c.backend.Delete(ctx, c.name, KeyFor(req).String())
	if err != nil {
		CacheErrors.WithLabelValues(c.backend.Name(), "delete").Inc()
		return false, fmt.Errorf("delete from %s: %w", c.name, err)
	}
	return ok, nil
}

// Keys lists the request keys held by the store.
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	keys, err := c.backend.Keys(ctx, c.name)
	if err != nil {
		return nil, fmt.Errorf("keys of %s: %w", c.name, err)
	}
	return keys, nil
}
