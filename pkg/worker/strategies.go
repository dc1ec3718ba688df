package worker

import (
	"context"
	"errors"
	"net/http"

	"github.com/Sternrassler/shellcache/pkg/cache"
)

func isOK(status int) bool {
	return status >= 200 && status < 300
}

// match looks req up in the current store. Store failures count as misses.
func (w *Worker) match(req *http.Request) *http.Response {
	ctx := req.Context()
	store, err := w.currentStore(ctx)
	if err != nil {
		w.requestLogger(req).Warn().Err(err).Msg("Cache unavailable")
		return nil
	}
	resp, err := store.Match(ctx, req)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			w.requestLogger(req).Warn().Err(err).Msg("Cache match failed")
		}
		return nil
	}
	return resp
}

// shellFallback answers with the stored shell entry page, or no response.
func (w *Worker) shellFallback(req *http.Request) Decision {
	entry, err := http.NewRequestWithContext(req.Context(), http.MethodGet, w.cfg.URL(w.cfg.EntryPath()), nil)
	if err != nil {
		return Decision{Source: SourceNone}
	}
	if resp := w.match(entry); resp != nil {
		return Decision{Source: SourceShellFallback, Response: resp}
	}
	return Decision{Source: SourceNone}
}

// persist writes resp to the current store in the background. resp must be a
// response no one else reads.
func (w *Worker) persist(req *http.Request, resp *http.Response) {
	w.spawn(req.Context(), func(ctx context.Context) {
		w.put(ctx, req, resp)
	})
}

func (w *Worker) put(ctx context.Context, req *http.Request, resp *http.Response) {
	store, err := w.currentStore(ctx)
	if err == nil {
		err = store.Put(ctx, req, resp)
	}
	if err != nil {
		WriteThroughs.WithLabelValues("error").Inc()
		w.requestLogger(req).Warn().Err(err).Msg("Cache write failed")
		return
	}
	WriteThroughs.WithLabelValues("ok").Inc()
}

// fetchAndStore fetches req and, when store accepts the status, persists a
// duplicate in the background. It returns the response for the caller.
func (w *Worker) fetchAndStore(req *http.Request, store func(status int) bool) (*http.Response, error) {
	resp, err := w.fetcher.Fetch(req)
	if err != nil {
		return nil, err
	}
	if !store(resp.StatusCode) {
		return resp, nil
	}
	dup, err := cache.Duplicate(resp)
	if err != nil {
		return nil, err
	}
	w.persist(req, dup)
	return resp, nil
}

// cacheFirst serves the app shell: store, then network with write-through,
// then the stored entry page.
func (w *Worker) cacheFirst(req *http.Request) Decision {
	if resp := w.match(req); resp != nil {
		return Decision{Source: SourceCache, Response: resp}
	}
	// Only 2xx is written through; error pages never replace the shell.
	resp, err := w.fetchAndStore(req, isOK)
	if err == nil {
		return Decision{Source: SourceNetwork, Response: resp}
	}
	w.requestLogger(req).Warn().Err(err).Msg("Shell asset unavailable; serving entry page")
	return w.shellFallback(req)
}

// networkFirst serves navigations: network with write-through, then the
// stored entry page.
func (w *Worker) networkFirst(req *http.Request) Decision {
	// 2xx only, so an offline fallback never serves a stored 404 or 500.
	resp, err := w.fetchAndStore(req, isOK)
	if err == nil {
		return Decision{Source: SourceNetwork, Response: resp}
	}
	w.requestLogger(req).Debug().Err(err).Msg("Navigation offline; serving entry page")
	return w.shellFallback(req)
}

// staleWhileRevalidate serves same-origin resources. The store lookup and the
// network fetch run concurrently; a 200 response is persisted whichever copy
// is returned.
func (w *Worker) staleWhileRevalidate(req *http.Request) Decision {
	network := make(chan *http.Response)
	abandon := make(chan struct{})

	w.detach(req.Context(), func(ctx context.Context) {
		resp, err := w.fetcher.Fetch(req.Clone(ctx))
		if err != nil {
			w.requestLogger(req).Debug().Err(err).Msg("Revalidation failed")
			resp = nil
		}

		var dup *http.Response
		if resp != nil && resp.StatusCode == http.StatusOK {
			if dup, err = cache.Duplicate(resp); err != nil {
				w.requestLogger(req).Warn().Err(err).Msg("Cannot duplicate revalidated response")
				resp, dup = nil, nil
			}
		}

		select {
		case network <- resp:
		case <-abandon:
			if resp != nil {
				resp.Body.Close()
			}
		}

		if dup != nil {
			w.limit(func() { w.put(ctx, req, dup) })
		}
	})

	if cached := w.match(req); cached != nil {
		close(abandon)
		return Decision{Source: SourceCache, Response: cached}
	}

	select {
	case resp := <-network:
		if resp == nil {
			return Decision{Source: SourceNone}
		}
		return Decision{Source: SourceNetwork, Response: resp}
	case <-req.Context().Done():
		close(abandon)
		return Decision{Source: SourceNone}
	}
}

// networkOnly serves cross-origin resources: network, then the exact stored
// request. Nothing is written.
func (w *Worker) networkOnly(req *http.Request) Decision {
	resp, err := w.fetcher.Fetch(req)
	if err == nil {
		return Decision{Source: SourceNetwork, Response: resp}
	}
	if cached := w.match(req); cached != nil {
		return Decision{Source: SourceCache, Response: cached}
	}
	return Decision{Source: SourceNone}
}

// networkFallback is the simple router's same-origin policy.
func (w *Worker) networkFallback(req *http.Request) Decision {
	resp, err := w.fetchAndStore(req, isOK)
	if err == nil {
		return Decision{Source: SourceNetwork, Response: resp}
	}
	if cached := w.match(req); cached != nil {
		return Decision{Source: SourceCache, Response: cached}
	}
	return Decision{Source: SourceNone}
}
