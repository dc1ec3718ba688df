// Package network performs the actual HTTP fetches behind the worker.
//
// A fetch behaves like a browser fetch: it fails only when no response
// could be obtained. A response with any status, 404 and 500 included, is a
// completed fetch; callers decide what a bad status means to them.
package network

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Sternrassler/shellcache/pkg/cache"
	"github.com/Sternrassler/shellcache/pkg/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for fetch operations.
var (
	fetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shellcache_fetch_total",
		Help: "Total fetches by origin kind and outcome",
	}, []string{"origin", "outcome"})

	fetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shellcache_fetch_duration_seconds",
		Help:    "Fetch duration in seconds by origin kind",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"origin"})
)

// Fetcher performs a network fetch. The request context governs cancellation.
type Fetcher interface {
	Fetch(req *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(req *http.Request) (*http.Response, error)

// Fetch calls f(req).
func (f FetcherFunc) Fetch(req *http.Request) (*http.Response, error) {
	return f(req)
}

// HTTPFetcher fetches over net/http, optionally redirecting same-origin
// requests to an upstream server.
type HTTPFetcher struct {
	httpClient *http.Client
	cfg        *config.Config
	upstream   *url.URL
	retry      RetryConfig
	logger     zerolog.Logger
}

// New creates an HTTPFetcher from the network section of cfg.
func New(cfg *config.Config) (*HTTPFetcher, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	retry := DefaultRetryConfig()
	retry.MaxAttempts = cfg.Network.MaxAttempts
	if cfg.Network.InitialBackoff > 0 {
		retry.InitialBackoff = cfg.Network.InitialBackoff
	}

	f := &HTTPFetcher{
		httpClient: &http.Client{
			Timeout: cfg.Network.Timeout,
		},
		cfg:    cfg,
		retry:  retry,
		logger: log.With().Str("component", "network").Logger(),
	}
	if cfg.Upstream != "" {
		u, err := url.Parse(cfg.Upstream)
		if err != nil {
			return nil, fmt.Errorf("parse upstream: %w", err)
		}
		f.upstream = u
	}
	return f, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (f *HTTPFetcher) SetHTTPClient(client *http.Client) {
	f.httpClient = client
}

// Fetch performs req. The returned response carries the original request
// and a single-read body.
func (f *HTTPFetcher) Fetch(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	originKind := "cross"
	if f.cfg.IsSameOrigin(req.URL) {
		originKind = "same"
	}

	start := time.Now()
	defer func() {
		fetchDuration.WithLabelValues(originKind).Observe(time.Since(start).Seconds())
	}()

	retry := f.retry
	if !idempotent(req) {
		retry.MaxAttempts = 1
	}

	var resp *http.Response
	err := retryWithBackoff(ctx, retry, f.logger, func() (ErrorClass, error) {
		out := f.outgoing(req)
		r, err := f.httpClient.Do(out)
		if err != nil {
			return ErrorClassNetwork, &FetchError{URL: req.URL.String(), Class: ErrorClassNetwork, Err: err}
		}
		resp = r
		return "", nil
	})
	if err != nil {
		fetchTotal.WithLabelValues(originKind, "error").Inc()
		f.logger.Debug().Err(err).Str("url", req.URL.String()).Msg("Fetch failed")
		return nil, err
	}

	fetchTotal.WithLabelValues(originKind, statusOutcome(resp.StatusCode)).Inc()
	resp.Request = req
	resp.Body = cache.NewBody(resp.Body)
	return resp, nil
}

// outgoing builds the client request for req: absolute URL, no server-side
// RequestURI, upstream rewrite for same-origin requests.
func (f *HTTPFetcher) outgoing(req *http.Request) *http.Request {
	out := req.Clone(req.Context())
	out.RequestURI = ""

	u := *req.URL
	if !u.IsAbs() {
		base, _ := url.Parse(f.cfg.Origin)
		u.Scheme, u.Host = base.Scheme, base.Host
	}
	if f.upstream != nil && f.cfg.IsSameOrigin(&u) {
		u.Scheme, u.Host = f.upstream.Scheme, f.upstream.Host
		if p := strings.TrimRight(f.upstream.Path, "/"); p != "" {
			u.Path = p + u.Path
			u.RawPath = ""
		}
	}
	u.Fragment, u.RawFragment = "", ""
	out.URL = &u
	out.Host = ""

	if f.cfg.Network.UserAgent != "" && out.Header.Get("User-Agent") == "" {
		out.Header.Set("User-Agent", f.cfg.Network.UserAgent)
	}
	return out
}

func idempotent(req *http.Request) bool {
	switch req.Method {
	case "", http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

func statusOutcome(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
