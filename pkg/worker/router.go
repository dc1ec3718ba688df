package worker

import (
	"net/http"
	"strings"

	"github.com/Sternrassler/shellcache/pkg/config"
	"github.com/Sternrassler/shellcache/pkg/logging"
	"github.com/rs/zerolog"
)

// Strategy names the caching policy applied to a request.
type Strategy string

const (
	StrategyPassThrough          Strategy = "pass-through"
	StrategyCacheFirst           Strategy = "cache-first"
	StrategyNetworkFirst         Strategy = "network-first"
	StrategyStaleWhileRevalidate Strategy = "stale-while-revalidate"
	StrategyNetworkOnly          Strategy = "network-only"

	// StrategyNetworkFallback is the single same-origin policy of the simple
	// router: network, write-through, stored copy when offline.
	StrategyNetworkFallback Strategy = "network-fallback"
)

// Source tells where a decision's response came from.
type Source string

const (
	SourceNone          Source = "none"
	SourceCache         Source = "cache"
	SourceNetwork       Source = "network"
	SourceShellFallback Source = "shell-fallback"
)

// Decision is the outcome of a fetch event.
//
// Intercepted is false for requests the worker leaves alone; the host handles
// them as if no worker existed. An intercepted decision with a nil Response
// means the worker answered with no response (a network error to the page).
type Decision struct {
	Intercepted bool
	Strategy    Strategy
	Source      Source
	Response    *http.Response
}

// IsNavigation reports whether req is a page navigation: the browser marks
// it with Sec-Fetch-Mode: navigate, or it asks for an HTML document.
func IsNavigation(req *http.Request) bool {
	if strings.EqualFold(req.Header.Get("Sec-Fetch-Mode"), "navigate") {
		return true
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

func isGet(req *http.Request) bool {
	return req.Method == "" || req.Method == http.MethodGet
}

// Classify picks the strategy for req. First match wins: app shell,
// navigation, same-origin, cross-origin.
func (w *Worker) Classify(req *http.Request) Strategy {
	if !isGet(req) || req.URL == nil {
		return StrategyPassThrough
	}
	sameOrigin := w.cfg.IsSameOrigin(req.URL)

	if w.cfg.RouterMode == config.RouterModeSimple {
		switch {
		case IsNavigation(req):
			return StrategyNetworkFirst
		case sameOrigin:
			return StrategyNetworkFallback
		default:
			return StrategyNetworkOnly
		}
	}

	switch {
	case sameOrigin && w.cfg.IsShellPath(req.URL.Path):
		return StrategyCacheFirst
	case IsNavigation(req):
		return StrategyNetworkFirst
	case sameOrigin:
		return StrategyStaleWhileRevalidate
	default:
		return StrategyNetworkOnly
	}
}

// OnFetch handles one intercepted request. It never fails: network and store
// errors end in the strategy's fallback.
func (w *Worker) OnFetch(req *http.Request) Decision {
	strategy := w.Classify(req)

	var d Decision
	switch strategy {
	case StrategyPassThrough:
		return Decision{Strategy: StrategyPassThrough, Source: SourceNone}
	case StrategyCacheFirst:
		d = w.cacheFirst(req)
	case StrategyNetworkFirst:
		d = w.networkFirst(req)
	case StrategyStaleWhileRevalidate:
		d = w.staleWhileRevalidate(req)
	case StrategyNetworkFallback:
		d = w.networkFallback(req)
	default:
		d = w.networkOnly(req)
	}
	d.Intercepted = true
	d.Strategy = strategy
	if d.Response == nil {
		d.Source = SourceNone
	}

	RequestsTotal.WithLabelValues(string(d.Strategy), string(d.Source)).Inc()
	w.requestLogger(req).Debug().
		Str("strategy", string(d.Strategy)).
		Str("source", string(d.Source)).
		Msg("Fetch handled")
	return d
}

func (w *Worker) requestLogger(req *http.Request) *zerolog.Logger {
	l := logging.ForRequest(w.logger, req)
	return &l
}
