package worker

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/Sternrassler/shellcache/internal/testutil"
	"github.com/Sternrassler/shellcache/pkg/cache"
	"github.com/Sternrassler/shellcache/pkg/config"
)

func TestIsNavigation(t *testing.T) {
	tests := []struct {
		name   string
		header http.Header
		want   bool
	}{
		{"navigate mode", http.Header{"Sec-Fetch-Mode": {"navigate"}}, true},
		{"html accept", http.Header{"Accept": {"text/html,application/xhtml+xml"}}, true},
		{"cors mode", http.Header{"Sec-Fetch-Mode": {"cors"}}, false},
		{"json accept", http.Header{"Accept": {"application/json"}}, false},
		{"no headers", http.Header{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &http.Request{Header: tt.header}
			if got := IsNavigation(req); got != tt.want {
				t.Errorf("IsNavigation() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	h := newHarness(t)
	simple := newHarness(t, func(c *config.Config) { c.RouterMode = config.RouterModeSimple })
	nav := []string{"Sec-Fetch-Mode", "navigate"}

	tests := []struct {
		name       string
		method     string
		url        string
		header     []string
		want       Strategy
		wantSimple Strategy
	}{
		{"post", "POST", h.cfg.URL("/workout-planner/api/plans"), nil, StrategyPassThrough, StrategyPassThrough},
		{"head", "HEAD", h.cfg.URL("/workout-planner/index.html"), nil, StrategyPassThrough, StrategyPassThrough},
		{"base root", "GET", h.cfg.URL("/workout-planner/"), nav, StrategyCacheFirst, StrategyNetworkFirst},
		{"entry page", "GET", h.cfg.URL("/workout-planner/index.html"), nil, StrategyCacheFirst, StrategyNetworkFallback},
		{"manifest", "GET", h.cfg.URL("/workout-planner/manifest.json"), nil, StrategyCacheFirst, StrategyNetworkFallback},
		{"deep link", "GET", h.cfg.URL("/workout-planner/plans/42"), nav, StrategyNetworkFirst, StrategyNetworkFirst},
		{"html accept", "GET", h.cfg.URL("/workout-planner/about"), []string{"Accept", "text/html"}, StrategyNetworkFirst, StrategyNetworkFirst},
		{"static", "GET", h.cfg.URL("/workout-planner/app.js"), nil, StrategyStaleWhileRevalidate, StrategyNetworkFallback},
		{"cross-origin", "GET", "https://cdn.example.net/lib.js", nil, StrategyNetworkOnly, StrategyNetworkOnly},
		{"cross-origin shell path", "GET", "https://cdn.example.net/workout-planner/index.html", nil, StrategyNetworkOnly, StrategyNetworkOnly},
		{"cross-origin navigation", "GET", "https://other.example.org/", nav, StrategyNetworkFirst, StrategyNetworkFirst},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(tt.method, tt.url, nil)
			for i := 0; i+1 < len(tt.header); i += 2 {
				req.Header.Set(tt.header[i], tt.header[i+1])
			}
			if got := h.worker.Classify(req); got != tt.want {
				t.Errorf("Classify() = %s, want %s", got, tt.want)
			}
			if got := simple.worker.Classify(req); got != tt.wantSimple {
				t.Errorf("simple Classify() = %s, want %s", got, tt.wantSimple)
			}
		})
	}
}

func TestOnFetch_NonGetIsNotIntercepted(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	ctx := context.Background()

	// A cached entry under the same URL must not be served to a POST.
	store, _ := h.storage.Open(ctx, h.cfg.CacheName())
	keysBefore, _ := store.Keys(ctx)

	req := h.request("POST", "/workout-planner/index.html")
	d := h.worker.OnFetch(req)
	h.worker.Wait()

	if d.Intercepted || d.Response != nil {
		t.Errorf("OnFetch(POST) = %+v, want pass-through", d)
	}
	if h.origin.GetRequestCount() != 0 {
		t.Errorf("worker fetched %d times for a POST", h.origin.GetRequestCount())
	}
	keysAfter, _ := store.Keys(ctx)
	if len(keysAfter) != len(keysBefore) {
		t.Errorf("store changed: %d -> %d entries", len(keysBefore), len(keysAfter))
	}
}

func TestOnFetch_NavigationOnline(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	h.origin.SetResponse("/workout-planner/plans/42", testutil.NewHTMLResponse("<h1>plan 42</h1>"))

	req := h.request("GET", "/workout-planner/plans/42", "Sec-Fetch-Mode", "navigate")
	d := h.worker.OnFetch(req)

	if d.Strategy != StrategyNetworkFirst || d.Source != SourceNetwork {
		t.Fatalf("decision = %s/%s", d.Strategy, d.Source)
	}
	if got := readBody(t, d.Response); got != "<h1>plan 42</h1>" {
		t.Errorf("body = %q", got)
	}

	h.worker.Wait()
	if got, ok := h.stored(t, req); !ok || got != "<h1>plan 42</h1>" {
		t.Errorf("stored = %q, %v", got, ok)
	}
}

func TestOnFetch_NavigationOnlineErrorStatus(t *testing.T) {
	h := newHarness(t)
	h.activate(t)

	req := h.request("GET", "/workout-planner/missing", "Sec-Fetch-Mode", "navigate")
	d := h.worker.OnFetch(req)

	if d.Source != SourceNetwork || d.Response.StatusCode != http.StatusNotFound {
		t.Fatalf("decision = %s, status %d", d.Source, d.Response.StatusCode)
	}
	d.Response.Body.Close()

	h.worker.Wait()
	if _, ok := h.stored(t, req); ok {
		t.Error("404 navigation response was stored")
	}
}

func TestOnFetch_NavigationOffline(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	h.origin.SetOffline(true)

	d := h.worker.OnFetch(h.request("GET", "/workout-planner/plans/42", "Sec-Fetch-Mode", "navigate"))

	if d.Source != SourceShellFallback {
		t.Fatalf("Source = %s, want shell-fallback", d.Source)
	}
	if got := readBody(t, d.Response); got != shellHTML {
		t.Errorf("body = %q, want entry page", got)
	}
}

func TestOnFetch_NavigationOfflineWithoutShell(t *testing.T) {
	h := newHarness(t)
	h.origin.SetOffline(true)

	d := h.worker.OnFetch(h.request("GET", "/workout-planner/plans/42", "Accept", "text/html"))
	if !d.Intercepted || d.Response != nil || d.Source != SourceNone {
		t.Errorf("decision = %+v, want intercepted with no response", d)
	}
}

func TestOnFetch_ShellCacheFirst(t *testing.T) {
	h := newHarness(t)
	h.activate(t)

	d := h.worker.OnFetch(h.request("GET", "/workout-planner/manifest.json"))
	if d.Strategy != StrategyCacheFirst || d.Source != SourceCache {
		t.Fatalf("decision = %s/%s", d.Strategy, d.Source)
	}
	readBody(t, d.Response)
	if n := h.origin.GetRequestCount(); n != 0 {
		t.Errorf("cache-first hit the network %d times", n)
	}
}

func TestOnFetch_ShellMissFetchesAndStores(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	store, _ := h.storage.Open(ctx, h.cfg.CacheName())

	req := h.request("GET", "/workout-planner/icons/icon-192.png")
	d := h.worker.OnFetch(req)
	if d.Source != SourceNetwork {
		t.Fatalf("Source = %s, want network", d.Source)
	}
	body := readBody(t, d.Response)

	h.worker.Wait()
	keys, _ := store.Keys(ctx)
	if len(keys) != 1 {
		t.Fatalf("store keys = %v", keys)
	}
	if got, _ := h.stored(t, req); got != body {
		t.Errorf("stored %q, returned %q", got, body)
	}
}

func TestOnFetch_ShellBothFailServesEntryPage(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	ctx := context.Background()

	// Drop one shell entry, then go offline.
	store, _ := h.storage.Open(ctx, h.cfg.CacheName())
	if _, err := store.Delete(ctx, h.request("GET", "/workout-planner/icons/icon-512.png")); err != nil {
		t.Fatal(err)
	}
	h.origin.SetOffline(true)

	d := h.worker.OnFetch(h.request("GET", "/workout-planner/icons/icon-512.png"))
	if d.Source != SourceShellFallback {
		t.Fatalf("Source = %s, want shell-fallback", d.Source)
	}
	if got := readBody(t, d.Response); got != shellHTML {
		t.Errorf("body = %q", got)
	}
}

func TestOnFetch_StaleWhileRevalidate(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	h.origin.SetResponse("/workout-planner/app.js", testutil.MockResponse{StatusCode: 200, Body: "app v1"})
	req := h.request("GET", "/workout-planner/app.js")

	// Empty store: wait for the network.
	d := h.worker.OnFetch(req)
	if d.Strategy != StrategyStaleWhileRevalidate || d.Source != SourceNetwork {
		t.Fatalf("first decision = %s/%s", d.Strategy, d.Source)
	}
	if got := readBody(t, d.Response); got != "app v1" {
		t.Errorf("first body = %q", got)
	}
	h.worker.Wait()

	// Cached copy wins; the store is refreshed behind it.
	h.origin.SetResponse("/workout-planner/app.js", testutil.MockResponse{StatusCode: 200, Body: "app v2"})
	d = h.worker.OnFetch(req)
	if d.Source != SourceCache {
		t.Fatalf("second Source = %s, want cache", d.Source)
	}
	if got := readBody(t, d.Response); got != "app v1" {
		t.Errorf("second body = %q, want stale copy", got)
	}
	h.worker.Wait()

	if got, _ := h.stored(t, req); got != "app v2" {
		t.Errorf("store after revalidation = %q, want app v2", got)
	}
	if n := h.origin.GetPathCount("/workout-planner/app.js"); n != 2 {
		t.Errorf("network fetches = %d, want 2", n)
	}
}

func TestOnFetch_StaleWhileRevalidateSkipsNon200(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	req := h.request("GET", "/workout-planner/missing.css")

	d := h.worker.OnFetch(req)
	if d.Source != SourceNetwork || d.Response.StatusCode != http.StatusNotFound {
		t.Fatalf("decision = %s", d.Source)
	}
	d.Response.Body.Close()
	h.worker.Wait()

	if _, ok := h.stored(t, req); ok {
		t.Error("404 was stored")
	}
}

func TestOnFetch_StaleWhileRevalidateOffline(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	h.origin.SetOffline(true)

	d := h.worker.OnFetch(h.request("GET", "/workout-planner/app.js"))
	if !d.Intercepted || d.Response != nil {
		t.Errorf("decision = %+v, want no response", d)
	}
}

func TestOnFetch_StaleWhileRevalidateCancelled(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	h.origin.SetResponse("/workout-planner/slow.js", testutil.MockResponse{StatusCode: 200, Body: "slow", Delay: 200 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req := h.request("GET", "/workout-planner/slow.js").WithContext(ctx)

	d := h.worker.OnFetch(req)
	if d.Response != nil {
		t.Errorf("cancelled request got a response from %s", d.Source)
	}

	// The revalidation still completes and is stored.
	h.worker.Wait()
	if got, ok := h.stored(t, h.request("GET", "/workout-planner/slow.js")); !ok || got != "slow" {
		t.Errorf("stored = %q, %v", got, ok)
	}
}

func TestOnFetch_StaleWhileRevalidateBusyBackground(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Worker.BackgroundConcurrency = 1 })
	h.activate(t)
	h.origin.SetResponse("/workout-planner/fast.js", testutil.MockResponse{StatusCode: 200, Body: "fast"})

	// Every write slot is taken, as by a store write that hangs.
	h.worker.bgSem <- struct{}{}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	d := h.worker.OnFetch(h.request("GET", "/workout-planner/fast.js").WithContext(ctx))
	elapsed := time.Since(start)
	<-h.worker.bgSem

	if d.Source != SourceNetwork {
		t.Fatalf("Source = %s after %v, want network", d.Source, elapsed)
	}
	if got := readBody(t, d.Response); got != "fast" {
		t.Errorf("body = %q", got)
	}

	// The write went ahead once the slot was free.
	h.worker.Wait()
	if got, ok := h.stored(t, h.request("GET", "/workout-planner/fast.js")); !ok || got != "fast" {
		t.Errorf("stored = %q, %v", got, ok)
	}
}

func TestOnFetch_CrossOrigin(t *testing.T) {
	cdn := testutil.NewMockOrigin()
	defer cdn.Close()
	cdn.SetResponse("/lib.js", testutil.MockResponse{StatusCode: 200, Body: "lib()"})

	h := newHarness(t)
	h.activate(t)
	req, _ := http.NewRequest("GET", cdn.URL()+"/lib.js", nil)

	d := h.worker.OnFetch(req)
	if d.Strategy != StrategyNetworkOnly || d.Source != SourceNetwork {
		t.Fatalf("decision = %s/%s", d.Strategy, d.Source)
	}
	if got := readBody(t, d.Response); got != "lib()" {
		t.Errorf("body = %q", got)
	}
	h.worker.Wait()
	if _, ok := h.stored(t, req); ok {
		t.Error("cross-origin response was written through")
	}
}

func TestOnFetch_CrossOriginOffline(t *testing.T) {
	cdn := testutil.NewMockOrigin()
	defer cdn.Close()
	cdn.SetOffline(true)

	h := newHarness(t)
	h.activate(t)
	ctx := context.Background()

	fonts, _ := http.NewRequest("GET", cdn.URL()+"/font.woff2", nil)
	lib, _ := http.NewRequest("GET", cdn.URL()+"/lib.js", nil)

	store, _ := h.storage.Open(ctx, h.cfg.CacheName())
	snap := &cache.Snapshot{Status: 200, Header: http.Header{}, Body: []byte("cached lib")}
	if err := store.PutSnapshot(ctx, lib, snap); err != nil {
		t.Fatal(err)
	}

	d := h.worker.OnFetch(lib)
	if d.Source != SourceCache {
		t.Fatalf("Source = %s, want cache", d.Source)
	}
	if got := readBody(t, d.Response); got != "cached lib" {
		t.Errorf("body = %q", got)
	}

	d = h.worker.OnFetch(fonts)
	if !d.Intercepted || d.Response != nil || d.Source != SourceNone {
		t.Errorf("decision = %+v, want no response without shell substitution", d)
	}
}

func TestOnFetch_StoreFailureIsSoft(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	h.backend.failGet.Store(true)

	d := h.worker.OnFetch(h.request("GET", "/workout-planner/index.html"))
	if d.Source != SourceNetwork {
		t.Fatalf("Source = %s, want network", d.Source)
	}
	if got := readBody(t, d.Response); got != shellHTML {
		t.Errorf("body = %q", got)
	}
}

func TestOnFetch_SimpleMode(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.RouterMode = config.RouterModeSimple })
	h.activate(t)
	h.origin.SetResponse("/workout-planner/app.js", testutil.MockResponse{StatusCode: 200, Body: "app v1"})
	req := h.request("GET", "/workout-planner/app.js")

	d := h.worker.OnFetch(req)
	if d.Strategy != StrategyNetworkFallback || d.Source != SourceNetwork {
		t.Fatalf("decision = %s/%s", d.Strategy, d.Source)
	}
	readBody(t, d.Response)
	h.worker.Wait()

	h.origin.SetOffline(true)
	d = h.worker.OnFetch(req)
	if d.Source != SourceCache {
		t.Fatalf("offline Source = %s, want cache", d.Source)
	}
	if got := readBody(t, d.Response); got != "app v1" {
		t.Errorf("offline body = %q", got)
	}

	d = h.worker.OnFetch(h.request("GET", "/workout-planner/plans/7", "Sec-Fetch-Mode", "navigate"))
	if d.Source != SourceShellFallback {
		t.Errorf("offline navigation Source = %s, want shell-fallback", d.Source)
	}
}

func TestOnFetch_ResponsesAreIndependent(t *testing.T) {
	h := newHarness(t)
	h.activate(t)

	first := h.worker.OnFetch(h.request("GET", "/workout-planner/index.html"))
	second := h.worker.OnFetch(h.request("GET", "/workout-planner/index.html"))
	if readBody(t, first.Response) != readBody(t, second.Response) {
		t.Error("cached responses differ")
	}
	if !cache.BodyUsed(first.Response) {
		t.Error("read body not marked used")
	}
}
