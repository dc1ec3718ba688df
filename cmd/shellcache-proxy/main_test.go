package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Sternrassler/shellcache/internal/testutil"
	"github.com/Sternrassler/shellcache/pkg/cache"
	"github.com/Sternrassler/shellcache/pkg/config"
	"github.com/Sternrassler/shellcache/pkg/network"
	"github.com/Sternrassler/shellcache/pkg/registration"
	"github.com/Sternrassler/shellcache/pkg/worker"
	"github.com/rs/zerolog"
)

type testProxy struct {
	origin  *testutil.MockOrigin
	cfg     *config.Config
	storage *cache.Storage
	fetcher *network.HTTPFetcher
	reg     *registration.Registration
	handler http.Handler
}

func newTestProxy(t *testing.T, mutate ...func(*config.Config)) *testProxy {
	t.Helper()
	origin := testutil.NewMockOrigin()
	t.Cleanup(origin.Close)
	origin.SetShell("/workout-planner", "v1.1")

	cfg := config.Default()
	cfg.Origin = "https://app.example.com"
	cfg.Upstream = origin.URL()
	for _, m := range mutate {
		m(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	fetcher, err := network.New(&cfg)
	if err != nil {
		t.Fatal(err)
	}
	reg := registration.New(zerolog.Nop())
	t.Cleanup(reg.Close)

	p := &testProxy{
		origin:  origin,
		cfg:     &cfg,
		storage: cache.NewStorage(cache.NewMemoryBackend()),
		fetcher: fetcher,
		reg:     reg,
	}
	p.handler = newRouter(&cfg, reg, fetcher, zerolog.Nop())
	return p
}

func (p *testProxy) register(t *testing.T, cfg *config.Config) *worker.Worker {
	t.Helper()
	w, err := worker.New(cfg, p.storage, p.fetcher, worker.WithLogger(zerolog.Nop()), worker.WithClients(p.reg))
	if err != nil {
		t.Fatal(err)
	}
	if err := p.reg.Register(context.Background(), w); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return w
}

func (p *testProxy) do(method, target string, body io.Reader, header ...string) *http.Response {
	req := httptest.NewRequest(method, target, body)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	p.handler.ServeHTTP(rec, req)
	return rec.Result()
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestHealthEndpoint(t *testing.T) {
	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()

	healthHandler(w, req)

	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got %s", string(body))
	}
}

func TestReadyEndpoint(t *testing.T) {
	p := newTestProxy(t)

	t.Run("not_ready_without_worker", func(t *testing.T) {
		resp := p.do("GET", "/readyz", nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("Expected status 503, got %d", resp.StatusCode)
		}
	})

	p.register(t, p.cfg)

	t.Run("ready", func(t *testing.T) {
		resp := p.do("GET", "/readyz", nil)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("Expected status 200, got %d", resp.StatusCode)
		}
		if body := readAll(t, resp); body != "OK" {
			t.Errorf("Expected body 'OK', got %s", body)
		}
	})
}

func TestMetricsEndpoint(t *testing.T) {
	p := newTestProxy(t)
	p.register(t, p.cfg)

	resp := p.do("GET", "/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	bodyStr := readAll(t, resp)

	if !strings.Contains(bodyStr, "# HELP") || !strings.Contains(bodyStr, "# TYPE") {
		t.Error("Expected Prometheus format metrics output")
	}
	if !strings.Contains(bodyStr, "shellcache_precache_assets_total") {
		t.Error("Expected metrics output to contain shellcache_precache_assets_total")
	}
}

func TestProxy_OfflineNavigationServesShell(t *testing.T) {
	p := newTestProxy(t)
	p.register(t, p.cfg)
	p.origin.SetOffline(true)

	resp := p.do("GET", "/workout-planner/plans/3", nil, "Sec-Fetch-Mode", "navigate")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Shellcache-Source"); got != string(worker.SourceShellFallback) {
		t.Errorf("X-Shellcache-Source = %q", got)
	}
	if got := resp.Header.Get("Content-Type"); !strings.HasPrefix(got, "text/html") {
		t.Errorf("Content-Type = %q", got)
	}
	if body := readAll(t, resp); !strings.Contains(body, "planner v1.1") {
		t.Errorf("body = %q", body)
	}
}

func TestProxy_ShellFromCache(t *testing.T) {
	p := newTestProxy(t)
	p.register(t, p.cfg)
	p.origin.Reset()

	resp := p.do("GET", "/workout-planner/manifest.json", nil)
	if got := resp.Header.Get("X-Shellcache-Strategy"); got != string(worker.StrategyCacheFirst) {
		t.Errorf("X-Shellcache-Strategy = %q", got)
	}
	readAll(t, resp)
	if p.origin.GetRequestCount() != 0 {
		t.Errorf("origin hit %d times for a cached shell asset", p.origin.GetRequestCount())
	}
}

func TestProxy_PostPassesThrough(t *testing.T) {
	p := newTestProxy(t)
	p.register(t, p.cfg)
	p.origin.SetHandler("/workout-planner/api/plans", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		w.Write(body)
	})

	resp := p.do("POST", "/workout-planner/api/plans", strings.NewReader(`{"name":"legs"}`))
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("status = %d, want 201", resp.StatusCode)
	}
	if resp.Header.Get("X-Shellcache-Strategy") != "" {
		t.Error("POST was intercepted")
	}
	if body := readAll(t, resp); body != `{"name":"legs"}` {
		t.Errorf("body = %q", body)
	}
}

func TestProxy_OfflineUncached(t *testing.T) {
	p := newTestProxy(t)
	p.register(t, p.cfg)
	p.origin.SetOffline(true)

	resp := p.do("GET", "/workout-planner/app.js", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", resp.StatusCode)
	}

	resp = p.do("POST", "/workout-planner/api/plans", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("pass-through status = %d, want 502", resp.StatusCode)
	}
}

func TestMessageEndpoint(t *testing.T) {
	p := newTestProxy(t, func(c *config.Config) { c.Worker.ManualActivation = true })
	p.register(t, p.cfg)
	p.reg.Connect()

	next := *p.cfg
	next.CacheVersion = "v1.2"
	v2 := p.register(t, &next)
	if p.reg.Waiting() != v2 {
		t.Fatal("new version should be waiting")
	}

	resp := p.do("POST", "/_shellcache/message", strings.NewReader(`{"type":"HELLO"}`))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("unknown message status = %d, want 204", resp.StatusCode)
	}

	resp = p.do("POST", "/_shellcache/message", strings.NewReader(`{"type":"SKIP_WAITING"}`))
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("SKIP_WAITING status = %d, want 202", resp.StatusCode)
	}
	if p.reg.Active() != v2 || v2.State() != worker.StateActivated {
		t.Errorf("v2 not activated, state %s", v2.State())
	}
}

func TestIncoming(t *testing.T) {
	cfg := config.Default()
	cfg.Origin = "https://app.example.com"
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		target string
		want   string
	}{
		{"origin form", "/workout-planner/app.js?v=2", "https://app.example.com/workout-planner/app.js?v=2"},
		{"absolute form", "https://cdn.example.net/lib.js", "https://cdn.example.net/lib.js"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := incoming(&cfg, httptest.NewRequest("GET", tt.target, nil))
			if got := req.URL.String(); got != tt.want {
				t.Errorf("URL = %q, want %q", got, tt.want)
			}
			if req.RequestURI != "" {
				t.Errorf("RequestURI = %q, want empty", req.RequestURI)
			}
		})
	}
}

func TestOpenStorage(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		storage config.StorageConfig
		want    string
		wantErr bool
	}{
		{name: "memory", storage: config.StorageConfig{Backend: config.BackendMemory}, want: "memory"},
		{name: "leveldb", storage: config.StorageConfig{Backend: config.BackendLevelDB, LevelDBPath: t.TempDir()}, want: "leveldb"},
		{name: "redis unreachable", storage: config.StorageConfig{Backend: config.BackendRedis, RedisAddr: "127.0.0.1:1"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Storage = tt.storage
			s, err := openStorage(ctx, &cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("openStorage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			defer s.Close()
			if got := s.Backend().Name(); got != tt.want {
				t.Errorf("backend = %q, want %q", got, tt.want)
			}
		})
	}
}
