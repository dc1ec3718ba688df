// Package config holds the static configuration of the offline cache layer.
//
// A Config is built once at startup (Load or Default + Validate) and then
// passed by pointer to every component. Nothing mutates it afterwards.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every validation error.
var ErrInvalidConfig = errors.New("invalid config")

// RouterMode selects how finely requests are classified.
type RouterMode string

const (
	// RouterModeFull uses the four-way classification (shell, navigation,
	// same-origin static, cross-origin).
	RouterModeFull RouterMode = "full"

	// RouterModeSimple collapses navigation and static handling into a single
	// network-then-cache branch.
	RouterModeSimple RouterMode = "simple"
)

// Storage backends.
const (
	BackendMemory  = "memory"
	BackendRedis   = "redis"
	BackendLevelDB = "leveldb"
)

// Config is the worker configuration.
type Config struct {
	// CacheVersion is bumped to invalidate every previous cache store.
	CacheVersion string `yaml:"cacheVersion"`

	// CachePrefix is prepended to the version to form the store name.
	CachePrefix string `yaml:"cachePrefix"`

	// BasePath is the root path prefix of the app, without trailing slash.
	BasePath string `yaml:"basePath"`

	// EntryPage is the shell entry page relative to BasePath.
	EntryPage string `yaml:"entryPage"`

	// Assets is the ordered list of paths to pre-cache.
	Assets []string `yaml:"coreAssets"`

	// Origin is the public origin of the app (scheme://host[:port]).
	Origin string `yaml:"origin"`

	// Upstream, when set, is where same-origin requests are actually fetched.
	Upstream string `yaml:"upstream"`

	RouterMode RouterMode `yaml:"routerMode"`

	Storage StorageConfig `yaml:"storage"`
	Network NetworkConfig `yaml:"network"`
	Worker  WorkerConfig  `yaml:"worker"`
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`

	origin *url.URL
}

// StorageConfig selects and configures the cache store backend.
type StorageConfig struct {
	Backend     string `yaml:"backend"`
	RedisAddr   string `yaml:"redisAddr"`
	RedisDB     int    `yaml:"redisDB"`
	LevelDBPath string `yaml:"leveldbPath"`
}

// NetworkConfig configures the HTTP fetcher.
type NetworkConfig struct {
	// Timeout is the HTTP client timeout. Zero means none.
	Timeout        time.Duration `yaml:"timeout"`
	MaxAttempts    int           `yaml:"maxAttempts"`
	InitialBackoff time.Duration `yaml:"initialBackoff"`
	UserAgent      string        `yaml:"userAgent"`
}

// WorkerConfig bounds the worker's concurrency.
type WorkerConfig struct {
	PrecacheConcurrency   int `yaml:"precacheConcurrency"`
	BackgroundConcurrency int `yaml:"backgroundConcurrency"`

	// ManualActivation keeps an installed worker waiting until a client sends
	// SKIP_WAITING or every client of the previous version is gone.
	ManualActivation bool `yaml:"manualActivation"`
}

// ServerConfig configures the local proxy.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the configuration of the workout-planner deployment.
func Default() Config {
	base := "/workout-planner"
	return Config{
		CacheVersion: "v1.1",
		CachePrefix:  "desifit",
		BasePath:     base,
		EntryPage:    "index.html",
		Assets: []string{
			base + "/",
			base + "/index.html",
			base + "/manifest.json",
			base + "/icons/icon-192.png",
			base + "/icons/icon-512.png",
		},
		RouterMode: RouterModeFull,
		Storage: StorageConfig{
			Backend:     BackendMemory,
			RedisAddr:   "localhost:6379",
			LevelDBPath: "./data/shellcache",
		},
		Network: NetworkConfig{
			MaxAttempts:    1,
			InitialBackoff: 500 * time.Millisecond,
			UserAgent:      "shellcache/0.1.0",
		},
		Worker: WorkerConfig{
			PrecacheConcurrency:   4,
			BackgroundConcurrency: 32,
		},
		Server: ServerConfig{Port: 8080},
		Log:    LogConfig{Level: "info"},
	}
}

// Load reads an optional YAML file, applies SHELLCACHE_* environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	str("SHELLCACHE_CACHE_VERSION", &c.CacheVersion)
	str("SHELLCACHE_CACHE_PREFIX", &c.CachePrefix)
	str("SHELLCACHE_BASE_PATH", &c.BasePath)
	str("SHELLCACHE_ORIGIN", &c.Origin)
	str("SHELLCACHE_UPSTREAM", &c.Upstream)
	str("SHELLCACHE_STORAGE_BACKEND", &c.Storage.Backend)
	str("SHELLCACHE_REDIS_ADDR", &c.Storage.RedisAddr)
	str("SHELLCACHE_LEVELDB_PATH", &c.Storage.LevelDBPath)
	str("SHELLCACHE_LOG_LEVEL", &c.Log.Level)

	if v, ok := lookup("SHELLCACHE_MANUAL_ACTIVATION"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: SHELLCACHE_MANUAL_ACTIVATION: %v", ErrInvalidConfig, err)
		}
		c.Worker.ManualActivation = b
	}
	if v, ok := lookup("SHELLCACHE_ROUTER_MODE"); ok && v != "" {
		c.RouterMode = RouterMode(v)
	}
	if v, ok := lookup("SHELLCACHE_CORE_ASSETS"); ok && v != "" {
		c.Assets = nil
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				c.Assets = append(c.Assets, p)
			}
		}
	}
	if v, ok := lookup("SHELLCACHE_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: SHELLCACHE_PORT: %v", ErrInvalidConfig, err)
		}
		c.Server.Port = port
	}
	return nil
}

// Validate normalises the config and checks its invariants.
func (c *Config) Validate() error {
	if c.CacheVersion == "" {
		return fmt.Errorf("%w: cacheVersion is required", ErrInvalidConfig)
	}
	if c.CachePrefix == "" {
		return fmt.Errorf("%w: cachePrefix is required", ErrInvalidConfig)
	}
	if c.Origin == "" {
		return fmt.Errorf("%w: origin is required", ErrInvalidConfig)
	}
	u, err := url.Parse(strings.TrimRight(c.Origin, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: origin %q must be scheme://host", ErrInvalidConfig, c.Origin)
	}
	if u.Path != "" {
		return fmt.Errorf("%w: origin %q must not contain a path", ErrInvalidConfig, c.Origin)
	}
	c.origin = u
	c.Origin = u.Scheme + "://" + u.Host

	if c.Upstream != "" {
		up, err := url.Parse(c.Upstream)
		if err != nil || up.Scheme == "" || up.Host == "" {
			return fmt.Errorf("%w: upstream %q must be scheme://host", ErrInvalidConfig, c.Upstream)
		}
		c.Upstream = strings.TrimRight(c.Upstream, "/")
	}

	c.BasePath = "/" + strings.Trim(c.BasePath, "/")
	if c.BasePath == "/" {
		c.BasePath = ""
	}
	c.EntryPage = strings.TrimLeft(c.EntryPage, "/")
	if c.EntryPage == "" {
		return fmt.Errorf("%w: entryPage is required", ErrInvalidConfig)
	}
	for i, p := range c.Assets {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("%w: coreAssets[%d] %q is not an absolute path", ErrInvalidConfig, i, p)
		}
		if !strings.HasPrefix(p, c.BasePath+"/") {
			return fmt.Errorf("%w: coreAssets[%d] %q is outside basePath %q", ErrInvalidConfig, i, p, c.BasePath)
		}
	}

	switch c.RouterMode {
	case "":
		c.RouterMode = RouterModeFull
	case RouterModeFull, RouterModeSimple:
	default:
		return fmt.Errorf("%w: routerMode %q", ErrInvalidConfig, c.RouterMode)
	}

	switch c.Storage.Backend {
	case "":
		c.Storage.Backend = BackendMemory
	case BackendMemory, BackendRedis, BackendLevelDB:
	default:
		return fmt.Errorf("%w: storage.backend %q", ErrInvalidConfig, c.Storage.Backend)
	}

	if c.Network.MaxAttempts < 1 {
		c.Network.MaxAttempts = 1
	}
	if c.Worker.PrecacheConcurrency <= 0 {
		c.Worker.PrecacheConcurrency = 4
	}
	if c.Worker.BackgroundConcurrency <= 0 {
		c.Worker.BackgroundConcurrency = 32
	}
	return nil
}

// CacheName is the name of the current cache store.
func (c *Config) CacheName() string {
	return c.CachePrefix + "-" + c.CacheVersion
}

// RootPath is the base path root ("/workout-planner/").
func (c *Config) RootPath() string {
	return c.BasePath + "/"
}

// EntryPath is the absolute path of the shell entry page.
func (c *Config) EntryPath() string {
	return c.BasePath + "/" + c.EntryPage
}

// CoreAssets returns a copy of the pre-cache list.
func (c *Config) CoreAssets() []string {
	out := make([]string, len(c.Assets))
	copy(out, c.Assets)
	return out
}

// IsShellPath reports whether path belongs to the app shell.
func (c *Config) IsShellPath(path string) bool {
	if path == c.RootPath() || path == c.EntryPath() {
		return true
	}
	for _, p := range c.Assets {
		if p == path {
			return true
		}
	}
	return false
}

// IsSameOrigin reports whether u shares the app's origin.
func (c *Config) IsSameOrigin(u *url.URL) bool {
	if u == nil || !u.IsAbs() {
		return u != nil
	}
	o := c.origin
	if o == nil {
		var err error
		if o, err = url.Parse(c.Origin); err != nil {
			return false
		}
	}
	return strings.EqualFold(u.Scheme, o.Scheme) && strings.EqualFold(u.Host, o.Host)
}

// URL resolves an absolute same-origin path against Origin.
func (c *Config) URL(path string) string {
	return c.Origin + path
}
