package worker

import (
	"os"
	"path/filepath"

	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"

	"github.com/caffeineduck/hostbridge/dispatch"
)

// Option configures a Bootstrap.
type Option func(*config)

type config struct {
	logger    *zap.Logger
	diskCache bool
	cacheDir  string
	cache     wazero.CompilationCache
	dispatch  []dispatch.Option
}

func defaultConfig() config {
	return config{logger: zap.NewNop()}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithDiskCache enables a persistent compilation cache for faster startup.
// Optionally provide a custom directory; otherwise uses
// ~/.cache/hostbridge or XDG_CACHE_HOME/hostbridge.
//
// Examples:
//
//	worker.New(c, worker.WithDiskCache())            // default dir
//	worker.New(c, worker.WithDiskCache("/tmp/cache")) // custom dir
func WithDiskCache(dir ...string) Option {
	return func(c *config) {
		c.diskCache = true
		if len(dir) > 0 && dir[0] != "" {
			c.cacheDir = dir[0]
		}
	}
}

// WithCompilationCache shares an existing cache. The caller keeps
// ownership and closes it.
func WithCompilationCache(cache wazero.CompilationCache) Option {
	return func(c *config) {
		c.cache = cache
	}
}

// WithDispatchOptions passes options through to the guest's dispatcher,
// e.g. a fixed clock in tests.
func WithDispatchOptions(opts ...dispatch.Option) Option {
	return func(c *config) {
		c.dispatch = append(c.dispatch, opts...)
	}
}

func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "hostbridge")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "hostbridge")
	}
	return filepath.Join(os.TempDir(), "hostbridge-cache")
}
