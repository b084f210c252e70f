package service

import (
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/caffeineduck/hostbridge/hostfunc"
	"github.com/caffeineduck/hostbridge/worker"
)

const (
	DefaultTimeout      = 30 * time.Second
	DefaultInitialPages = 16
	DefaultMaxPages     = 256 // 16MB
)

// Option configures a Service or a single launch. Options given to New
// are the defaults every launch starts from.
type Option func(*runConfig)

type runConfig struct {
	logger       *zap.Logger
	timeout      time.Duration
	args         []string
	initialPages uint32
	maxPages     uint32
	capabilities []string
	restrict     bool
	stdout       io.Writer
	stderr       io.Writer
	stdin        io.Reader
	env          map[string]string
	kv           *hostfunc.KVStore
	kvOptions    []hostfunc.KVOption
	allowedHosts []string
	http         hostfunc.HTTPConfig
	workerOpts   []worker.Option
}

func defaultRunConfig() runConfig {
	return runConfig{
		logger:       zap.NewNop(),
		timeout:      DefaultTimeout,
		initialPages: DefaultInitialPages,
		maxPages:     DefaultMaxPages,
	}
}

// clone gives a launch its own copy of the slices it may append to.
func (c runConfig) clone() runConfig {
	c.args = append([]string(nil), c.args...)
	c.capabilities = append([]string(nil), c.capabilities...)
	c.kvOptions = append([]hostfunc.KVOption(nil), c.kvOptions...)
	c.allowedHosts = append([]string(nil), c.allowedHosts...)
	c.workerOpts = append([]worker.Option(nil), c.workerOpts...)
	return c
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(c *runConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTimeout sets the maximum execution time. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(c *runConfig) {
		c.timeout = d
	}
}

// WithArgs sets the guest's argv. By convention args[0] is the program name.
func WithArgs(args ...string) Option {
	return func(c *runConfig) {
		c.args = args
	}
}

// WithMemory sets the guest's initial and maximum memory in 64KB pages.
func WithMemory(initialPages, maxPages uint32) Option {
	return func(c *runConfig) {
		c.initialPages = initialPages
		c.maxPages = maxPages
	}
}

// WithCapabilities restricts the guest to the named host functions. Without
// it the guest may call every function registered for the launch.
func WithCapabilities(names ...string) Option {
	return func(c *runConfig) {
		c.capabilities = names
		c.restrict = true
	}
}

// WithStdout routes the guest's fd 1.
func WithStdout(w io.Writer) Option {
	return func(c *runConfig) {
		c.stdout = w
	}
}

// WithStderr routes the guest's fd 2.
func WithStderr(w io.Writer) Option {
	return func(c *runConfig) {
		c.stderr = w
	}
}

// WithStdin feeds the guest's fd 0.
func WithStdin(r io.Reader) Option {
	return func(c *runConfig) {
		c.stdin = r
	}
}

// WithEnv sets the guest's environment.
func WithEnv(env map[string]string) Option {
	return func(c *runConfig) {
		c.env = env
	}
}

// WithKV provides a KV store for persistence across runs. Without it each
// launch gets a fresh store.
func WithKV(kv *hostfunc.KVStore) Option {
	return func(c *runConfig) {
		c.kv = kv
	}
}

// WithKVOptions sets limits on the per-launch store created when WithKV is
// not given.
func WithKVOptions(opts ...hostfunc.KVOption) Option {
	return func(c *runConfig) {
		c.kvOptions = append(c.kvOptions, opts...)
	}
}

// WithAllowedHosts enables http_get and http_request for the listed hosts.
func WithAllowedHosts(hosts ...string) Option {
	return func(c *runConfig) {
		c.allowedHosts = hosts
	}
}

// WithHTTPMaxURLLength sets the maximum URL length for HTTP requests.
func WithHTTPMaxURLLength(n int) Option {
	return func(c *runConfig) {
		c.http.MaxURLLength = n
	}
}

// WithHTTPMaxBodySize sets the maximum response body size for HTTP requests.
func WithHTTPMaxBodySize(n int64) Option {
	return func(c *runConfig) {
		c.http.MaxBodySize = n
	}
}

// WithWorkerOptions configures the in-process worker started by Run.
func WithWorkerOptions(opts ...worker.Option) Option {
	return func(c *runConfig) {
		c.workerOpts = append(c.workerOpts, opts...)
	}
}
