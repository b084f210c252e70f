package dispatch

import (
	"crypto/rand"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/caffeineduck/hostbridge/hostfunc"
)

// Option configures a Host.
type Option func(*config)

type config struct {
	logger   *zap.Logger
	clock    func() time.Time
	random   io.Reader
	args     []string
	caps     *hostfunc.Capabilities
	maxPages uint32
	onFatal  func(*FatalError)
}

func defaultConfig() config {
	return config{
		logger: zap.NewNop(),
		clock:  time.Now,
		random: rand.Reader,
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock replaces the wall clock used by clock_time_get and poll_oneoff.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		if now != nil {
			c.clock = now
		}
	}
}

// WithRandom sets the source for random_get.
func WithRandom(r io.Reader) Option {
	return func(c *config) {
		if r != nil {
			c.random = r
		}
	}
}

// WithArgs sets the guest's argv, served locally by args_get.
func WithArgs(args []string) Option {
	return func(c *config) {
		c.args = append([]string(nil), args...)
	}
}

// WithCapabilities restricts forwarded calls to caps. Without it every
// call is forwarded and the host side decides.
func WithCapabilities(caps hostfunc.Capabilities) Option {
	return func(c *config) {
		c.caps = &caps
	}
}

// WithMemoryLimit reports the instance's maximum page count through
// bridge.memory_limit.
func WithMemoryLimit(pages uint32) Option {
	return func(c *config) {
		c.maxPages = pages
	}
}

// WithFatalHandler is called once with the first fatal error, before the
// guest is trapped. Bootstraps use it to cancel the instance context.
func WithFatalHandler(fn func(*FatalError)) Option {
	return func(c *config) {
		c.onFatal = fn
	}
}
