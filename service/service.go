// Package service is the trusted side of the bridge. It owns the real
// capabilities (stdio, environment, key/value store, HTTP), launches guests
// on workers and answers their syscall requests.
package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/caffeineduck/hostbridge/conn"
	"github.com/caffeineduck/hostbridge/hostfunc"
	"github.com/caffeineduck/hostbridge/message"
	"github.com/caffeineduck/hostbridge/worker"
)

// Capability names served by every launch.
const (
	FnEnviron = "environ"
	FnFdWrite = "fd_write"
	FnFdRead  = "fd_read"
)

var (
	ErrProtocol = errors.New("protocol violation")
	ErrGuest    = errors.New("guest failed")
	ErrClosed   = errors.New("connection closed before exit")
)

// Result is the outcome of one guest run.
type Result struct {
	ExitCode uint32
	Duration time.Duration
	Error    error
}

// Service launches guests and serves their host calls.
type Service struct {
	registry *hostfunc.Registry
	cfg      runConfig
	log      *zap.Logger
}

// New creates a service. Functions in registry are offered to every guest
// in addition to the built-in stdio, environ, kv and http handlers, and
// replace a built-in of the same name. registry may be nil.
func New(registry *hostfunc.Registry, opts ...Option) *Service {
	cfg := defaultRunConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Service{
		registry: registry,
		cfg:      cfg,
		log:      cfg.logger,
	}
}

func (s *Service) config(opts []Option) runConfig {
	cfg := s.cfg.clone()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// functions builds the registry for one launch.
func (s *Service) functions(cfg runConfig) *hostfunc.Registry {
	reg := hostfunc.NewRegistry()

	stdio := &hostfunc.Stdio{Stdout: cfg.stdout, Stderr: cfg.stderr, Stdin: cfg.stdin}
	reg.Register(FnFdWrite, stdio.Write)
	reg.Register(FnFdRead, stdio.Read)
	reg.Register(FnEnviron, hostfunc.NewEnviron(cfg.env))

	kv := cfg.kv
	if kv == nil {
		kv = hostfunc.NewKVStore(cfg.kvOptions...)
	}
	kv.Register(reg)

	if len(cfg.allowedHosts) > 0 {
		httpCfg := cfg.http
		httpCfg.AllowedHosts = cfg.allowedHosts
		hostfunc.NewHTTP(httpCfg).Register(reg)
	}

	if s.registry != nil {
		for _, name := range s.registry.List() {
			fn, _ := s.registry.Get(name)
			reg.Register(name, fn)
		}
	}
	return reg
}

// Launch drives the worker at the other end of c through one guest run.
// The returned Process resolves when the worker reports the guest's exit.
func (s *Service) Launch(ctx context.Context, c conn.Conn, module []byte, opts ...Option) (*Process, error) {
	cfg := s.config(opts)
	if len(module) == 0 {
		return nil, errors.New("empty module")
	}
	if cfg.maxPages == 0 {
		return nil, errors.New("memory limit must be at least one page")
	}

	reg := s.functions(cfg)
	caps := hostfunc.NewCapabilities(reg.List()...)
	if cfg.restrict {
		caps = hostfunc.NewCapabilities(cfg.capabilities...)
	}

	initial := cfg.initialPages
	if initial > cfg.maxPages {
		initial = cfg.maxPages
	}

	p := &Process{
		ctx:  ctx,
		conn: c,
		reg:  reg,
		caps: caps,
		log:  cfg.logger,
		start: &message.StartMain{
			Bits:         message.NewSharedBuffer(module),
			Args:         cfg.args,
			Capabilities: caps.Names(),
			Memory:       message.MemoryBounds{InitialPages: initial, MaxPages: cfg.maxPages},
		},
		started: time.Now(),
		done:    make(chan struct{}),
	}
	if err := message.Validate(p.start); err != nil {
		return nil, err
	}
	if err := c.OnMessage(p.route); err != nil {
		return nil, err
	}
	go p.watch()
	return p, nil
}

// Run executes module on an in-process worker connected by a pipe.
func (s *Service) Run(ctx context.Context, module []byte, opts ...Option) Result {
	cfg := s.config(opts)
	start := time.Now()

	if cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	workerEnd, serviceEnd := conn.Pipe(conn.WithLogger(cfg.logger))
	w, err := worker.New(workerEnd, append([]worker.Option{worker.WithLogger(cfg.logger)}, cfg.workerOpts...)...)
	if err != nil {
		return Result{Duration: time.Since(start), Error: multierr.Combine(err, workerEnd.Close(), serviceEnd.Close())}
	}

	res, err := s.run(ctx, w, serviceEnd, module, opts)
	if err != nil {
		res = Result{ExitCode: worker.ExitFailure, Error: err}
	}
	res.Duration = time.Since(start)
	res.Error = multierr.Combine(res.Error, w.Close(), serviceEnd.Close())
	return res
}

func (s *Service) run(ctx context.Context, w *worker.Bootstrap, c conn.Conn, module []byte, opts []Option) (Result, error) {
	proc, err := s.Launch(ctx, c, module, opts...)
	if err != nil {
		return Result{}, err
	}
	if err := w.Listen(ctx); err != nil {
		return Result{}, err
	}

	// On timeout the worker tears the guest down and still reports exited.
	<-proc.Done()
	return proc.Result(), nil
}
