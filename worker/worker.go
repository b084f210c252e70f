// Package worker is the bootstrap side of the bridge: it owns one host
// connection, announces readiness, and on StartMain compiles, instantiates
// and runs exactly one guest module wired to a dispatch.Host.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/caffeineduck/hostbridge/conn"
	"github.com/caffeineduck/hostbridge/dispatch"
	"github.com/caffeineduck/hostbridge/hostfunc"
	"github.com/caffeineduck/hostbridge/message"
)

const pageSize = 65536

// ExitFailure is the code reported when the guest never ran or was torn
// down by the bridge rather than exiting on its own.
const ExitFailure = 1

var (
	ErrAlreadyListening = errors.New("worker already listening")
	ErrClosed           = errors.New("worker closed")
	ErrNoEntryPoint     = errors.New("module exports neither _start nor main")
	ErrMemoryTooLarge   = errors.New("module memory minimum exceeds limit")
	ErrProtocol         = errors.New("protocol violation")
	ErrFailed           = errors.New("worker failed before start")
)

type state int

const (
	stateIdle state = iota
	stateReady
	stateRunning
	stateExited
	stateFailed
)

// Result describes how the guest ended.
type Result struct {
	Code uint32
	Err  error
}

// Bootstrap runs one guest instance on behalf of the peer at the other end
// of its connection.
type Bootstrap struct {
	conn       conn.Conn
	cfg        config
	log        *zap.Logger
	cache      wazero.CompilationCache
	ownedCache bool

	mu     sync.Mutex
	state  state
	id     string
	host   *dispatch.Host
	cancel context.CancelFunc
	result Result
	done   chan struct{}
	closed bool
}

// New creates a bootstrap bound to c. The bootstrap takes ownership of c.
func New(c conn.Conn, opts ...Option) (*Bootstrap, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	b := &Bootstrap{
		conn:  c,
		cfg:   cfg,
		log:   cfg.logger,
		cache: cfg.cache,
		done:  make(chan struct{}),
	}

	if b.cache == nil && cfg.diskCache {
		dir := cfg.cacheDir
		if dir == "" {
			dir = defaultCacheDir()
		}
		cache, err := wazero.NewCompilationCacheWithDir(dir)
		if err != nil {
			return nil, fmt.Errorf("create compilation cache: %w", err)
		}
		b.cache = cache
		b.ownedCache = true
	}
	return b, nil
}

// Listen announces readiness to the peer and starts routing inbound
// messages. The guest instance runs under ctx; cancelling it tears the
// instance down.
func (b *Bootstrap) Listen(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.state != stateIdle {
		b.mu.Unlock()
		return ErrAlreadyListening
	}
	b.state = stateReady
	b.mu.Unlock()

	// Ready goes out before the handler is registered, so no StartMain can
	// be handled ahead of it.
	if err := b.conn.Post(&message.WorkerReady{}); err != nil {
		return fmt.Errorf("announce ready: %w", err)
	}
	if err := b.conn.OnMessage(func(m message.Message) { b.route(ctx, m) }); err != nil {
		return err
	}
	b.log.Debug("worker ready")
	return nil
}

// Done is closed once the guest has ended, or the instance failed before
// starting, and Exited has been posted.
func (b *Bootstrap) Done() <-chan struct{} {
	return b.done
}

// Wait blocks until the guest ends or ctx is done.
func (b *Bootstrap) Wait(ctx context.Context) (Result, error) {
	select {
	case <-b.done:
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// InstanceID returns the id assigned on StartMain, or "" before it.
func (b *Bootstrap) InstanceID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.id
}

// Stats returns the dispatcher counters of the running or finished guest.
func (b *Bootstrap) Stats() dispatch.Stats {
	b.mu.Lock()
	host := b.host
	b.mu.Unlock()
	if host == nil {
		return dispatch.Stats{}
	}
	return host.Stats()
}

// Close tears down a running guest, waits for it to end, and releases the
// connection and any compilation cache the bootstrap created.
func (b *Bootstrap) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	running := b.state == stateRunning
	cancel := b.cancel
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if running {
		<-b.done
	}

	var errs error
	errs = multierr.Append(errs, b.conn.Close())
	if b.ownedCache && b.cache != nil {
		errs = multierr.Append(errs, b.cache.Close(context.Background()))
	}
	return errs
}

func (b *Bootstrap) route(ctx context.Context, m message.Message) {
	switch msg := m.(type) {
	case *message.StartMain:
		b.start(ctx, msg)
	case *message.SyscallResponse:
		b.mu.Lock()
		host := b.host
		b.mu.Unlock()
		if host == nil {
			b.violation(fmt.Errorf("%w: syscallResponse before startMain", ErrProtocol))
			return
		}
		host.Deliver(msg)
	case *message.ProtocolError:
		b.teardown(fmt.Errorf("%w: peer reported: %s", ErrProtocol, msg.Reason))
	default:
		b.violation(fmt.Errorf("%w: unexpected %s", ErrProtocol, m.Method()))
	}
}

func (b *Bootstrap) start(ctx context.Context, sm *message.StartMain) {
	b.mu.Lock()
	if b.state == stateFailed {
		b.mu.Unlock()
		b.log.Warn("ignoring startMain after failure")
		b.reject(ErrFailed.Error())
		return
	}
	if b.state != stateReady || b.closed {
		id := b.id
		b.mu.Unlock()
		b.log.Warn("ignoring duplicate startMain", zap.String("instance", id))
		b.reject("startMain already received")
		return
	}
	b.state = stateRunning
	b.id = uuid.NewString()
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	id := b.id
	b.mu.Unlock()

	log := b.log.With(zap.String("instance", id))
	go func() {
		defer cancel()
		code, err := b.run(ctx, log, sm, cancel)
		b.finish(log, code, err)
	}()
}

// run executes the guest to completion and returns its exit status.
func (b *Bootstrap) run(ctx context.Context, log *zap.Logger, sm *message.StartMain, cancel context.CancelFunc) (uint32, error) {
	if err := message.Validate(sm); err != nil {
		return ExitFailure, err
	}
	limit := sm.Memory.MaxPages

	rtConfig := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(limit)
	if b.cache != nil {
		rtConfig = rtConfig.WithCompilationCache(b.cache)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	defer rt.Close(context.Background())

	compiled, err := rt.CompileModule(ctx, sm.Bits.Bytes())
	if err != nil {
		return ExitFailure, fmt.Errorf("compile module: %w", err)
	}
	if err := checkMemory(compiled, limit); err != nil {
		return ExitFailure, err
	}

	opts := []dispatch.Option{
		dispatch.WithLogger(log),
		dispatch.WithArgs(sm.Args),
		dispatch.WithMemoryLimit(limit),
		dispatch.WithFatalHandler(func(*dispatch.FatalError) { cancel() }),
	}
	if len(sm.Capabilities) > 0 {
		opts = append(opts, dispatch.WithCapabilities(hostfunc.NewCapabilities(sm.Capabilities...)))
	}
	host := dispatch.New(b.conn, append(opts, b.cfg.dispatch...)...)
	defer host.Close()

	b.mu.Lock()
	b.host = host
	b.mu.Unlock()

	if err := host.Instantiate(ctx, rt); err != nil {
		return ExitFailure, fmt.Errorf("register host modules: %w", err)
	}

	modConfig := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions()
	mod, err := rt.InstantiateModule(ctx, compiled, modConfig)
	if err != nil {
		return ExitFailure, fmt.Errorf("instantiate module: %w", err)
	}
	defer mod.Close(context.Background())

	if err := host.Initialize(mod); err != nil {
		return ExitFailure, err
	}
	if err := growTo(mod.Memory(), sm.Memory.InitialPages); err != nil {
		return ExitFailure, err
	}

	log.Debug("guest started", zap.Int("bytes", sm.Bits.Len()), zap.Strings("args", sm.Args))

	if fn := mod.ExportedFunction("_initialize"); fn != nil {
		if _, err := fn.Call(ctx, zeroParams(fn)...); err != nil {
			return exitStatus(ctx, err, host)
		}
	}

	entry := mod.ExportedFunction("_start")
	if entry == nil {
		entry = mod.ExportedFunction("main")
	}
	if entry == nil {
		return ExitFailure, ErrNoEntryPoint
	}
	_, err = entry.Call(ctx, zeroParams(entry)...)
	return exitStatus(ctx, err, host)
}

func (b *Bootstrap) finish(log *zap.Logger, code uint32, err error) {
	exited := &message.Exited{Code: code}
	if err != nil {
		exited.Error = err.Error()
		log.Error("guest failed", zap.Uint32("code", code), zap.Error(err))
	} else {
		log.Debug("guest exited", zap.Uint32("code", code))
	}
	if perr := b.conn.Post(exited); perr != nil {
		log.Warn("exit not reported", zap.Error(perr))
	}

	b.mu.Lock()
	b.state = stateExited
	b.result = Result{Code: code, Err: err}
	b.mu.Unlock()
	close(b.done)
}

// violation handles a message the worker never expects. A running guest
// is torn down; the peer is told either way.
func (b *Bootstrap) violation(err error) {
	b.reject(err.Error())
	b.teardown(err)
}

func (b *Bootstrap) reject(reason string) {
	if err := b.conn.Post(&message.ProtocolError{Reason: reason}); err != nil {
		b.log.Warn("protocol error not reported", zap.Error(err))
	}
}

// teardown ends the instance after a protocol violation. A running guest
// is aborted and reports exited on its own; before start the instance
// fails outright.
func (b *Bootstrap) teardown(err error) {
	b.mu.Lock()
	host := b.host
	st := b.state
	cancel := b.cancel
	b.mu.Unlock()

	switch {
	case st == stateRunning && host != nil:
		host.Abort(dispatch.FatalProtocol, err)
	case st == stateRunning:
		b.log.Error("protocol violation during start", zap.Error(err))
		cancel()
	case st == stateReady:
		b.fail(err)
	default:
		b.log.Error("protocol violation", zap.Error(err))
	}
}

// fail ends an instance that never started: it reports exited, refuses any
// later startMain and shuts the connection once the report is delivered.
func (b *Bootstrap) fail(err error) {
	b.mu.Lock()
	if b.state != stateReady {
		b.mu.Unlock()
		return
	}
	b.state = stateFailed
	b.result = Result{Code: ExitFailure, Err: err}
	b.mu.Unlock()

	b.log.Error("protocol violation before start", zap.Error(err))
	if perr := b.conn.Post(&message.Exited{Code: ExitFailure, Error: err.Error()}); perr != nil {
		b.log.Warn("exit not reported", zap.Error(perr))
	}
	close(b.done)
	if serr := b.conn.Shutdown(); serr != nil {
		b.log.Warn("connection shutdown", zap.Error(serr))
	}
}

func checkMemory(compiled wazero.CompiledModule, limit uint32) error {
	if imported := compiled.ImportedMemories(); len(imported) > 0 {
		module, name, _ := imported[0].Import()
		return fmt.Errorf("memory import %s.%s cannot be satisfied", module, name)
	}
	for name, def := range compiled.ExportedMemories() {
		if def.Min() > limit {
			return fmt.Errorf("%w: %s wants %d pages, limit is %d", ErrMemoryTooLarge, name, def.Min(), limit)
		}
	}
	return nil
}

func growTo(mem api.Memory, pages uint32) error {
	if mem == nil {
		return dispatch.ErrNoMemory
	}
	cur := mem.Size() / pageSize
	if pages <= cur {
		return nil
	}
	if _, ok := mem.Grow(pages - cur); !ok {
		return fmt.Errorf("grow memory to %d pages: %w", pages, ErrMemoryTooLarge)
	}
	return nil
}

// zeroParams lets a C-style main(argc, argv) be called as an entry point.
func zeroParams(fn api.Function) []uint64 {
	return make([]uint64, len(fn.Definition().ParamTypes()))
}

// exitStatus maps the error returned by a guest export to an exit code.
// A recorded fatal error wins over whatever unwound the guest, and a torn
// down instance never reports the code it was unwinding with.
func exitStatus(ctx context.Context, err error, host *dispatch.Host) (uint32, error) {
	if ferr := host.Err(); ferr != nil {
		return ExitFailure, ferr
	}
	if cerr := ctx.Err(); cerr != nil {
		return ExitFailure, cerr
	}
	if err == nil {
		return 0, nil
	}
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		switch exitErr.ExitCode() {
		case sys.ExitCodeContextCanceled:
			return ExitFailure, context.Canceled
		case sys.ExitCodeDeadlineExceeded:
			return ExitFailure, context.DeadlineExceeded
		}
		return exitErr.ExitCode(), nil
	}
	return ExitFailure, err
}
