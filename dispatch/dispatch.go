// Package dispatch implements the syscall dispatcher that sits between a
// guest instance and its host connection.
//
// A [Host] is bound to one connection and serves exactly one guest. It
// exposes two import namespaces: "bridge", the pollable-based primitive for
// asynchronous host calls, and a preview1 subset under
// "wasi_snapshot_preview1". Calls that need host capability are sent as
// syscallRequest messages and the guest is parked in the pollable registry
// until the correlated syscallResponse arrives through [Host.Deliver].
//
// Every pointer/length argument is checked against the current guest
// memory size before any access. A violation returns EFAULT and leaves
// memory untouched.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/caffeineduck/hostbridge/conn"
	"github.com/caffeineduck/hostbridge/errno"
	"github.com/caffeineduck/hostbridge/message"
	"github.com/caffeineduck/hostbridge/poll"
)

type reply = poll.Future[*message.SyscallResponse]

// Stats are diagnostic counters.
type Stats struct {
	Requests       uint64
	Responses      uint64
	StaleResponses uint64
	Pending        int
}

// Host is the syscall dispatcher for one guest instance.
type Host struct {
	conn  conn.Conn
	cfg   config
	log   *zap.Logger
	reg   *poll.Registry
	start time.Time

	mu      sync.Mutex
	mem     api.Memory
	alloc   api.Function
	nextID  uint64
	pending map[uint64]*reply
	stats   Stats
	env     [][]byte
	fatal   *FatalError
}

// New binds a dispatcher to c. The caller routes inbound syscallResponse
// messages to Deliver.
func New(c conn.Conn, opts ...Option) *Host {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Host{
		conn:    c,
		cfg:     cfg,
		log:     cfg.logger,
		reg:     poll.NewRegistry(),
		start:   cfg.clock(),
		pending: make(map[uint64]*reply),
	}
}

// Initialize captures the instance's exported memory and, if it exports
// one, its allocator. It must run after instantiation and before the entry
// point, exactly once.
func (h *Host) Initialize(mod api.Module) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.mem != nil {
		return ErrAlreadyInitialized
	}
	mem := mod.Memory()
	if mem == nil {
		mem = mod.ExportedMemory("memory")
	}
	if mem == nil {
		return &FatalError{Kind: FatalMemory, Cause: ErrNoMemory}
	}
	h.mem = mem
	h.alloc = findAllocator(mod)
	h.log.Debug("dispatcher initialized",
		zap.Uint32("memory_bytes", mem.Size()),
		zap.Bool("allocator", h.alloc != nil))
	return nil
}

// Deliver resolves the call waiting on resp.CallID. Responses with no
// pending call are dropped and counted.
func (h *Host) Deliver(resp *message.SyscallResponse) {
	h.mu.Lock()
	fut, ok := h.pending[resp.CallID]
	if ok {
		delete(h.pending, resp.CallID)
	}
	h.stats.Responses++
	h.mu.Unlock()

	if ok && fut.Resolve(resp) {
		return
	}

	h.mu.Lock()
	h.stats.StaleResponses++
	h.mu.Unlock()
	h.log.Warn("dropping response with no pending call",
		zap.Uint64("call_id", resp.CallID),
		zap.Stringer("errno", resp.Errno))
}

// Stats returns a snapshot of the counters.
func (h *Host) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.stats
	s.Pending = len(h.pending)
	return s
}

// Err returns the first fatal error raised for the instance, if any.
func (h *Host) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fatal == nil {
		return nil
	}
	return h.fatal
}

// Abort records a fatal error raised outside a guest call, such as a
// protocol violation seen by the bootstrap.
func (h *Host) Abort(kind FatalKind, cause error) {
	h.record(&FatalError{Kind: kind, Cause: cause})
}

// Close cancels every outstanding call. Late responses are then stale.
func (h *Host) Close() {
	h.reg.Close()
}

func (h *Host) record(fe *FatalError) *FatalError {
	h.mu.Lock()
	if h.fatal != nil {
		first := h.fatal
		h.mu.Unlock()
		return first
	}
	h.fatal = fe
	h.mu.Unlock()

	h.log.Error("guest instance failed", zap.String("kind", string(fe.Kind)), zap.Error(fe.Cause))
	if h.cfg.onFatal != nil {
		h.cfg.onFatal(fe)
	}
	return fe
}

// trap records a fatal error and unwinds the guest. wazero turns the panic
// into an error returned from the guest's entry point.
func (h *Host) trap(kind FatalKind, cause error) {
	panic(h.record(&FatalError{Kind: kind, Cause: cause}))
}

// trapIfFailed unwinds the guest if the instance was aborted while it was
// parked.
func (h *Host) trapIfFailed() {
	h.mu.Lock()
	fe := h.fatal
	h.mu.Unlock()
	if fe != nil {
		panic(fe)
	}
}

// memory returns the captured guest memory, trapping if Initialize has not
// run.
func (h *Host) memory(fn string) api.Memory {
	h.mu.Lock()
	mem := h.mem
	h.mu.Unlock()
	if mem == nil {
		h.trap(FatalUninitialized, fmt.Errorf("%s: %w", fn, ErrNotInitialized))
	}
	return mem
}

func (h *Host) allowed(fn string) bool {
	return h.cfg.caps == nil || h.cfg.caps.Allows(fn)
}

// startCall posts a syscallRequest and returns a pollable that resolves
// with the response.
func (h *Host) startCall(fn string, args []byte) (poll.Pollable, error) {
	fut := poll.NewFuture[*message.SyscallResponse]()

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.pending[id] = fut
	h.stats.Requests++
	h.mu.Unlock()

	fut.OnCancel(func() {
		h.mu.Lock()
		delete(h.pending, id)
		h.mu.Unlock()
	})

	p, err := h.reg.Create(fut)
	if err != nil {
		fut.Cancel()
		return 0, err
	}

	h.log.Debug("syscall request", zap.Uint64("call_id", id), zap.String("function", fn))
	if err := h.conn.Post(&message.SyscallRequest{CallID: id, Function: fn, Args: args}); err != nil {
		h.reg.Drop(p)
		return 0, fmt.Errorf("post %s: %w", fn, err)
	}
	return p, nil
}

// roundTrip forwards fn and parks until its response arrives.
func (h *Host) roundTrip(ctx context.Context, fn string, args []byte) (*message.SyscallResponse, errno.Errno) {
	if !h.allowed(fn) {
		return nil, errno.NotCapable
	}

	p, err := h.startCall(fn, args)
	if err != nil {
		h.log.Warn("syscall not sent", zap.String("function", fn), zap.Error(err))
		return nil, errno.IO
	}

	if _, err := h.reg.PollOneoff(ctx, []poll.Pollable{p}); err != nil {
		h.reg.Drop(p)
		h.trapIfFailed()
		return nil, errno.From(err)
	}

	resp, ok := h.takeReply(p)
	if !ok {
		return nil, errno.Inval
	}
	return resp, resp.Errno
}

// takeReply consumes a resolved call pollable.
func (h *Host) takeReply(p poll.Pollable) (*message.SyscallResponse, bool) {
	pd, err := h.reg.Get(p)
	if err != nil {
		return nil, false
	}
	fut, ok := pd.(*reply)
	if !ok {
		return nil, false
	}
	resp, ok := fut.Value()
	if !ok {
		return nil, false
	}
	if _, err := h.reg.Take(p); err != nil {
		return nil, false
	}
	return resp, true
}
