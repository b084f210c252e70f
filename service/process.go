package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/caffeineduck/hostbridge/conn"
	"github.com/caffeineduck/hostbridge/errno"
	"github.com/caffeineduck/hostbridge/hostfunc"
	"github.com/caffeineduck/hostbridge/message"
	"github.com/caffeineduck/hostbridge/worker"
)

// Process is one guest run as seen from the service.
type Process struct {
	ctx     context.Context
	conn    conn.Conn
	reg     *hostfunc.Registry
	caps    hostfunc.Capabilities
	log     *zap.Logger
	start   *message.StartMain
	started time.Time

	mu        sync.Mutex
	ready     bool
	violation error
	served    int
	result    Result
	done      chan struct{}
	once      sync.Once
}

// Done is closed once the guest has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the guest exits or ctx is done.
func (p *Process) Wait(ctx context.Context) (Result, error) {
	select {
	case <-p.done:
		return p.Result(), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Result returns the outcome. It is the zero value until Done is closed.
func (p *Process) Result() Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

// Served returns how many syscall requests were answered.
func (p *Process) Served() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.served
}

func (p *Process) route(m message.Message) {
	switch msg := m.(type) {
	case *message.WorkerReady:
		p.onReady()
	case *message.SyscallRequest:
		p.mu.Lock()
		ready := p.ready
		p.mu.Unlock()
		if !ready {
			p.violate(fmt.Errorf("%w: syscallRequest before workerReady", ErrProtocol))
			return
		}
		go p.serve(msg)
	case *message.Exited:
		p.onExited(msg)
	case *message.ProtocolError:
		p.log.Error("worker reported protocol error", zap.String("reason", msg.Reason))
		p.record(fmt.Errorf("%w: worker reported: %s", ErrProtocol, msg.Reason))
	default:
		p.violate(fmt.Errorf("%w: unexpected %s", ErrProtocol, m.Method()))
	}
}

func (p *Process) onReady() {
	p.mu.Lock()
	if p.ready {
		p.mu.Unlock()
		p.violate(fmt.Errorf("%w: second workerReady", ErrProtocol))
		return
	}
	p.ready = true
	p.mu.Unlock()

	p.log.Info("worker ready, starting guest",
		zap.Int("bytes", p.start.Bits.Len()),
		zap.Strings("capabilities", p.start.Capabilities))
	if err := p.conn.Post(p.start); err != nil {
		p.resolve(Result{ExitCode: worker.ExitFailure, Error: fmt.Errorf("send startMain: %w", err)})
	}
}

// serve answers one request. Requests run concurrently with each other.
func (p *Process) serve(req *message.SyscallRequest) {
	resp := &message.SyscallResponse{CallID: req.CallID}

	if !p.caps.Allows(req.Function) {
		resp.Errno = errno.NotCapable
	} else if fn, ok := p.reg.Get(req.Function); !ok {
		resp.Errno = errno.NoSys
	} else {
		result, err := fn(p.ctx, req.Args)
		if err != nil {
			resp.Errno = errno.From(err)
			p.log.Debug("host function failed",
				zap.String("function", req.Function),
				zap.Uint64("call_id", req.CallID),
				zap.Error(err))
		} else {
			resp.Result = result
		}
	}

	p.mu.Lock()
	p.served++
	p.mu.Unlock()

	if err := p.conn.Post(resp); err != nil {
		p.log.Warn("syscall response not sent", zap.Uint64("call_id", req.CallID), zap.Error(err))
	}
}

func (p *Process) onExited(msg *message.Exited) {
	res := Result{ExitCode: msg.Code}
	if msg.Error != "" {
		res.Error = fmt.Errorf("%w: %s", ErrGuest, msg.Error)
	}
	p.log.Info("guest exited", zap.Uint32("code", msg.Code), zap.String("error", msg.Error))
	p.resolve(res)
}

// violate tells the worker its peer broke the protocol, which tears the
// guest down. The worker still reports exited.
func (p *Process) violate(err error) {
	p.log.Error("protocol violation", zap.Error(err))
	p.record(err)
	if perr := p.conn.Post(&message.ProtocolError{Reason: err.Error()}); perr != nil {
		p.log.Warn("protocol error not sent", zap.Error(perr))
	}
}

func (p *Process) record(err error) {
	p.mu.Lock()
	p.violation = multierr.Append(p.violation, err)
	p.mu.Unlock()
}

func (p *Process) resolve(res Result) {
	p.once.Do(func() {
		p.mu.Lock()
		res.Error = multierr.Append(p.violation, res.Error)
		res.Duration = time.Since(p.started)
		p.result = res
		p.mu.Unlock()
		close(p.done)
	})
}

// peerWatcher is implemented by transports that notice when the remote
// side goes away, such as conn.Stream.
type peerWatcher interface {
	PeerGone() <-chan struct{}
}

// watch fails the process if the connection closes, or the worker goes
// away, before the guest exits.
func (p *Process) watch() {
	var gone <-chan struct{}
	if pw, ok := p.conn.(peerWatcher); ok {
		gone = pw.PeerGone()
	}
	select {
	case <-p.done:
	case <-p.conn.Done():
		p.resolve(Result{ExitCode: worker.ExitFailure, Error: ErrClosed})
	case <-gone:
		p.log.Warn("worker went away before exiting")
		p.resolve(Result{ExitCode: worker.ExitFailure, Error: ErrClosed})
	}
}
