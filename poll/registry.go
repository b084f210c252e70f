// Package poll implements the pollable registry: opaque integer handles that
// stand for in-flight or completed asynchronous host operations, and a
// poll-one-of-many primitive that parks the caller until one is ready.
package poll

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
)

var (
	ErrInvalidHandle = errors.New("invalid pollable handle")
	ErrAliased       = errors.New("operation already has a live pollable")
	ErrExhausted     = errors.New("pollable handles exhausted")
	ErrClosed        = errors.New("pollable registry closed")
)

// Pollable is a handle issued by a Registry. Zero is never issued.
type Pollable uint32

// Pending is an asynchronous operation. Implementations must be pointer
// types; the registry uses them as map keys.
type Pending interface {
	Done() <-chan struct{}
}

// Canceler is implemented by pending operations that can discard a result
// which has not arrived yet.
type Canceler interface {
	Cancel()
}

// Registry maps handles to pending operations. Handles increase
// monotonically and are never reissued, so a stale handle always fails
// instead of aliasing a newer operation.
type Registry struct {
	mu      sync.Mutex
	last    uint32
	entries map[Pollable]Pending
	owners  map[Pending]Pollable
	closed  bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[Pollable]Pending),
		owners:  make(map[Pending]Pollable),
	}
}

// Create stores p under a fresh handle.
func (r *Registry) Create(p Pending) (Pollable, error) {
	if p == nil {
		return 0, errors.New("nil pending operation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, ErrClosed
	}
	if h, ok := r.owners[p]; ok {
		return 0, fmt.Errorf("%w: %d", ErrAliased, h)
	}
	if r.last == math.MaxUint32 {
		return 0, ErrExhausted
	}

	r.last++
	h := Pollable(r.last)
	r.entries[h] = p
	r.owners[p] = h
	return h, nil
}

// Get returns the operation behind h.
func (r *Registry) Get(h Pollable) (Pending, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookup(h)
}

// Ready reports whether h's operation has resolved.
func (r *Registry) Ready(h Pollable) (bool, error) {
	p, err := r.Get(h)
	if err != nil {
		return false, err
	}
	return isDone(p), nil
}

// Drop releases h. An unresolved operation is canceled so a late result is
// discarded. Dropping an unknown or already released handle fails.
func (r *Registry) Drop(h Pollable) error {
	p, err := r.remove(h)
	if err != nil {
		return err
	}
	if c, ok := p.(Canceler); ok && !isDone(p) {
		c.Cancel()
	}
	return nil
}

// Take releases h and hands its operation to the caller, which consumes the
// result. The operation is not canceled.
func (r *Registry) Take(h Pollable) (Pending, error) {
	return r.remove(h)
}

// Len returns the number of live handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// PollOneoff blocks until at least one of handles is ready, or ctx ends,
// and reports readiness positionally. An empty set returns immediately.
// Handles that are already ready never cause blocking, and stay ready on
// subsequent calls until they are taken or dropped.
func (r *Registry) PollOneoff(ctx context.Context, handles []Pollable) ([]bool, error) {
	ready := make([]bool, len(handles))
	if len(handles) == 0 {
		return ready, nil
	}

	pending, err := r.resolveAll(handles)
	if err != nil {
		return nil, err
	}

	for {
		found := false
		for i, p := range pending {
			ready[i] = isDone(p)
			found = found || ready[i]
		}
		if found {
			return ready, nil
		}
		if err := waitAny(ctx, pending); err != nil {
			return nil, err
		}
	}
}

// Close cancels every unresolved operation and rejects further creates.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	entries := r.entries
	r.entries = make(map[Pollable]Pending)
	r.owners = make(map[Pending]Pollable)
	r.mu.Unlock()

	for _, p := range entries {
		if c, ok := p.(Canceler); ok && !isDone(p) {
			c.Cancel()
		}
	}
}

func (r *Registry) lookup(h Pollable) (Pending, error) {
	p, ok := r.entries[h]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidHandle, h)
	}
	return p, nil
}

func (r *Registry) remove(h Pollable) (Pending, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.lookup(h)
	if err != nil {
		return nil, err
	}
	delete(r.entries, h)
	delete(r.owners, p)
	return p, nil
}

func (r *Registry) resolveAll(handles []Pollable) ([]Pending, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Pending, len(handles))
	for i, h := range handles {
		p, err := r.lookup(h)
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}

func isDone(p Pending) bool {
	select {
	case <-p.Done():
		return true
	default:
		return false
	}
}

// waitAny parks until one of pending resolves or ctx ends.
func waitAny(ctx context.Context, pending []Pending) error {
	if len(pending) == 1 {
		select {
		case <-pending[0].Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	wake := make(chan struct{}, 1)
	stop := make(chan struct{})
	defer close(stop)

	for _, p := range pending {
		go func(done <-chan struct{}) {
			select {
			case <-done:
				select {
				case wake <- struct{}{}:
				default:
				}
			case <-stop:
			}
		}(p.Done())
	}

	select {
	case <-wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
