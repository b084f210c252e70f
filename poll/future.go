package poll

import (
	"sync"
	"time"
)

// Future is a pending operation resolved at most once from any goroutine.
// Resolution and cancellation exclude each other.
type Future[T any] struct {
	done     chan struct{}
	mu       sync.Mutex
	value    T
	onCancel func()
	resolved bool
	canceled bool
}

// NewFuture returns an unresolved future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolve stores v and wakes pollers. It reports false if the future was
// already resolved or canceled.
func (f *Future[T]) Resolve(v T) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolved || f.canceled {
		return false
	}
	f.value = v
	f.resolved = true
	close(f.done)
	return true
}

// Done is closed once the future resolves.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Resolved reports whether a value is available.
func (f *Future[T]) Resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Value returns the resolved value, or false if still pending.
func (f *Future[T]) Value() (T, bool) {
	if !f.Resolved() {
		var zero T
		return zero, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, true
}

// OnCancel registers fn to run if the future is canceled before resolving.
func (f *Future[T]) OnCancel(fn func()) {
	f.mu.Lock()
	f.onCancel = fn
	f.mu.Unlock()
}

// Cancel withdraws interest in the result. It never blocks.
func (f *Future[T]) Cancel() {
	f.mu.Lock()
	if f.resolved || f.canceled {
		f.mu.Unlock()
		return
	}
	f.canceled = true
	fn := f.onCancel
	f.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Timer is a pollable that becomes ready once its deadline passes.
type Timer struct {
	*Future[time.Time]
	t *time.Timer
}

// After returns a timer that resolves d from now. d <= 0 resolves at once.
func After(d time.Duration) *Timer {
	tm := &Timer{Future: NewFuture[time.Time]()}
	if d <= 0 {
		tm.Resolve(time.Now())
		return tm
	}
	tm.t = time.AfterFunc(d, func() { tm.Resolve(time.Now()) })
	tm.OnCancel(func() { tm.t.Stop() })
	return tm
}
