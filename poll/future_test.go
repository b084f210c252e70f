package poll

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFutureResolveOrCancelNeverBoth(t *testing.T) {
	for i := 0; i < 2000; i++ {
		f := NewFuture[int]()
		var canceled atomic.Bool
		f.OnCancel(func() { canceled.Store(true) })

		var (
			wg       sync.WaitGroup
			resolved bool
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			resolved = f.Resolve(i)
		}()
		go func() {
			defer wg.Done()
			f.Cancel()
		}()
		wg.Wait()

		if resolved == canceled.Load() {
			t.Fatalf("iteration %d: resolved=%v canceled=%v", i, resolved, canceled.Load())
		}
		assert.Equal(t, resolved, f.Resolved())
	}
}

func TestFutureResolveOnce(t *testing.T) {
	f := NewFuture[string]()
	assert.True(t, f.Resolve("a"))
	assert.False(t, f.Resolve("b"))
	f.Cancel()

	v, ok := f.Value()
	assert.True(t, ok)
	assert.Equal(t, "a", v)
}

func TestFutureResolveAfterCancel(t *testing.T) {
	f := NewFuture[string]()
	f.Cancel()
	assert.False(t, f.Resolve("late"))
	_, ok := f.Value()
	assert.False(t, ok)
}
