package poll

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateIssuesDistinctHandles(t *testing.T) {
	r := NewRegistry()
	seen := map[Pollable]bool{}

	var live []Pollable
	for i := 0; i < 100; i++ {
		h, err := r.Create(NewFuture[int]())
		require.NoError(t, err)
		require.NotZero(t, h)
		require.False(t, seen[h], "handle %d issued twice", h)
		seen[h] = true
		live = append(live, h)

		// interleave drops so freed slots would be tempting to reuse
		if i%3 == 0 {
			require.NoError(t, r.Drop(live[0]))
			live = live[1:]
		}
	}
	assert.Equal(t, len(live), r.Len())
}

func TestCreateRejectsAliasedOperation(t *testing.T) {
	r := NewRegistry()
	f := NewFuture[int]()

	_, err := r.Create(f)
	require.NoError(t, err)

	_, err = r.Create(f)
	assert.ErrorIs(t, err, ErrAliased)
}

func TestDropTwiceFails(t *testing.T) {
	r := NewRegistry()
	h, err := r.Create(NewFuture[int]())
	require.NoError(t, err)

	require.NoError(t, r.Drop(h))
	assert.ErrorIs(t, r.Drop(h), ErrInvalidHandle)

	_, err = r.PollOneoff(context.Background(), []Pollable{h})
	assert.ErrorIs(t, err, ErrInvalidHandle)

	_, err = r.Ready(h)
	assert.ErrorIs(t, err, ErrInvalidHandle)
}

func TestDropUnknownDoesNotDisturbOthers(t *testing.T) {
	r := NewRegistry()
	f := NewFuture[int]()
	h, err := r.Create(f)
	require.NoError(t, err)

	assert.ErrorIs(t, r.Drop(h+100), ErrInvalidHandle)
	assert.ErrorIs(t, r.Drop(0), ErrInvalidHandle)

	f.Resolve(1)
	ready, err := r.Ready(h)
	require.NoError(t, err)
	assert.True(t, ready)
}

func TestDropCancelsUnresolved(t *testing.T) {
	r := NewRegistry()
	f := NewFuture[int]()
	canceled := false
	f.OnCancel(func() { canceled = true })

	h, err := r.Create(f)
	require.NoError(t, err)
	require.NoError(t, r.Drop(h))

	assert.True(t, canceled)
	assert.False(t, f.Resolve(42), "late result must be discarded")
}

func TestTakeDoesNotCancel(t *testing.T) {
	r := NewRegistry()
	f := NewFuture[string]()
	f.OnCancel(func() { t.Fatal("take must not cancel") })
	f.Resolve("done")

	h, err := r.Create(f)
	require.NoError(t, err)

	p, err := r.Take(h)
	require.NoError(t, err)
	v, ok := p.(*Future[string]).Value()
	require.True(t, ok)
	assert.Equal(t, "done", v)

	_, err = r.Take(h)
	assert.ErrorIs(t, err, ErrInvalidHandle)
}

func TestPollOneoffEmptyReturnsImmediately(t *testing.T) {
	r := NewRegistry()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ready, err := r.PollOneoff(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, ready)
}

func TestPollOneoffAlreadyResolved(t *testing.T) {
	r := NewRegistry()
	f := NewFuture[int]()
	f.Resolve(1)
	h, err := r.Create(f)
	require.NoError(t, err)

	// a canceled context proves no blocking path is taken
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ready, err := r.PollOneoff(ctx, []Pollable{h})
	require.NoError(t, err)
	assert.Equal(t, []bool{true}, ready)
}

func TestPollOneoffPositionalOrder(t *testing.T) {
	r := NewRegistry()
	f1, f2 := NewFuture[int](), NewFuture[int]()
	p1, err := r.Create(f1)
	require.NoError(t, err)
	p2, err := r.Create(f2)
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		f2.Resolve(2)
	}()

	ready, err := r.PollOneoff(context.Background(), []Pollable{p1, p2})
	require.NoError(t, err)
	assert.Equal(t, []bool{false, true}, ready)

	f1.Resolve(1)

	ready, err = r.PollOneoff(context.Background(), []Pollable{p1, p2})
	require.NoError(t, err)
	assert.Equal(t, []bool{true, true}, ready)

	// idempotent until consumed
	ready, err = r.PollOneoff(context.Background(), []Pollable{p2, p1})
	require.NoError(t, err)
	assert.Equal(t, []bool{true, true}, ready)
}

func TestPollOneoffContextCancel(t *testing.T) {
	r := NewRegistry()
	h1, err := r.Create(NewFuture[int]())
	require.NoError(t, err)
	h2, err := r.Create(NewFuture[int]())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = r.PollOneoff(ctx, []Pollable{h1, h2})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPollOneoffTimer(t *testing.T) {
	r := NewRegistry()
	slow, err := r.Create(After(time.Hour))
	require.NoError(t, err)
	fast, err := r.Create(After(5 * time.Millisecond))
	require.NoError(t, err)

	ready, err := r.PollOneoff(context.Background(), []Pollable{slow, fast})
	require.NoError(t, err)
	assert.Equal(t, []bool{false, true}, ready)

	require.NoError(t, r.Drop(slow))
}

func TestCloseCancelsPending(t *testing.T) {
	r := NewRegistry()
	f := NewFuture[int]()
	var mu sync.Mutex
	canceled := false
	f.OnCancel(func() {
		mu.Lock()
		canceled = true
		mu.Unlock()
	})
	_, err := r.Create(f)
	require.NoError(t, err)

	r.Close()

	mu.Lock()
	assert.True(t, canceled)
	mu.Unlock()
	assert.Zero(t, r.Len())

	_, err = r.Create(NewFuture[int]())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConcurrentCreateDrop(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[Pollable]bool{}

	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				h, err := r.Create(NewFuture[int]())
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				if seen[h] {
					t.Errorf("handle %d reused", h)
				}
				seen[h] = true
				mu.Unlock()
				if err := r.Drop(h); err != nil {
					t.Error(err)
				}
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, r.Len())
}
