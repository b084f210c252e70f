package conn

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caffeineduck/hostbridge/errno"
	"github.com/caffeineduck/hostbridge/message"
)

func streamPair(t *testing.T) (*Stream, *Stream) {
	t.Helper()
	x, y := net.Pipe()
	a := NewStream(x, WithName("a"))
	b := NewStream(y, WithName("b"))
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestStreamRoundTrip(t *testing.T) {
	a, b := streamPair(t)

	c := newCollector()
	require.NoError(t, b.OnMessage(c.handle))

	require.NoError(t, a.Post(&message.WorkerReady{}))
	require.NoError(t, a.Post(&message.SyscallResponse{CallID: 7, Errno: errno.BadF}))
	require.NoError(t, a.Post(&message.StartMain{
		Bits:   message.NewSharedBuffer([]byte{0x00, 0x61, 0x73, 0x6d}),
		Args:   []string{"prog"},
		Memory: message.MemoryBounds{InitialPages: 1, MaxPages: 2},
	}))

	msgs := c.wait(t, 3)
	assert.IsType(t, &message.WorkerReady{}, msgs[0])

	resp := msgs[1].(*message.SyscallResponse)
	assert.Equal(t, uint64(7), resp.CallID)
	assert.Equal(t, errno.BadF, resp.Errno)

	sm := msgs[2].(*message.StartMain)
	assert.Equal(t, []byte{0x00, 0x61, 0x73, 0x6d}, sm.Bits.Bytes())
	assert.Equal(t, []string{"prog"}, sm.Args)
	assert.Equal(t, uint32(2), sm.Memory.MaxPages)
}

func TestStreamBothDirections(t *testing.T) {
	a, b := streamPair(t)

	ca, cb := newCollector(), newCollector()
	require.NoError(t, a.OnMessage(ca.handle))
	require.NoError(t, b.OnMessage(cb.handle))

	for i := uint64(1); i <= 20; i++ {
		require.NoError(t, a.Post(&message.SyscallRequest{CallID: i}))
		require.NoError(t, b.Post(&message.SyscallResponse{CallID: i}))
	}

	for i, m := range cb.wait(t, 20) {
		assert.Equal(t, uint64(i+1), m.(*message.SyscallRequest).CallID)
	}
	for i, m := range ca.wait(t, 20) {
		assert.Equal(t, uint64(i+1), m.(*message.SyscallResponse).CallID)
	}
}

func TestStreamSkipsUndecodableLines(t *testing.T) {
	r, w := io.Pipe()
	s := NewStream(Join(r, nopWriteCloser{io.Discard}))
	defer s.Close()

	c := newCollector()
	require.NoError(t, s.OnMessage(c.handle))

	go func() {
		w.Write([]byte("not json\n"))
		w.Write([]byte(`{"method":"teleport"}` + "\n"))
		w.Write([]byte(`{"method":"exited","code":4}` + "\n"))
	}()

	msgs := c.wait(t, 1)
	assert.Equal(t, uint32(4), msgs[0].(*message.Exited).Code)
}

func TestStreamPeerGone(t *testing.T) {
	a, b := streamPair(t)
	require.NoError(t, b.Close())

	select {
	case <-a.PeerGone():
	case <-time.After(2 * time.Second):
		t.Fatal("peer close not observed")
	}

	require.NoError(t, a.Post(&message.Exited{}))
	select {
	case err := <-a.Errors():
		assert.ErrorIs(t, err, ErrPeerClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("expected delivery error")
	}

	require.NoError(t, a.Close())
	assert.NoError(t, a.Wait())
}

func TestStreamPostAfterClose(t *testing.T) {
	var buf bytes.Buffer
	r, _ := io.Pipe()
	s := NewStream(Join(r, nopWriteCloser{&buf}))

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Post(&message.WorkerReady{}), ErrClosed)
	assert.NoError(t, s.Wait())
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func TestStreamShutdownDeliversQueued(t *testing.T) {
	a, b := streamPair(t)

	c := newCollector()
	require.NoError(t, b.OnMessage(c.handle))

	require.NoError(t, a.Post(&message.ProtocolError{Reason: "late"}))
	require.NoError(t, a.Post(&message.Exited{Code: 1, Error: "late"}))
	require.NoError(t, a.Shutdown())

	msgs := c.wait(t, 2)
	assert.IsType(t, &message.Exited{}, msgs[1])

	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed after draining")
	}
	select {
	case <-b.PeerGone():
	case <-time.After(2 * time.Second):
		t.Fatal("peer did not see the stream close")
	}
}
