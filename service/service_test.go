package service

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caffeineduck/hostbridge/conn"
	"github.com/caffeineduck/hostbridge/errno"
	"github.com/caffeineduck/hostbridge/hostfunc"
	"github.com/caffeineduck/hostbridge/internal/wasmtest"
	"github.com/caffeineduck/hostbridge/message"
	"github.com/caffeineduck/hostbridge/worker"
)

var (
	i32 = wasmtest.I32
	i64 = wasmtest.I64
)

const preview1 = "wasi_snapshot_preview1"

func procExit(m *wasmtest.Module) uint32 {
	return m.Import(preview1, "proc_exit", wasmtest.Sig(wasmtest.Params(i32)))
}

// helloGuest writes "hello\n" to stdout through fd_write and exits 0.
func helloGuest() []byte {
	m := wasmtest.New()
	fdWrite := m.Import(preview1, "fd_write", wasmtest.Sig(wasmtest.Params(i32, i32, i32, i32), i32))
	exit := procExit(m)
	m.Memory(1, 0).
		Data(0, []byte{16, 0, 0, 0, 6, 0, 0, 0}).
		Data(16, []byte("hello\n"))
	m.Export("_start", m.Func(wasmtest.Sig(nil), nil,
		wasmtest.I32Const(1), wasmtest.I32Const(0), wasmtest.I32Const(1), wasmtest.I32Const(32),
		wasmtest.Call(fdWrite), wasmtest.Call(exit)))
	return m.Bytes()
}

// callGuest calls fn with args through the bridge and exits with the first
// result byte, or 100+errno when the call failed.
func callGuest(fn string, args []byte) []byte {
	m := wasmtest.New()
	call := m.Import("bridge", "call", wasmtest.Sig(wasmtest.Params(i32, i32, i32, i32, i32), i32))
	poll := m.Import("bridge", "poll_oneoff", wasmtest.Sig(wasmtest.Params(i32, i32, i32), i32))
	take := m.Import("bridge", "take", wasmtest.Sig(wasmtest.Params(i32, i32, i32, i32), i32))
	exit := procExit(m)
	m.Memory(1, 0).Data(0, []byte(fn)).Data(256, args)

	m.Export("_start", m.Func(wasmtest.Sig(nil), []wasmtest.ValType{i32},
		wasmtest.I32Const(0), wasmtest.I32Const(int32(len(fn))),
		wasmtest.I32Const(256), wasmtest.I32Const(int32(len(args))), wasmtest.I32Const(128),
		wasmtest.Call(call), wasmtest.LocalSet(0),
		wasmtest.LocalGet(0), wasmtest.If(),
		wasmtest.I32Const(100), wasmtest.LocalGet(0), wasmtest.I32Add, wasmtest.Call(exit),
		wasmtest.End,
		wasmtest.I32Const(128), wasmtest.I32Const(1), wasmtest.I32Const(136),
		wasmtest.Call(poll), wasmtest.Drop,
		wasmtest.I32Const(128), wasmtest.I32Load(0), wasmtest.I32Const(512), wasmtest.I32Const(64), wasmtest.I32Const(140),
		wasmtest.Call(take), wasmtest.LocalSet(0),
		wasmtest.LocalGet(0), wasmtest.If(),
		wasmtest.I32Const(100), wasmtest.LocalGet(0), wasmtest.I32Add, wasmtest.Call(exit),
		wasmtest.End,
		wasmtest.I32Const(512), wasmtest.I32Load8U(0), wasmtest.Call(exit)))
	return m.Bytes()
}

// countGuest exits with the entry count reported by a *_sizes_get import.
func countGuest(sizesGet string) []byte {
	m := wasmtest.New()
	sizes := m.Import(preview1, sizesGet, wasmtest.Sig(wasmtest.Params(i32, i32), i32))
	exit := procExit(m)
	m.Memory(1, 0)
	m.Export("_start", m.Func(wasmtest.Sig(nil), nil,
		wasmtest.I32Const(0), wasmtest.I32Const(4), wasmtest.Call(sizes), wasmtest.Drop,
		wasmtest.I32Const(0), wasmtest.I32Load(0), wasmtest.Call(exit)))
	return m.Bytes()
}

func kvKey(t *testing.T, key string) []byte {
	t.Helper()
	b, err := json.Marshal(hostfunc.KVGetRequest{Key: key})
	require.NoError(t, err)
	return b
}

func TestRunWritesStdout(t *testing.T) {
	var stdout bytes.Buffer
	res := New(nil).Run(context.Background(), helloGuest(), WithStdout(&stdout))

	require.NoError(t, res.Error)
	assert.Equal(t, uint32(0), res.ExitCode)
	assert.Equal(t, "hello\n", stdout.String())
	assert.Positive(t, res.Duration)
}

func TestRunHostCalls(t *testing.T) {
	kv := hostfunc.NewKVStore()
	_, err := kv.Set(context.Background(), []byte(`{"key":"x","value":"*"}`))
	require.NoError(t, err)

	reg := hostfunc.NewRegistry()
	reg.Register("double", func(ctx context.Context, args []byte) ([]byte, error) {
		return []byte{args[0] * 2}, nil
	})
	reg.Register("fail", func(ctx context.Context, args []byte) ([]byte, error) {
		return nil, errno.New(errno.Perm, "nope")
	})
	svc := New(reg, WithKV(kv))

	tests := []struct {
		name string
		fn   string
		args []byte
		opts []Option
		want uint32
	}{
		{"kv hit", "kv_get", kvKey(t, "x"), nil, '*'},
		{"kv miss", "kv_get", kvKey(t, "y"), nil, 100 + uint32(errno.NoEnt)},
		{"custom function", "double", []byte{21}, nil, 42},
		{"handler errno", "fail", nil, nil, 100 + uint32(errno.Perm)},
		{"outside capabilities", "double", []byte{21}, []Option{WithCapabilities("kv_get")}, 100 + uint32(errno.NotCapable)},
		{"http disabled", "http_get", []byte(`{"url":"http://example.com"}`), nil, 100 + uint32(errno.NotCapable)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := svc.Run(context.Background(), callGuest(tt.fn, tt.args), tt.opts...)
			require.NoError(t, res.Error)
			assert.Equal(t, tt.want, res.ExitCode)
		})
	}
}

func TestRunArgsAndEnv(t *testing.T) {
	svc := New(nil)

	res := svc.Run(context.Background(), countGuest("args_sizes_get"), WithArgs("prog", "a", "b"))
	require.NoError(t, res.Error)
	assert.Equal(t, uint32(3), res.ExitCode)

	res = svc.Run(context.Background(), countGuest("environ_sizes_get"),
		WithEnv(map[string]string{"HOME": "/", "LANG": "C"}))
	require.NoError(t, res.Error)
	assert.Equal(t, uint32(2), res.ExitCode)

	res = svc.Run(context.Background(), countGuest("environ_sizes_get"),
		WithEnv(map[string]string{"HOME": "/"}), WithCapabilities(FnFdWrite))
	require.NoError(t, res.Error)
	assert.Equal(t, uint32(0), res.ExitCode)
}

func TestRunTimeoutReleasesParkedGuest(t *testing.T) {
	m := wasmtest.New()
	sleep := m.Import("bridge", "sleep", wasmtest.Sig(wasmtest.Params(i64, i32), i32))
	poll := m.Import("bridge", "poll_oneoff", wasmtest.Sig(wasmtest.Params(i32, i32, i32), i32))
	m.Memory(1, 0)
	m.Export("_start", m.Func(wasmtest.Sig(nil), nil,
		wasmtest.I64Const(int64(time.Hour)), wasmtest.I32Const(0), wasmtest.Call(sleep), wasmtest.Drop,
		wasmtest.I32Const(0), wasmtest.I32Const(1), wasmtest.I32Const(8), wasmtest.Call(poll), wasmtest.Drop))

	start := time.Now()
	res := New(nil, WithTimeout(50*time.Millisecond)).Run(context.Background(), m.Bytes())

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, uint32(worker.ExitFailure), res.ExitCode)
	assert.ErrorIs(t, res.Error, ErrGuest)
	assert.Contains(t, res.Error.Error(), "deadline exceeded")
}

func TestRunInvalidModule(t *testing.T) {
	res := New(nil).Run(context.Background(), []byte("garbage"))
	assert.Equal(t, uint32(worker.ExitFailure), res.ExitCode)
	assert.ErrorIs(t, res.Error, ErrGuest)
}

// fakeWorker is the worker end of a Launch, driven by hand.
type fakeWorker struct {
	conn conn.Conn
	msgs chan message.Message
}

func launch(t *testing.T, opts ...Option) (*Process, *fakeWorker) {
	t.Helper()
	w, s := conn.Pipe()
	t.Cleanup(func() {
		w.Close()
		s.Close()
	})

	fw := &fakeWorker{conn: w, msgs: make(chan message.Message, 16)}
	require.NoError(t, w.OnMessage(func(m message.Message) { fw.msgs <- m }))

	proc, err := New(nil).Launch(context.Background(), s, []byte("\x00asm"), opts...)
	require.NoError(t, err)
	return proc, fw
}

func (f *fakeWorker) next(t *testing.T) message.Message {
	t.Helper()
	select {
	case m := <-f.msgs:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func (f *fakeWorker) ready(t *testing.T) *message.StartMain {
	t.Helper()
	require.NoError(t, f.conn.Post(&message.WorkerReady{}))
	sm, ok := f.next(t).(*message.StartMain)
	require.True(t, ok)
	return sm
}

func TestLaunchSendsStartAfterReady(t *testing.T) {
	_, fw := launch(t, WithArgs("prog"), WithMemory(2, 8), WithCapabilities("kv_get", "fd_write"))

	select {
	case m := <-fw.msgs:
		t.Fatalf("got %T before workerReady", m)
	case <-time.After(20 * time.Millisecond):
	}

	sm := fw.ready(t)
	assert.Equal(t, []string{"prog"}, sm.Args)
	assert.Equal(t, []string{"fd_write", "kv_get"}, sm.Capabilities)
	assert.Equal(t, message.MemoryBounds{InitialPages: 2, MaxPages: 8}, sm.Memory)
	assert.Equal(t, []byte("\x00asm"), sm.Bits.Bytes())
}

func TestLaunchAnswersRequests(t *testing.T) {
	proc, fw := launch(t, WithCapabilities("kv_get", "missing"))
	fw.ready(t)

	tests := []struct {
		fn   string
		want errno.Errno
	}{
		{"kv_set", errno.NotCapable},
		{"missing", errno.NoSys},
		{"kv_get", errno.NoEnt},
	}
	for i, tt := range tests {
		id := uint64(i + 1)
		require.NoError(t, fw.conn.Post(&message.SyscallRequest{CallID: id, Function: tt.fn, Args: []byte(`{"key":"k"}`)}))
		resp, ok := fw.next(t).(*message.SyscallResponse)
		require.True(t, ok)
		assert.Equal(t, id, resp.CallID)
		assert.Equal(t, tt.want, resp.Errno, tt.fn)
	}
	assert.Equal(t, len(tests), proc.Served())

	require.NoError(t, fw.conn.Post(&message.Exited{Code: 3}))
	res, err := proc.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(3), res.ExitCode)
	assert.NoError(t, res.Error)
}

func TestLaunchProtocolViolations(t *testing.T) {
	t.Run("request before ready", func(t *testing.T) {
		proc, fw := launch(t)
		require.NoError(t, fw.conn.Post(&message.SyscallRequest{CallID: 1, Function: "kv_get"}))
		_, ok := fw.next(t).(*message.ProtocolError)
		assert.True(t, ok)

		require.NoError(t, fw.conn.Post(&message.Exited{Code: 1, Error: "torn down"}))
		res, err := proc.Wait(context.Background())
		require.NoError(t, err)
		assert.ErrorIs(t, res.Error, ErrProtocol)
		assert.ErrorIs(t, res.Error, ErrGuest)
	})

	t.Run("second ready", func(t *testing.T) {
		proc, fw := launch(t)
		fw.ready(t)
		require.NoError(t, fw.conn.Post(&message.WorkerReady{}))
		perr, ok := fw.next(t).(*message.ProtocolError)
		require.True(t, ok)
		assert.Contains(t, perr.Reason, "workerReady")

		require.NoError(t, fw.conn.Post(&message.Exited{Code: 0}))
		res, err := proc.Wait(context.Background())
		require.NoError(t, err)
		assert.ErrorIs(t, res.Error, ErrProtocol)
	})

	t.Run("start from worker", func(t *testing.T) {
		_, fw := launch(t)
		fw.ready(t)
		require.NoError(t, fw.conn.Post(&message.StartMain{}))
		_, ok := fw.next(t).(*message.ProtocolError)
		assert.True(t, ok)
	})
}

func TestLaunchConnectionClosed(t *testing.T) {
	w, s := conn.Pipe()
	defer w.Close()

	proc, err := New(nil).Launch(context.Background(), s, []byte("\x00asm"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	res, err := proc.Wait(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, res.Error, ErrClosed)
}

func TestLaunchWorkerGoneOverStream(t *testing.T) {
	a, b := net.Pipe()
	workerEnd := conn.NewStream(a)
	serviceEnd := conn.NewStream(b)
	defer serviceEnd.Close()

	starts := make(chan message.Message, 1)
	require.NoError(t, workerEnd.OnMessage(func(m message.Message) { starts <- m }))

	proc, err := New(nil).Launch(context.Background(), serviceEnd, []byte("\x00asm"))
	require.NoError(t, err)

	require.NoError(t, workerEnd.Post(&message.WorkerReady{}))
	select {
	case m := <-starts:
		require.IsType(t, &message.StartMain{}, m)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for startMain")
	}

	// The worker dies without reporting exited.
	require.NoError(t, workerEnd.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := proc.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(worker.ExitFailure), res.ExitCode)
	assert.ErrorIs(t, res.Error, ErrClosed)
}

func TestLaunchRejectsBadConfig(t *testing.T) {
	w, s := conn.Pipe()
	defer w.Close()
	defer s.Close()

	_, err := New(nil).Launch(context.Background(), s, nil)
	assert.Error(t, err)

	_, err = New(nil).Launch(context.Background(), s, []byte("\x00asm"), WithMemory(0, 0))
	assert.Error(t, err)
}
