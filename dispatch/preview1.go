package dispatch

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"runtime"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/caffeineduck/hostbridge/errno"
	"github.com/caffeineduck/hostbridge/poll"
)

// Preview1Module is the WASI preview1 import namespace.
const Preview1Module = "wasi_snapshot_preview1"

const (
	clockRealtime  = 0
	clockMonotonic = 1

	fdStdin  = 0
	fdStdout = 1
	fdStderr = 2

	filetypeCharacterDevice = 2

	rightFdRead        = 1 << 1
	rightFdWrite       = 1 << 6
	rightPollReadWrite = 1 << 27

	eventClock   = 0
	eventFdRead  = 1
	eventFdWrite = 2

	subscriptionSize = 48
	eventSize        = 32
	fdstatSize       = 24

	subclockAbstime = 1
)

// unsupported lists preview1 functions a guest may import but the bridge
// does not serve. Invoking one ends the instance.
var unsupported = []struct {
	name   string
	params []api.ValueType
}{
	{"fd_advise", []api.ValueType{i32, i64, i64, i32}},
	{"fd_allocate", []api.ValueType{i32, i64, i64}},
	{"fd_datasync", []api.ValueType{i32}},
	{"fd_fdstat_set_flags", []api.ValueType{i32, i32}},
	{"fd_fdstat_set_rights", []api.ValueType{i32, i64, i64}},
	{"fd_filestat_get", []api.ValueType{i32, i32}},
	{"fd_filestat_set_size", []api.ValueType{i32, i64}},
	{"fd_filestat_set_times", []api.ValueType{i32, i64, i64, i32}},
	{"fd_pread", []api.ValueType{i32, i32, i32, i64, i32}},
	{"fd_pwrite", []api.ValueType{i32, i32, i32, i64, i32}},
	{"fd_readdir", []api.ValueType{i32, i32, i32, i64, i32}},
	{"fd_renumber", []api.ValueType{i32, i32}},
	{"fd_sync", []api.ValueType{i32}},
	{"fd_tell", []api.ValueType{i32, i32}},
	{"path_create_directory", []api.ValueType{i32, i32, i32}},
	{"path_filestat_get", []api.ValueType{i32, i32, i32, i32, i32}},
	{"path_filestat_set_times", []api.ValueType{i32, i32, i32, i32, i64, i64, i32}},
	{"path_link", []api.ValueType{i32, i32, i32, i32, i32, i32, i32}},
	{"path_open", []api.ValueType{i32, i32, i32, i32, i32, i64, i64, i32, i32}},
	{"path_readlink", []api.ValueType{i32, i32, i32, i32, i32, i32}},
	{"path_remove_directory", []api.ValueType{i32, i32, i32}},
	{"path_rename", []api.ValueType{i32, i32, i32, i32, i32, i32}},
	{"path_symlink", []api.ValueType{i32, i32, i32, i32, i32}},
	{"path_unlink_file", []api.ValueType{i32, i32, i32}},
	{"proc_raise", []api.ValueType{i32}},
	{"sock_accept", []api.ValueType{i32, i32, i32}},
	{"sock_recv", []api.ValueType{i32, i32, i32, i32, i32, i32}},
	{"sock_send", []api.ValueType{i32, i32, i32, i32, i32}},
	{"sock_shutdown", []api.ValueType{i32, i32}},
}

func (h *Host) preview1Builder(rt wazero.Runtime) wazero.HostModuleBuilder {
	b := rt.NewHostModuleBuilder(Preview1Module)

	export(b, "args_get", 2, func(ctx context.Context, mod api.Module, stack []uint64) {
		stack[0] = uint64(h.argsGet(u32(stack[0]), u32(stack[1])))
	})
	export(b, "args_sizes_get", 2, func(ctx context.Context, mod api.Module, stack []uint64) {
		stack[0] = uint64(h.argsSizesGet(u32(stack[0]), u32(stack[1])))
	})
	export(b, "environ_get", 2, func(ctx context.Context, mod api.Module, stack []uint64) {
		stack[0] = uint64(h.environGet(ctx, u32(stack[0]), u32(stack[1])))
	})
	export(b, "environ_sizes_get", 2, func(ctx context.Context, mod api.Module, stack []uint64) {
		stack[0] = uint64(h.environSizesGet(ctx, u32(stack[0]), u32(stack[1])))
	})
	export(b, "clock_res_get", 2, func(ctx context.Context, mod api.Module, stack []uint64) {
		stack[0] = uint64(h.clockResGet(u32(stack[0]), u32(stack[1])))
	})
	exportSig(b, "clock_time_get", []api.ValueType{i32, i64, i32}, func(ctx context.Context, mod api.Module, stack []uint64) {
		stack[0] = uint64(h.clockTimeGet(u32(stack[0]), u32(stack[2])))
	})
	export(b, "random_get", 2, func(ctx context.Context, mod api.Module, stack []uint64) {
		stack[0] = uint64(h.randomGet(u32(stack[0]), u32(stack[1])))
	})
	export(b, "sched_yield", 0, func(ctx context.Context, mod api.Module, stack []uint64) {
		stack[0] = uint64(h.schedYield())
	})
	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			h.procExit(ctx, mod, u32(stack[0]))
		}), []api.ValueType{i32}, nil).
		Export("proc_exit")
	export(b, "fd_close", 1, func(ctx context.Context, mod api.Module, stack []uint64) {
		stack[0] = uint64(h.fdClose(u32(stack[0])))
	})
	export(b, "fd_fdstat_get", 2, func(ctx context.Context, mod api.Module, stack []uint64) {
		stack[0] = uint64(h.fdFdstatGet(u32(stack[0]), u32(stack[1])))
	})
	export(b, "fd_prestat_get", 2, func(ctx context.Context, mod api.Module, stack []uint64) {
		stack[0] = uint64(h.fdPrestat("fd_prestat_get"))
	})
	export(b, "fd_prestat_dir_name", 3, func(ctx context.Context, mod api.Module, stack []uint64) {
		stack[0] = uint64(h.fdPrestat("fd_prestat_dir_name"))
	})
	exportSig(b, "fd_seek", []api.ValueType{i32, i64, i32, i32}, func(ctx context.Context, mod api.Module, stack []uint64) {
		stack[0] = uint64(h.fdSeek(u32(stack[0])))
	})
	export(b, "fd_write", 4, func(ctx context.Context, mod api.Module, stack []uint64) {
		stack[0] = uint64(h.fdWrite(ctx, u32(stack[0]), u32(stack[1]), u32(stack[2]), u32(stack[3])))
	})
	export(b, "fd_read", 4, func(ctx context.Context, mod api.Module, stack []uint64) {
		stack[0] = uint64(h.fdRead(ctx, u32(stack[0]), u32(stack[1]), u32(stack[2]), u32(stack[3])))
	})
	export(b, "poll_oneoff", 4, func(ctx context.Context, mod api.Module, stack []uint64) {
		stack[0] = uint64(h.pollSubscriptions(ctx, u32(stack[0]), u32(stack[1]), u32(stack[2]), u32(stack[3])))
	})

	for _, u := range unsupported {
		name := u.name
		exportSig(b, name, u.params, func(ctx context.Context, mod api.Module, stack []uint64) {
			h.trap(FatalUnknownImport, fmt.Errorf("%w: %s", ErrUnknownImport, name))
		})
	}
	return b
}

// writeStrings lays out NUL-terminated entries at buf and their addresses
// at ptrs, the argv/environ convention.
func writeStrings(mem api.Memory, ptrs, buf uint32, entries [][]byte) errno.Errno {
	var size uint64
	for _, e := range entries {
		size += uint64(len(e))
	}
	if size > math.MaxUint32 || uint64(len(entries))*4 > math.MaxUint32 {
		return errno.Fault
	}
	if !fits(mem, span{ptrs, uint32(len(entries)) * 4}, span{buf, uint32(size)}) {
		return errno.Fault
	}

	addrs := make([]byte, 4*len(entries))
	block := make([]byte, 0, size)
	for i, e := range entries {
		binary.LittleEndian.PutUint32(addrs[i*4:], buf+uint32(len(block)))
		block = append(block, e...)
	}
	writeBytes(mem, ptrs, addrs)
	writeBytes(mem, buf, block)
	return errno.Success
}

func writeSizes(mem api.Memory, countPtr, sizePtr uint32, entries [][]byte) errno.Errno {
	if !fits(mem, span{countPtr, 4}, span{sizePtr, 4}) {
		return errno.Fault
	}
	var size uint32
	for _, e := range entries {
		size += uint32(len(e))
	}
	writeU32(mem, countPtr, uint32(len(entries)))
	writeU32(mem, sizePtr, size)
	return errno.Success
}

func (h *Host) argv() [][]byte {
	out := make([][]byte, len(h.cfg.args))
	for i, a := range h.cfg.args {
		out[i] = append([]byte(a), 0)
	}
	return out
}

func (h *Host) argsGet(argvPtr, bufPtr uint32) errno.Errno {
	return writeStrings(h.memory("args_get"), argvPtr, bufPtr, h.argv())
}

func (h *Host) argsSizesGet(countPtr, sizePtr uint32) errno.Errno {
	return writeSizes(h.memory("args_sizes_get"), countPtr, sizePtr, h.argv())
}

// environ fetches the environment block from the host once per instance.
// A guest without the environ capability sees an empty environment.
func (h *Host) environ(ctx context.Context) ([][]byte, errno.Errno) {
	h.mu.Lock()
	env := h.env
	h.mu.Unlock()
	if env != nil {
		return env, errno.Success
	}

	resp, e := h.roundTrip(ctx, "environ", nil)
	switch e {
	case errno.Success:
		env = splitEntries(resp.Result)
	case errno.NotCapable:
		env = [][]byte{}
	default:
		return nil, e
	}

	h.mu.Lock()
	h.env = env
	h.mu.Unlock()
	return env, errno.Success
}

// splitEntries splits a NUL-terminated block, keeping each terminator.
func splitEntries(block []byte) [][]byte {
	out := [][]byte{}
	for len(block) > 0 {
		i := bytes.IndexByte(block, 0)
		if i < 0 {
			out = append(out, append(bytes.Clone(block), 0))
			break
		}
		out = append(out, block[:i+1])
		block = block[i+1:]
	}
	return out
}

func (h *Host) environGet(ctx context.Context, ptrs, buf uint32) errno.Errno {
	mem := h.memory("environ_get")
	env, e := h.environ(ctx)
	if e != errno.Success {
		return e
	}
	return writeStrings(mem, ptrs, buf, env)
}

func (h *Host) environSizesGet(ctx context.Context, countPtr, sizePtr uint32) errno.Errno {
	mem := h.memory("environ_sizes_get")
	if !fits(mem, span{countPtr, 4}, span{sizePtr, 4}) {
		return errno.Fault
	}
	env, e := h.environ(ctx)
	if e != errno.Success {
		return e
	}
	return writeSizes(mem, countPtr, sizePtr, env)
}

// clockNow returns the reading of clock id in nanoseconds.
func (h *Host) clockNow(id uint32) (uint64, bool) {
	now := h.cfg.clock()
	switch id {
	case clockRealtime:
		return uint64(now.UnixNano()), true
	case clockMonotonic:
		return uint64(now.Sub(h.start)), true
	default:
		return 0, false
	}
}

func (h *Host) clockResGet(id, resPtr uint32) errno.Errno {
	mem := h.memory("clock_res_get")
	if id != clockRealtime && id != clockMonotonic {
		return errno.Inval
	}
	if !writeU64(mem, resPtr, 1) {
		return errno.Fault
	}
	return errno.Success
}

func (h *Host) clockTimeGet(id, timePtr uint32) errno.Errno {
	mem := h.memory("clock_time_get")
	if !fits(mem, span{timePtr, 8}) {
		return errno.Fault
	}
	t, ok := h.clockNow(id)
	if !ok {
		return errno.Inval
	}
	writeU64(mem, timePtr, t)
	return errno.Success
}

func (h *Host) randomGet(buf, n uint32) errno.Errno {
	mem := h.memory("random_get")
	if !fits(mem, span{buf, n}) {
		return errno.Fault
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(h.cfg.random, b); err != nil {
		return errno.IO
	}
	writeBytes(mem, buf, b)
	return errno.Success
}

func (h *Host) schedYield() errno.Errno {
	h.memory("sched_yield")
	runtime.Gosched()
	return errno.Success
}

// procExit closes the instance with code and unwinds the guest.
func (h *Host) procExit(ctx context.Context, mod api.Module, code uint32) {
	h.memory("proc_exit")
	h.log.Debug("guest exit", zap.Uint32("code", code))
	_ = mod.CloseWithExitCode(ctx, code)
	panic(sys.NewExitError(code))
}

func isStdio(fd uint32) bool { return fd <= fdStderr }

func (h *Host) fdClose(fd uint32) errno.Errno {
	h.memory("fd_close")
	if !isStdio(fd) {
		return errno.BadF
	}
	return errno.Success
}

func (h *Host) fdFdstatGet(fd, statPtr uint32) errno.Errno {
	mem := h.memory("fd_fdstat_get")
	if !isStdio(fd) {
		return errno.BadF
	}
	if !fits(mem, span{statPtr, fdstatSize}) {
		return errno.Fault
	}

	rights := uint64(rightFdWrite | rightPollReadWrite)
	if fd == fdStdin {
		rights = rightFdRead | rightPollReadWrite
	}
	stat := make([]byte, fdstatSize)
	stat[0] = filetypeCharacterDevice
	binary.LittleEndian.PutUint64(stat[8:], rights)
	writeBytes(mem, statPtr, stat)
	return errno.Success
}

// fdPrestat reports that no directories are preopened.
func (h *Host) fdPrestat(fn string) errno.Errno {
	h.memory(fn)
	return errno.BadF
}

func (h *Host) fdSeek(fd uint32) errno.Errno {
	h.memory("fd_seek")
	if isStdio(fd) {
		return errno.SPipe
	}
	return errno.BadF
}

// fdWrite gathers the iovecs and forwards them as one "fd_write" call with
// args [fd u32][data].
func (h *Host) fdWrite(ctx context.Context, fd, iovs, iovsLen, nwrittenPtr uint32) errno.Errno {
	mem := h.memory("fd_write")
	if fd != fdStdout && fd != fdStderr {
		return errno.BadF
	}
	vecs, ok := readIovecs(mem, iovs, iovsLen)
	if !ok || !fits(mem, span{nwrittenPtr, 4}) {
		return errno.Fault
	}

	payload := binary.LittleEndian.AppendUint32(nil, fd)
	for _, v := range vecs {
		b, _ := readBytes(mem, v.buf, v.len)
		payload = append(payload, b...)
	}

	resp, e := h.roundTrip(ctx, "fd_write", payload)
	if e != errno.Success {
		return e
	}
	n := uint32(len(payload) - 4)
	if len(resp.Result) >= 4 {
		n = binary.LittleEndian.Uint32(resp.Result)
	}
	writeU32(mem, nwrittenPtr, n)
	return errno.Success
}

// fdRead forwards one "fd_read" call with args [fd u32][maxlen u32] and
// scatters the returned bytes across the iovecs.
func (h *Host) fdRead(ctx context.Context, fd, iovs, iovsLen, nreadPtr uint32) errno.Errno {
	mem := h.memory("fd_read")
	if fd != fdStdin {
		return errno.BadF
	}
	vecs, ok := readIovecs(mem, iovs, iovsLen)
	if !ok || !fits(mem, span{nreadPtr, 4}) {
		return errno.Fault
	}

	var capacity uint64
	for _, v := range vecs {
		capacity += uint64(v.len)
	}
	if capacity > math.MaxUint32 {
		capacity = math.MaxUint32
	}
	if capacity == 0 {
		writeU32(mem, nreadPtr, 0)
		return errno.Success
	}

	args := binary.LittleEndian.AppendUint32(nil, fd)
	args = binary.LittleEndian.AppendUint32(args, uint32(capacity))
	resp, e := h.roundTrip(ctx, "fd_read", args)
	if e != errno.Success {
		return e
	}

	data := resp.Result
	if uint64(len(data)) > capacity {
		h.log.Warn("host returned more than requested", zap.Int("bytes", len(data)), zap.Uint64("max", capacity))
		data = data[:capacity]
	}
	n := uint32(len(data))
	for _, v := range vecs {
		if len(data) == 0 {
			break
		}
		k := min(int(v.len), len(data))
		writeBytes(mem, v.buf, data[:k])
		data = data[k:]
	}
	writeU32(mem, nreadPtr, n)
	return errno.Success
}

type event struct {
	userdata uint64
	errno    errno.Errno
	typ      byte
}

// pollSubscriptions implements preview1 poll_oneoff. Clock subscriptions
// become registry timers. Standard stream subscriptions are always ready.
func (h *Host) pollSubscriptions(ctx context.Context, in, out, nsubs, neventsPtr uint32) errno.Errno {
	mem := h.memory("poll_oneoff")
	if nsubs == 0 {
		return errno.Inval
	}
	if uint64(nsubs)*subscriptionSize > uint64(mem.Size()) {
		return errno.Fault
	}
	if !fits(mem, span{in, nsubs * subscriptionSize}, span{out, nsubs * eventSize}, span{neventsPtr, 4}) {
		return errno.Fault
	}
	raw, _ := readBytes(mem, in, nsubs*subscriptionSize)

	type timer struct {
		userdata uint64
		p        poll.Pollable
	}
	var (
		events []event
		timers []timer
	)
	defer func() {
		for _, t := range timers {
			h.reg.Drop(t.p)
		}
	}()

	for i := uint32(0); i < nsubs; i++ {
		s := raw[i*subscriptionSize : (i+1)*subscriptionSize]
		userdata := binary.LittleEndian.Uint64(s[0:])

		switch tag := s[8]; tag {
		case eventClock:
			d, ok := h.clockTimeout(s)
			if !ok {
				events = append(events, event{userdata: userdata, errno: errno.Inval, typ: eventClock})
				continue
			}
			p, err := h.reg.Create(poll.After(d))
			if err != nil {
				return errno.NoMem
			}
			timers = append(timers, timer{userdata: userdata, p: p})

		case eventFdRead, eventFdWrite:
			fd := binary.LittleEndian.Uint32(s[16:])
			e := errno.Success
			if (tag == eventFdRead && fd != fdStdin) || (tag == eventFdWrite && fd != fdStdout && fd != fdStderr) {
				e = errno.BadF
			}
			events = append(events, event{userdata: userdata, errno: e, typ: tag})

		default:
			return errno.Inval
		}
	}

	if len(events) == 0 {
		handles := make([]poll.Pollable, len(timers))
		for i, t := range timers {
			handles[i] = t.p
		}
		if _, err := h.reg.PollOneoff(ctx, handles); err != nil {
			h.trapIfFailed()
			return errno.From(err)
		}
	}
	for _, t := range timers {
		if ready, _ := h.reg.Ready(t.p); ready {
			events = append(events, event{userdata: t.userdata, typ: eventClock})
		}
	}

	buf := make([]byte, len(events)*eventSize)
	for i, ev := range events {
		e := buf[i*eventSize:]
		binary.LittleEndian.PutUint64(e[0:], ev.userdata)
		binary.LittleEndian.PutUint16(e[8:], uint16(ev.errno))
		e[10] = ev.typ
	}
	writeBytes(mem, out, buf)
	writeU32(mem, neventsPtr, uint32(len(events)))
	return errno.Success
}

// clockTimeout decodes a clock subscription into a relative duration.
func (h *Host) clockTimeout(s []byte) (time.Duration, bool) {
	id := binary.LittleEndian.Uint32(s[16:])
	timeout := binary.LittleEndian.Uint64(s[24:])
	flags := binary.LittleEndian.Uint16(s[40:])

	now, ok := h.clockNow(id)
	if !ok {
		return 0, false
	}
	if flags&subclockAbstime != 0 {
		if timeout <= now {
			return 0, true
		}
		timeout -= now
	}
	if timeout > math.MaxInt64 {
		timeout = math.MaxInt64
	}
	return time.Duration(timeout), true
}
