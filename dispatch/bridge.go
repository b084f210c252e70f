package dispatch

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/multierr"

	"github.com/caffeineduck/hostbridge/errno"
	"github.com/caffeineduck/hostbridge/poll"
)

// BridgeModule is the import namespace of the pollable call primitive.
const BridgeModule = "bridge"

const defaultMaxPages = 65536

// allocatorNames are the guest exports tried, in order, as the allocation
// hook. The export must have the shape (size i32) -> ptr i32.
var allocatorNames = []string{"allocate", "malloc"}

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
)

// Instantiate registers the "bridge" and "wasi_snapshot_preview1" host
// modules in rt. The runtime must serve only this dispatcher's guest.
func (h *Host) Instantiate(ctx context.Context, rt wazero.Runtime) error {
	bridge, err := h.bridgeBuilder(rt).Instantiate(ctx)
	if err != nil {
		return err
	}
	if _, err := h.preview1Builder(rt).Instantiate(ctx); err != nil {
		return multierr.Append(err, bridge.Close(ctx))
	}
	return nil
}

func (h *Host) bridgeBuilder(rt wazero.Runtime) wazero.HostModuleBuilder {
	b := rt.NewHostModuleBuilder(BridgeModule)

	export(b, "call", 5, func(ctx context.Context, mod api.Module, stack []uint64) {
		stack[0] = uint64(h.call(u32(stack[0]), u32(stack[1]), u32(stack[2]), u32(stack[3]), u32(stack[4])))
	})
	export(b, "result_size", 2, func(ctx context.Context, mod api.Module, stack []uint64) {
		stack[0] = uint64(h.resultSize(poll.Pollable(u32(stack[0])), u32(stack[1])))
	})
	export(b, "take", 4, func(ctx context.Context, mod api.Module, stack []uint64) {
		stack[0] = uint64(h.take(poll.Pollable(u32(stack[0])), u32(stack[1]), u32(stack[2]), u32(stack[3])))
	})
	export(b, "take_alloc", 3, func(ctx context.Context, mod api.Module, stack []uint64) {
		stack[0] = uint64(h.takeAlloc(ctx, poll.Pollable(u32(stack[0])), u32(stack[1]), u32(stack[2])))
	})
	exportSig(b, "sleep", []api.ValueType{i64, i32}, func(ctx context.Context, mod api.Module, stack []uint64) {
		stack[0] = uint64(h.sleep(stack[0], u32(stack[1])))
	})
	export(b, "poll_oneoff", 3, func(ctx context.Context, mod api.Module, stack []uint64) {
		stack[0] = uint64(h.pollOneoff(ctx, u32(stack[0]), u32(stack[1]), u32(stack[2])))
	})
	export(b, "drop_pollable", 1, func(ctx context.Context, mod api.Module, stack []uint64) {
		stack[0] = uint64(h.dropPollable(poll.Pollable(u32(stack[0]))))
	})
	export(b, "memory_limit", 1, func(ctx context.Context, mod api.Module, stack []uint64) {
		stack[0] = uint64(h.memoryLimit(u32(stack[0])))
	})
	return b
}

// export adds fn taking n i32 params and returning an i32 errno.
func export(b wazero.HostModuleBuilder, name string, n int, fn api.GoModuleFunc) {
	params := make([]api.ValueType, n)
	for i := range params {
		params[i] = i32
	}
	exportSig(b, name, params, fn)
}

func exportSig(b wazero.HostModuleBuilder, name string, params []api.ValueType, fn api.GoModuleFunc) {
	b.NewFunctionBuilder().
		WithGoModuleFunction(fn, params, []api.ValueType{i32}).
		Export(name)
}

func u32(v uint64) uint32 { return api.DecodeU32(v) }

// call forwards the named function with args and writes the pollable that
// resolves with its response to pollOut.
func (h *Host) call(namePtr, nameLen, argsPtr, argsLen, pollOut uint32) errno.Errno {
	mem := h.memory("call")
	if !fits(mem, span{namePtr, nameLen}, span{argsPtr, argsLen}, span{pollOut, 4}) {
		return errno.Fault
	}
	name, _ := readBytes(mem, namePtr, nameLen)
	args, _ := readBytes(mem, argsPtr, argsLen)

	fn := string(name)
	if fn == "" {
		return errno.Inval
	}
	if !h.allowed(fn) {
		return errno.NotCapable
	}

	p, err := h.startCall(fn, args)
	if err != nil {
		return errno.IO
	}
	writeU32(mem, pollOut, uint32(p))
	return errno.Success
}

func (h *Host) lookupReply(p poll.Pollable) (*reply, errno.Errno) {
	pd, err := h.reg.Get(p)
	if err != nil {
		return nil, errno.Inval
	}
	fut, ok := pd.(*reply)
	if !ok {
		return nil, errno.Inval
	}
	return fut, errno.Success
}

// resultSize writes the byte length of a resolved call's result.
func (h *Host) resultSize(p poll.Pollable, sizeOut uint32) errno.Errno {
	mem := h.memory("result_size")
	if !fits(mem, span{sizeOut, 4}) {
		return errno.Fault
	}
	fut, e := h.lookupReply(p)
	if e != errno.Success {
		return e
	}
	resp, ok := fut.Value()
	if !ok {
		return errno.Again
	}
	writeU32(mem, sizeOut, uint32(len(resp.Result)))
	return errno.Success
}

// take copies a resolved call's result into the guest buffer, releases the
// pollable and returns the host's status. A buffer that is too small gets
// ERANGE with the required size and leaves the pollable live.
func (h *Host) take(p poll.Pollable, bufPtr, bufLen, sizeOut uint32) errno.Errno {
	mem := h.memory("take")
	if !fits(mem, span{bufPtr, bufLen}, span{sizeOut, 4}) {
		return errno.Fault
	}
	fut, e := h.lookupReply(p)
	if e != errno.Success {
		return e
	}
	resp, ok := fut.Value()
	if !ok {
		return errno.Again
	}

	n := uint32(len(resp.Result))
	if n > bufLen {
		writeU32(mem, sizeOut, n)
		return errno.Range
	}
	if _, err := h.reg.Take(p); err != nil {
		return errno.Inval
	}
	writeBytes(mem, bufPtr, resp.Result)
	writeU32(mem, sizeOut, n)
	return resp.Errno
}

// takeAlloc is take for results whose size the guest does not want to
// query first. The guest's allocator provides the buffer; its address and
// the result length land in ptrOut and sizeOut, and the guest owns the
// buffer afterwards. An empty result allocates nothing and reports ptr 0.
func (h *Host) takeAlloc(ctx context.Context, p poll.Pollable, ptrOut, sizeOut uint32) errno.Errno {
	mem := h.memory("take_alloc")
	if !fits(mem, span{ptrOut, 4}, span{sizeOut, 4}) {
		return errno.Fault
	}
	h.mu.Lock()
	alloc := h.alloc
	h.mu.Unlock()
	if alloc == nil {
		return errno.NoSys
	}
	fut, e := h.lookupReply(p)
	if e != errno.Success {
		return e
	}
	resp, ok := fut.Value()
	if !ok {
		return errno.Again
	}

	n := uint32(len(resp.Result))
	var ptr uint32
	if n > 0 {
		res, err := alloc.Call(ctx, uint64(n))
		if err != nil {
			h.trapIfFailed()
			h.trap(FatalMemory, fmt.Errorf("guest allocator: %w", err))
		}
		ptr = u32(res[0])
		if ptr == 0 {
			return errno.NoMem
		}
		if !fits(mem, span{ptr, n}) {
			h.trap(FatalMemory, fmt.Errorf("guest allocator returned %d bytes at %#x outside memory", n, ptr))
		}
	}
	if _, err := h.reg.Take(p); err != nil {
		return errno.Inval
	}
	writeBytes(mem, ptr, resp.Result)
	writeU32(mem, ptrOut, ptr)
	writeU32(mem, sizeOut, n)
	return resp.Errno
}

func findAllocator(mod api.Module) api.Function {
	want := []api.ValueType{i32}
	for _, name := range allocatorNames {
		fn := mod.ExportedFunction(name)
		if fn == nil {
			continue
		}
		def := fn.Definition()
		if slices.Equal(def.ParamTypes(), want) && slices.Equal(def.ResultTypes(), want) {
			return fn
		}
	}
	return nil
}

// sleep creates a pollable that becomes ready after nanos.
func (h *Host) sleep(nanos uint64, pollOut uint32) errno.Errno {
	mem := h.memory("sleep")
	if !fits(mem, span{pollOut, 4}) {
		return errno.Fault
	}
	if nanos > math.MaxInt64 {
		nanos = math.MaxInt64
	}
	p, err := h.reg.Create(poll.After(time.Duration(nanos)))
	if err != nil {
		return errno.NoMem
	}
	writeU32(mem, pollOut, uint32(p))
	return errno.Success
}

// pollOneoff reads count u32 handles and writes one readiness byte per
// handle to readyOut once at least one is ready.
func (h *Host) pollOneoff(ctx context.Context, handlesPtr, count, readyOut uint32) errno.Errno {
	mem := h.memory("poll_oneoff")
	if uint64(count)*4 > uint64(mem.Size()) {
		return errno.Fault
	}
	if !fits(mem, span{handlesPtr, count * 4}, span{readyOut, count}) {
		return errno.Fault
	}

	raw, _ := readBytes(mem, handlesPtr, count*4)
	handles := make([]poll.Pollable, count)
	for i := range handles {
		handles[i] = poll.Pollable(binary.LittleEndian.Uint32(raw[i*4:]))
	}

	ready, err := h.reg.PollOneoff(ctx, handles)
	if err != nil {
		if errors.Is(err, poll.ErrInvalidHandle) {
			return errno.Inval
		}
		h.trapIfFailed()
		return errno.From(err)
	}

	out := make([]byte, count)
	for i, r := range ready {
		if r {
			out[i] = 1
		}
	}
	writeBytes(mem, readyOut, out)
	return errno.Success
}

func (h *Host) dropPollable(p poll.Pollable) errno.Errno {
	h.memory("drop_pollable")
	if err := h.reg.Drop(p); err != nil {
		return errno.Inval
	}
	return errno.Success
}

// memoryLimit writes the instance's maximum page count.
func (h *Host) memoryLimit(pagesOut uint32) errno.Errno {
	mem := h.memory("memory_limit")
	limit := h.cfg.maxPages
	if limit == 0 {
		limit = defaultMaxPages
	}
	if !writeU32(mem, pagesOut, limit) {
		return errno.Fault
	}
	return errno.Success
}
