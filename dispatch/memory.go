package dispatch

import (
	"bytes"
	"encoding/binary"

	"github.com/tetratelabs/wazero/api"
)

// span is a guest memory range named by a syscall argument pair.
type span struct {
	off, n uint32
}

// fits reports whether every span lies inside memory. offset+len equal to
// the memory size is in bounds.
func fits(mem api.Memory, spans ...span) bool {
	size := uint64(mem.Size())
	for _, s := range spans {
		if uint64(s.off)+uint64(s.n) > size {
			return false
		}
	}
	return true
}

// readBytes copies n bytes at off out of guest memory.
func readBytes(mem api.Memory, off, n uint32) ([]byte, bool) {
	if !fits(mem, span{off, n}) {
		return nil, false
	}
	b, ok := mem.Read(off, n)
	if !ok {
		return nil, false
	}
	return bytes.Clone(b), true
}

func readU32(mem api.Memory, off uint32) (uint32, bool) {
	b, ok := readBytes(mem, off, 4)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b), true
}

func readU64(mem api.Memory, off uint32) (uint64, bool) {
	b, ok := readBytes(mem, off, 8)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b), true
}

func writeBytes(mem api.Memory, off uint32, b []byte) bool {
	if !fits(mem, span{off, uint32(len(b))}) {
		return false
	}
	if len(b) == 0 {
		return true
	}
	return mem.Write(off, b)
}

func writeU32(mem api.Memory, off, v uint32) bool {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return writeBytes(mem, off, b[:])
}

func writeU64(mem api.Memory, off uint32, v uint64) bool {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return writeBytes(mem, off, b[:])
}

// iovec is one preview1 scatter/gather entry.
type iovec struct {
	buf, len uint32
}

// readIovecs decodes count 8-byte iovec entries at off and checks that
// every buffer they name is in bounds.
func readIovecs(mem api.Memory, off, count uint32) ([]iovec, bool) {
	if uint64(count)*8 > uint64(mem.Size()) {
		return nil, false
	}
	raw, ok := readBytes(mem, off, count*8)
	if !ok {
		return nil, false
	}
	out := make([]iovec, count)
	for i := range out {
		out[i] = iovec{
			buf: binary.LittleEndian.Uint32(raw[i*8:]),
			len: binary.LittleEndian.Uint32(raw[i*8+4:]),
		}
		if !fits(mem, span{out[i].buf, out[i].len}) {
			return nil, false
		}
	}
	return out, true
}
