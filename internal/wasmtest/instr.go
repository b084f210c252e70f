package wasmtest

import (
	"github.com/tetratelabs/wabin/leb128"
	"github.com/tetratelabs/wabin/wasm"
)

func op(code wasm.Opcode, imm ...uint32) []byte {
	b := []byte{code}
	for _, v := range imm {
		b = append(b, leb128.EncodeUint32(v)...)
	}
	return b
}

func I32Const(v int32) []byte {
	return append([]byte{wasm.OpcodeI32Const}, leb128.EncodeInt32(v)...)
}

func I64Const(v int64) []byte {
	return append([]byte{wasm.OpcodeI64Const}, leb128.EncodeInt64(v)...)
}

func LocalGet(i uint32) []byte { return op(wasm.OpcodeLocalGet, i) }
func LocalSet(i uint32) []byte { return op(wasm.OpcodeLocalSet, i) }
func Call(fn uint32) []byte    { return op(wasm.OpcodeCall, fn) }

// I32Load loads from the address on the stack plus offset.
func I32Load(offset uint32) []byte { return op(wasm.OpcodeI32Load, 2, offset) }

// I32Load8U loads one byte, zero-extended.
func I32Load8U(offset uint32) []byte { return op(wasm.OpcodeI32Load8U, 0, offset) }

// I32Store stores the value on top of the stack at address plus offset.
func I32Store(offset uint32) []byte { return op(wasm.OpcodeI32Store, 2, offset) }

// MemoryGrow grows memory 0 by the page count on the stack and pushes the
// old size or -1.
func MemoryGrow() []byte { return []byte{wasm.OpcodeMemoryGrow, 0x00} }

var (
	Unreachable = []byte{wasm.OpcodeUnreachable}
	Drop        = []byte{wasm.OpcodeDrop}
	Return      = []byte{wasm.OpcodeReturn}
	End         = []byte{wasm.OpcodeEnd}
	Else        = []byte{wasm.OpcodeElse}
	I32Add      = []byte{wasm.OpcodeI32Add}
	I32Eq       = []byte{wasm.OpcodeI32Eq}
	I32Eqz      = []byte{wasm.OpcodeI32Eqz}
)

// If opens an if block with no result.
func If() []byte { return []byte{wasm.OpcodeIf, 0x40} }
