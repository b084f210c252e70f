// Package wasmtest assembles small WebAssembly binaries for tests. Modules
// are described with wabin's wasm.Module and encoded by its binary package;
// this package only adds the bookkeeping test guests need: deduplicated
// types, stable function indices and an exported memory.
package wasmtest

import (
	"bytes"

	"github.com/tetratelabs/wabin/binary"
	"github.com/tetratelabs/wabin/leb128"
	"github.com/tetratelabs/wabin/wasm"
)

type ValType = wasm.ValueType

const (
	I32 = wasm.ValueTypeI32
	I64 = wasm.ValueTypeI64
)

type FuncType = wasm.FunctionType

// Sig is shorthand for a FuncType.
func Sig(params []ValType, results ...ValType) FuncType {
	return FuncType{Params: params, Results: results}
}

// Params builds a parameter list.
func Params(ts ...ValType) []ValType { return ts }

// Module accumulates a module definition. Imports must be declared before
// any function so indices stay stable.
type Module struct {
	m wasm.Module
}

func New() *Module { return &Module{} }

func (m *Module) typeIndex(ft FuncType) wasm.Index {
	for i, t := range m.m.TypeSection {
		if t.EqualsSignature(ft.Params, ft.Results) {
			return wasm.Index(i)
		}
	}
	m.m.TypeSection = append(m.m.TypeSection, &wasm.FunctionType{Params: ft.Params, Results: ft.Results})
	return wasm.Index(len(m.m.TypeSection) - 1)
}

// Import declares an imported function and returns its function index.
func (m *Module) Import(module, name string, ft FuncType) uint32 {
	if len(m.m.FunctionSection) > 0 {
		panic("wasmtest: import declared after function")
	}
	m.m.ImportSection = append(m.m.ImportSection, &wasm.Import{
		Type:     wasm.ExternTypeFunc,
		Module:   module,
		Name:     name,
		DescFunc: m.typeIndex(ft),
	})
	return uint32(len(m.m.ImportSection) - 1)
}

// Func defines a function. body is the instruction sequence without the
// trailing end opcode.
func (m *Module) Func(ft FuncType, locals []ValType, body ...[]byte) uint32 {
	code := append(bytes.Join(body, nil), wasm.OpcodeEnd)
	m.m.FunctionSection = append(m.m.FunctionSection, m.typeIndex(ft))
	m.m.CodeSection = append(m.m.CodeSection, &wasm.Code{LocalTypes: locals, Body: code})
	return uint32(len(m.m.ImportSection) + len(m.m.FunctionSection) - 1)
}

// Export exports function idx under name.
func (m *Module) Export(name string, idx uint32) *Module {
	m.m.ExportSection = append(m.m.ExportSection, &wasm.Export{Type: wasm.ExternTypeFunc, Name: name, Index: idx})
	return m
}

// Memory declares memory 0 and exports it as "memory". A max of 0 leaves
// the memory unbounded.
func (m *Module) Memory(min, max uint32) *Module {
	m.m.MemorySection = &wasm.Memory{Min: min, Max: max, IsMaxEncoded: max > 0}
	m.m.ExportSection = append(m.m.ExportSection, &wasm.Export{Type: wasm.ExternTypeMemory, Name: "memory", Index: 0})
	return m
}

// Data places b at offset in memory 0 at instantiation.
func (m *Module) Data(offset uint32, b []byte) *Module {
	m.m.DataSection = append(m.m.DataSection, &wasm.DataSegment{
		OffsetExpression: &wasm.ConstantExpression{
			Opcode: wasm.OpcodeI32Const,
			Data:   leb128.EncodeInt32(int32(offset)),
		},
		Init: b,
	})
	return m
}

// Bytes encodes the module.
func (m *Module) Bytes() []byte {
	return binary.EncodeModule(&m.m)
}
