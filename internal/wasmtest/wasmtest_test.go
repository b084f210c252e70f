package wasmtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"
)

func TestModuleCompilesAndRuns(t *testing.T) {
	ctx := context.Background()

	m := New()
	m.Memory(1, 2).Data(16, []byte{7, 0, 0, 0})
	add := m.Func(Sig(Params(I32, I32), I32), nil,
		LocalGet(0), LocalGet(1), I32Add)
	m.Export("add", add)
	m.Export("load", m.Func(Sig(nil, I32), nil, I32Const(16), I32Load(0)))

	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)

	mod, err := rt.Instantiate(ctx, m.Bytes())
	require.NoError(t, err)

	res, err := mod.ExportedFunction("add").Call(ctx, 40, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), res[0])

	res, err = mod.ExportedFunction("load").Call(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), res[0])

	max, ok := mod.Memory().Definition().Max()
	assert.True(t, ok)
	assert.Equal(t, uint32(2), max)
}

func TestNegativeConst(t *testing.T) {
	assert.Equal(t, []byte{0x41, 0x7f}, I32Const(-1))
	assert.Equal(t, []byte{0x41, 0x80, 0x01}, I32Const(128))
}

func TestImportAfterFuncPanics(t *testing.T) {
	m := New()
	m.Func(Sig(nil), nil)
	assert.Panics(t, func() { m.Import("env", "f", Sig(nil)) })
}

func TestImportsShareTypes(t *testing.T) {
	ctx := context.Background()

	m := New()
	sig := Sig(Params(I32), I32)
	m.Import("env", "a", sig)
	b := m.Import("env", "b", sig)
	m.Memory(1, 0)
	m.Export("run", m.Func(sig, []ValType{I64, I64, I32}, LocalGet(0), Call(b)))
	assert.Len(t, m.m.TypeSection, 1)

	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)

	compiled, err := rt.CompileModule(ctx, m.Bytes())
	require.NoError(t, err)
	imports := compiled.ImportedFunctions()
	require.Len(t, imports, 2)
	module, name, ok := imports[1].Import()
	assert.True(t, ok)
	assert.Equal(t, "env.b", module+"."+name)
	assert.Contains(t, compiled.ExportedFunctions(), "run")
	assert.Contains(t, compiled.ExportedMemories(), "memory")
}
