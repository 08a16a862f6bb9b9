package gas

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/tetratelabs/wabin/wasm"

	"github.com/wippyai/wasm-xvm/wasmcode"
	"github.com/wippyai/wasm-xvm/wat"
)

const meteredWAT = `(module
  (memory 1 4)
  (global $g (mut i32) (i32.const 0))
  (func (export "add") (param i32 i32) (result i32)
    local.get 0
    local.get 1
    i32.add)
  (func (export "spin") (param i32)
    (loop $l
      local.get 0
      i32.const 1
      i32.sub
      local.tee 0
      br_if $l))
  (func (export "grow") (param i32) (result i32)
    local.get 0
    memory.grow)
  (func (export "bump") (result i32)
    global.get $g
    i32.const 1
    i32.add
    global.set $g
    global.get $g)
  (func (export "fill") (param i32)
    (memory.fill (i32.const 0) (i32.const 7) (local.get 0)))
  (func (export "copy") (param i32)
    (memory.copy (i32.const 1024) (i32.const 0) (local.get 0))))`

func instrumentWAT(t *testing.T, src string, s *Schedule) (*wasm.Module, Globals) {
	t.Helper()
	bin, err := wat.Compile(src)
	require.NoError(t, err)
	m, err := wasmcode.DecodeModule(bin)
	require.NoError(t, err)
	g, err := Instrument(m, s)
	require.NoError(t, err)
	return m, g
}

func instantiate(t *testing.T, m *wasm.Module, limit uint64) api.Module {
	t.Helper()
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	t.Cleanup(func() { rt.Close(ctx) })

	mod, err := rt.Instantiate(ctx, wasmcode.EncodeModule(m))
	require.NoError(t, err)
	mod.ExportedGlobal(LimitExport).(api.MutableGlobal).Set(limit)
	return mod
}

func used(mod api.Module) uint64 {
	return mod.ExportedGlobal(UsedExport).Get()
}

func TestInstrument_AddsExportedGlobals(t *testing.T) {
	m, g := instrumentWAT(t, meteredWAT, nil)

	// one user global precedes the metering globals
	assert.Equal(t, Globals{Used: 1, Limit: 2}, g)

	names := map[string]uint32{}
	for _, e := range m.ExportSection {
		if e.Type == wasm.ExternTypeGlobal {
			names[e.Name] = e.Index
		}
	}
	assert.Equal(t, g.Used, names[UsedExport])
	assert.Equal(t, g.Limit, names[LimitExport])
}

func TestInstrument_RejectsMeteredModule(t *testing.T) {
	m, _ := instrumentWAT(t, meteredWAT, nil)
	again, err := wasmcode.DecodeModule(wasmcode.EncodeModule(m))
	require.NoError(t, err)

	_, err = Instrument(again, nil)
	assert.Error(t, err)
}

func TestInstrument_ChargesStraightLineCode(t *testing.T) {
	m, _ := instrumentWAT(t, meteredWAT, nil)
	mod := instantiate(t, m, 1_000_000)

	res, err := mod.ExportedFunction("add").Call(context.Background(), 2, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), res[0])
	// local.get, local.get, i32.add at default cost 1, end is free
	assert.Equal(t, uint64(3), used(mod))
}

func TestInstrument_LoopPaysPerIteration(t *testing.T) {
	m, _ := instrumentWAT(t, meteredWAT, nil)
	mod := instantiate(t, m, 1_000_000)
	ctx := context.Background()

	_, err := mod.ExportedFunction("spin").Call(ctx, 10)
	require.NoError(t, err)
	ten := used(mod)

	mod.ExportedGlobal(UsedExport).(api.MutableGlobal).Set(0)
	_, err = mod.ExportedFunction("spin").Call(ctx, 20)
	require.NoError(t, err)
	twenty := used(mod)

	// the body has no entry cost, so the charge is linear in iterations
	assert.Equal(t, 2*ten, twenty)
	assert.Equal(t, uint64(50), ten)
}

func TestInstrument_TrapsWhenLimitExceeded(t *testing.T) {
	m, _ := instrumentWAT(t, meteredWAT, nil)
	mod := instantiate(t, m, 50)

	_, err := mod.ExportedFunction("spin").Call(context.Background(), 1_000_000)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable")
	assert.Greater(t, used(mod), uint64(50))
}

func TestInstrument_LimitOne(t *testing.T) {
	m, _ := instrumentWAT(t, meteredWAT, nil)
	mod := instantiate(t, m, 1)

	_, err := mod.ExportedFunction("add").Call(context.Background(), 2, 3)
	require.Error(t, err)
	assert.GreaterOrEqual(t, used(mod), uint64(1))
}

func TestInstrument_MemoryGrowChargesPages(t *testing.T) {
	s := DefaultSchedule()
	m, _ := instrumentWAT(t, meteredWAT, s)
	ctx := context.Background()

	mod := instantiate(t, m, 1_000_000)
	_, err := mod.ExportedFunction("grow").Call(ctx, 0)
	require.NoError(t, err)
	base := used(mod)

	mod.ExportedGlobal(UsedExport).(api.MutableGlobal).Set(0)
	res, err := mod.ExportedFunction("grow").Call(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res[0], "previous size in pages")
	assert.Equal(t, base+2*s.MemoryGrowPage, used(mod))
}

func TestInstrument_BulkMemoryChargesBytes(t *testing.T) {
	s := DefaultSchedule()
	m, _ := instrumentWAT(t, meteredWAT, s)
	ctx := context.Background()
	mod := instantiate(t, m, 1_000_000)

	for _, name := range []string{"fill", "copy"} {
		mod.ExportedGlobal(UsedExport).(api.MutableGlobal).Set(0)
		_, err := mod.ExportedFunction(name).Call(ctx, 0)
		require.NoError(t, err)
		base := used(mod)

		mod.ExportedGlobal(UsedExport).(api.MutableGlobal).Set(0)
		_, err = mod.ExportedFunction(name).Call(ctx, 1000)
		require.NoError(t, err)
		assert.Equal(t, base+1000*s.BulkMemoryByte, used(mod), name)
	}
}

func TestInstrument_BulkMemoryTrapsBeforeWork(t *testing.T) {
	m, _ := instrumentWAT(t, meteredWAT, nil)
	mod := instantiate(t, m, 100)

	_, err := mod.ExportedFunction("fill").Call(context.Background(), 60000)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable")
	mem, ok := mod.Memory().Read(0, 1)
	require.True(t, ok)
	assert.Equal(t, byte(0), mem[0], "fill must not run once the charge exceeds the limit")
}

func TestInstrument_GlobalsKeepIndices(t *testing.T) {
	m, _ := instrumentWAT(t, meteredWAT, nil)
	mod := instantiate(t, m, 1_000_000)

	res, err := mod.ExportedFunction("bump").Call(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res[0])
}

func TestSplitSegments(t *testing.T) {
	instrs := []wasmcode.Instruction{
		{Opcode: wasm.OpcodeLocalGet},
		{Opcode: wasm.OpcodeIf, Block: wasmcode.BlockEmpty},
		{Opcode: wasm.OpcodeNop},
		{Opcode: wasm.OpcodeI32Const, Value: 1},
		{Opcode: wasm.OpcodeDrop},
		{Opcode: wasm.OpcodeEnd},
		{Opcode: wasm.OpcodeEnd},
	}
	segs := splitSegments(instrs, DefaultSchedule())

	require.Len(t, segs, 3)
	assert.Equal(t, segment{start: 0, end: 2, cost: 2}, segs[0])
	assert.Equal(t, segment{start: 2, end: 6, cost: 2}, segs[1])
	assert.Equal(t, segment{start: 6, end: 7, cost: 0}, segs[2])
}

func TestScheduleCost(t *testing.T) {
	s := DefaultSchedule()
	assert.Equal(t, uint64(0), s.Cost(wasm.OpcodeEnd))
	assert.Equal(t, uint64(2), s.Cost(wasm.OpcodeI64Load))
	assert.Equal(t, uint64(5), s.Cost(wasm.OpcodeCall))
	assert.Equal(t, s.Default, s.Cost(wasm.OpcodeI32Add))

	fill := wasmcode.Instruction{Opcode: wasm.OpcodeMiscPrefix, Misc: wasm.OpcodeMiscMemoryFill}
	assert.Equal(t, uint64(2), s.CostOf(fill))
	assert.Equal(t, s.BulkMemoryByte, s.unitCost(fill))
	sat := wasmcode.Instruction{Opcode: wasm.OpcodeMiscPrefix, Misc: wasm.OpcodeMiscI32TruncSatF32S}
	assert.Equal(t, s.Default, s.CostOf(sat))
	assert.Zero(t, s.unitCost(sat))
	assert.Equal(t, s.MemoryGrowPage, s.unitCost(wasmcode.Instruction{Opcode: wasm.OpcodeMemoryGrow}))
}
