package wasmcode_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wabin/leb128"
	"github.com/tetratelabs/wabin/wasm"

	"github.com/wippyai/wasm-xvm/wasmcode"
	"github.com/wippyai/wasm-xvm/wat"
)

func mustModule(t *testing.T, src string) *wasm.Module {
	t.Helper()
	bin, err := wat.Compile(src)
	require.NoError(t, err)
	m, err := wasmcode.DecodeModule(bin)
	require.NoError(t, err)
	return m
}

func TestBody_RoundTrip(t *testing.T) {
	body := []wasmcode.Instruction{
		{Opcode: wasm.OpcodeBlock, Block: wasmcode.BlockValue(wasm.ValueTypeI32)},
		{Opcode: wasm.OpcodeLoop, Block: wasmcode.BlockEmpty},
		{Opcode: wasm.OpcodeI32Const, Value: -1},
		{Opcode: wasm.OpcodeBrTable, Labels: []uint32{0, 1, 0}},
		{Opcode: wasm.OpcodeEnd},
		{Opcode: wasm.OpcodeI64Const, Value: -1 << 40},
		{Opcode: wasm.OpcodeDrop},
		{Opcode: wasm.OpcodeF32Const, Value: 0x3fc00000},
		{Opcode: wasm.OpcodeDrop},
		{Opcode: wasm.OpcodeF64Const, Value: 0x3ff8000000000000},
		{Opcode: wasm.OpcodeDrop},
		{Opcode: wasm.OpcodeI32Const, Value: 8},
		{Opcode: wasm.OpcodeI32Load, Align: 2, Offset: 300},
		{Opcode: wasm.OpcodeCallIndirect, Index: 1, Index2: 0},
		{Opcode: wasm.OpcodeTypedSelect, Types: []wasm.ValueType{wasm.ValueTypeI32}},
		{Opcode: wasm.OpcodeRefNull, Index: uint32(wasm.RefTypeFuncref)},
		{Opcode: wasm.OpcodeMiscPrefix, Misc: wasm.OpcodeMiscMemoryCopy},
		{Opcode: wasm.OpcodeMiscPrefix, Misc: wasm.OpcodeMiscTableGrow, Index: 0},
		{Opcode: wasm.OpcodeMiscPrefix, Misc: wasm.OpcodeMiscI32TruncSatF32S},
		{Opcode: wasm.OpcodeEnd},
	}
	bin := wasmcode.EncodeBody(body)
	decoded, err := wasmcode.DecodeBody(bin)
	require.NoError(t, err)
	assert.Equal(t, body, decoded)
	assert.Equal(t, bin, wasmcode.EncodeBody(decoded))
}

func TestDecodeBody_Unsupported(t *testing.T) {
	tests := map[string]struct {
		code    []byte
		wantErr string
	}{
		"simd":        {[]byte{0xfd, 0x0c}, "unsupported opcode 0xfd"},
		"try":         {[]byte{0x06, 0x40}, "unsupported opcode 0x6"},
		"return_call": {[]byte{0x12, 0x00}, "unsupported opcode 0x12"},
		"misc":        {[]byte{0xfc, 0x40}, "unsupported instruction 0xfc"},
		"truncated":   {[]byte{wasm.OpcodeI32Const}, "i32.const"},
		"br_table":    {[]byte{wasm.OpcodeBrTable, 0x7f, 0x00}, "targets exceed the body"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := wasmcode.DecodeBody(tt.code)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestName(t *testing.T) {
	assert.Equal(t, "f32.convert_i64_u", wasmcode.Name(wasmcode.Instruction{Opcode: wasm.OpcodeF32ConvertI64U}))
	assert.Equal(t, "select", wasmcode.Name(wasmcode.Instruction{Opcode: wasm.OpcodeTypedSelect}))
	assert.Equal(t, "memory.fill", wasmcode.Name(wasmcode.Instruction{Opcode: wasm.OpcodeMiscPrefix, Misc: wasm.OpcodeMiscMemoryFill}))
	assert.Equal(t, "0xfd", wasmcode.Name(wasmcode.Instruction{Opcode: 0xfd}))

	in, ok := wasmcode.Lookup("memory.copy")
	require.True(t, ok)
	assert.True(t, wasmcode.IsBulkMemory(in))
	assert.False(t, wasmcode.IsBulkTable(in))
	in, ok = wasmcode.Lookup("table.fill")
	require.True(t, ok)
	assert.True(t, wasmcode.IsBulkTable(in))
	_, ok = wasmcode.Lookup("v128.load")
	assert.False(t, ok)
}

func TestEncodeModule_DataCountOrder(t *testing.T) {
	m := mustModule(t, `(module (memory 1)
		(data $d "abc")
		(func (memory.init $d (i32.const 0) (i32.const 0) (i32.const 3))))`)
	require.NotNil(t, m.DataCountSection)
	m.CustomSections = append(m.CustomSections, &wasm.CustomSection{Name: "x", Data: []byte{1}})

	bin := wasmcode.EncodeModule(m)
	assert.Equal(t, []wasm.SectionID{
		wasm.SectionIDType, wasm.SectionIDFunction, wasm.SectionIDMemory,
		wasm.SectionIDDataCount, wasm.SectionIDCode, wasm.SectionIDData, wasm.SectionIDCustom,
	}, sectionIDs(t, bin))

	back, err := wasmcode.DecodeModule(bin)
	require.NoError(t, err)
	require.NoError(t, wasmcode.Validate(back))
	assert.Equal(t, uint32(1), *back.DataCountSection)
	assert.Equal(t, m.CodeSection[0].Body, back.CodeSection[0].Body)
	data, ok := wasmcode.Custom(back, "x")
	require.True(t, ok)
	assert.Equal(t, []byte{1}, data)
}

func sectionIDs(t *testing.T, bin []byte) []wasm.SectionID {
	t.Helper()
	var ids []wasm.SectionID
	r := bytes.NewReader(bin[8:])
	for r.Len() > 0 {
		id, err := r.ReadByte()
		require.NoError(t, err)
		size, _, err := leb128.DecodeUint32(r)
		require.NoError(t, err)
		_, err = r.Seek(int64(size), io.SeekCurrent)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestModuleHelpers(t *testing.T) {
	m := mustModule(t, `(module
		(import "env" "f" (func (param i32)))
		(import "env" "g" (global i64))
		(global (mut i32) (i32.const -5))
		(func (export "run") (result i32) (i32.const 1)))`)

	assert.Equal(t, []wasm.ValueType{wasm.ValueTypeI32}, wasmcode.FuncType(m, 0).Params)
	assert.Equal(t, []wasm.ValueType{wasm.ValueTypeI32}, wasmcode.FuncType(m, 1).Results)
	assert.Nil(t, wasmcode.FuncType(m, 2))

	assert.Equal(t, wasm.ValueTypeI64, wasmcode.GlobalType(m, 0).ValType)
	assert.True(t, wasmcode.GlobalType(m, 1).Mutable)
	assert.Nil(t, wasmcode.GlobalType(m, 2))

	v, ok := wasmcode.I32Const(m.GlobalSection[0].Init)
	require.True(t, ok)
	assert.Equal(t, int32(-5), v)
	_, ok = wasmcode.I32Const(wasmcode.ConstI64(1))
	assert.False(t, ok)

	assert.NotNil(t, wasmcode.FindExport(m, wasm.ExternTypeFunc, "run"))
	assert.Nil(t, wasmcode.FindExport(m, wasm.ExternTypeGlobal, "run"))
	assert.False(t, wasmcode.HasMemory(m))
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		wat     string
		mutate  func(m *wasm.Module)
		wantErr string
	}{
		{
			name:    "start_signature",
			wat:     "(module (func $s (param i32)) (start $s))",
			wantErr: "start function must have signature",
		},
		{
			name:    "code_count",
			wat:     "(module (func))",
			mutate:  func(m *wasm.Module) { m.CodeSection = nil },
			wantErr: "code section has 0",
		},
		{
			name:    "memory_op_without_memory",
			wat:     "(module (func (drop (memory.size))))",
			wantErr: "no memory",
		},
		{
			name:    "local_index",
			wat:     "(module (func (param i32) (drop (local.get 0))))",
			mutate:  func(m *wasm.Module) { m.CodeSection[0].Body[1] = 5 },
			wantErr: "invalid local index 5",
		},
		{
			name: "global_init",
			wat:  "(module (global i32 (i32.const 0)) (global i32 (i32.const 1)))",
			mutate: func(m *wasm.Module) {
				m.GlobalSection[1].Init = &wasm.ConstantExpression{Opcode: wasm.OpcodeGlobalGet, Data: []byte{0}}
			},
			wantErr: "must read an imported global",
		},
		{
			name:    "duplicate_export",
			wat:     `(module (func (export "a")) (func (export "b")))`,
			mutate:  func(m *wasm.Module) { m.ExportSection[1].Name = "a" },
			wantErr: "duplicate export name",
		},
		{
			name:    "data_count",
			wat:     `(module (memory 1) (data $d "x") (func (data.drop $d)))`,
			mutate:  func(m *wasm.Module) { *m.DataCountSection = 2 },
			wantErr: "data count section declares 2",
		},
		{
			name:    "data_drop_needs_count",
			wat:     `(module (memory 1) (data $d "x") (func (data.drop $d)))`,
			mutate:  func(m *wasm.Module) { m.DataCountSection = nil },
			wantErr: "requires a data count section",
		},
		{
			name:    "memory_pages",
			wat:     "(module (memory 1))",
			mutate:  func(m *wasm.Module) { m.MemorySection.Min = wasmcode.MaxPages + 1 },
			wantErr: "min pages",
		},
		{
			name:    "element_function",
			wat:     "(module (table 1 funcref) (func $f) (elem (i32.const 0) $f))",
			mutate:  func(m *wasm.Module) { *m.ElementSection[0].Init[0] = 9 },
			wantErr: "invalid function index 9",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := mustModule(t, tt.wat)
			if tt.mutate != nil {
				tt.mutate(m)
			}
			err := wasmcode.Validate(m)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
