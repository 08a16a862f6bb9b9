// Package wasmcode decodes, checks and re-encodes the WebAssembly modules the
// compiler rewrites. Module structure comes from github.com/tetratelabs/wabin;
// this package adds the function body codec and the validation wabin leaves to
// the runtime.
package wasmcode

import (
	"bytes"
	"fmt"

	"github.com/tetratelabs/wabin/binary"
	"github.com/tetratelabs/wabin/leb128"
	"github.com/tetratelabs/wabin/wasm"
)

// Features are the core features a contract may use: WebAssembly 2.0 without SIMD.
const Features = wasm.CoreFeaturesV2 &^ wasm.CoreFeatureSIMD

// DecodeModule parses a binary module.
func DecodeModule(b []byte) (*wasm.Module, error) {
	return binary.DecodeModule(b, Features)
}

// EncodeModule encodes m, keeping its data count section when it has one.
func EncodeModule(m *wasm.Module) []byte {
	if m.DataCountSection == nil {
		return binary.EncodeModule(m)
	}
	head := *m
	head.CodeSection, head.DataSection = nil, nil
	head.CustomSections, head.NameSection = nil, nil
	head.DataCountSection = nil
	out := binary.EncodeModule(&head)

	count := leb128.EncodeUint32(*m.DataCountSection)
	out = append(out, wasm.SectionIDDataCount)
	out = append(out, leb128.EncodeUint32(uint32(len(count)))...)
	out = append(out, count...)

	tail := &wasm.Module{
		CodeSection:    m.CodeSection,
		DataSection:    m.DataSection,
		CustomSections: m.CustomSections,
		NameSection:    m.NameSection,
	}
	return append(out, binary.EncodeModule(tail)[headerSize:]...)
}

const headerSize = 8

// FuncType returns the signature of function idx, counting imported
// functions first. It returns nil when idx or its type index is out of range.
func FuncType(m *wasm.Module, idx wasm.Index) *wasm.FunctionType {
	for _, imp := range m.ImportSection {
		if imp.Type != wasm.ExternTypeFunc {
			continue
		}
		if idx == 0 {
			return typeAt(m, imp.DescFunc)
		}
		idx--
	}
	if int(idx) >= len(m.FunctionSection) {
		return nil
	}
	return typeAt(m, m.FunctionSection[idx])
}

func typeAt(m *wasm.Module, idx wasm.Index) *wasm.FunctionType {
	if int(idx) >= len(m.TypeSection) {
		return nil
	}
	return m.TypeSection[idx]
}

// GlobalType returns the type of global idx, counting imported globals first.
func GlobalType(m *wasm.Module, idx wasm.Index) *wasm.GlobalType {
	for _, imp := range m.ImportSection {
		if imp.Type != wasm.ExternTypeGlobal {
			continue
		}
		if idx == 0 {
			return imp.DescGlobal
		}
		idx--
	}
	if int(idx) >= len(m.GlobalSection) {
		return nil
	}
	return m.GlobalSection[idx].Type
}

// HasMemory reports whether m defines or imports a memory.
func HasMemory(m *wasm.Module) bool {
	return m.MemorySection != nil || m.ImportMemoryCount() > 0
}

// FindExport returns the export named name of the given kind, or nil.
func FindExport(m *wasm.Module, kind wasm.ExternType, name string) *wasm.Export {
	for _, e := range m.ExportSection {
		if e.Type == kind && e.Name == name {
			return e
		}
	}
	return nil
}

// Custom returns the data of the first custom section named name.
func Custom(m *wasm.Module, name string) ([]byte, bool) {
	for _, c := range m.CustomSections {
		if c.Name == name {
			return c.Data, true
		}
	}
	return nil, false
}

// I32Const returns the value of a constant expression that is a single i32.const.
func I32Const(e *wasm.ConstantExpression) (int32, bool) {
	if e == nil || e.Opcode != wasm.OpcodeI32Const {
		return 0, false
	}
	v, n, err := leb128.DecodeInt32(bytes.NewReader(e.Data))
	if err != nil || int(n) != len(e.Data) {
		return 0, false
	}
	return v, true
}

// ConstI32 builds the constant expression i32.const v.
func ConstI32(v int32) *wasm.ConstantExpression {
	return &wasm.ConstantExpression{Opcode: wasm.OpcodeI32Const, Data: leb128.EncodeInt32(v)}
}

// ConstI64 builds the constant expression i64.const v.
func ConstI64(v int64) *wasm.ConstantExpression {
	return &wasm.ConstantExpression{Opcode: wasm.OpcodeI64Const, Data: leb128.EncodeInt64(v)}
}

func sigString(t *wasm.FunctionType) string {
	if t == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s -> %s", valueTypes(t.Params), valueTypes(t.Results))
}

func valueTypes(ts []wasm.ValueType) string {
	s := "["
	for i, t := range ts {
		if i > 0 {
			s += " "
		}
		s += wasm.ValueTypeName(t)
	}
	return s + "]"
}
