package compile

import (
	"sort"
	"strings"

	"github.com/tetratelabs/wabin/wasm"

	"github.com/wippyai/wasm-xvm/errors"
	"github.com/wippyai/wasm-xvm/wasmcode"
)

// Info summarizes an artifact for tooling.
type Info struct {
	Imports []Symbol
	Exports []Symbol
	Meta    Meta
	// MemoryMin and MemoryMax are in pages; MemoryMax is -1 when unbounded.
	MemoryMin uint64
	MemoryMax int64
	HasMemory bool
}

// Symbol is an import or export with its signature rendered as text.
type Symbol struct {
	Module    string
	Name      string
	Kind      string
	Signature string
}

// Inspect decodes an artifact and reports its surface.
func Inspect(artifact []byte) (*Info, error) {
	m, err := wasmcode.DecodeModule(artifact)
	if err != nil {
		return nil, errors.Malformed("decode artifact", err)
	}
	meta, err := ReadMeta(m)
	if err != nil {
		return nil, err
	}

	info := &Info{Meta: meta, MemoryMax: -1}

	for _, imp := range m.ImportSection {
		sym := Symbol{Module: imp.Module, Name: imp.Name, Kind: wasm.ExternTypeName(imp.Type)}
		switch imp.Type {
		case wasm.ExternTypeFunc:
			if int(imp.DescFunc) < len(m.TypeSection) {
				sym.Signature = Signature(m.TypeSection[imp.DescFunc])
			}
		case wasm.ExternTypeGlobal:
			sym.Signature = wasm.ValueTypeName(imp.DescGlobal.ValType)
		case wasm.ExternTypeMemory:
			info.setMemory(imp.DescMem)
		}
		info.Imports = append(info.Imports, sym)
	}
	if m.MemorySection != nil {
		info.setMemory(m.MemorySection)
	}

	for _, exp := range m.ExportSection {
		sym := Symbol{Name: exp.Name, Kind: wasm.ExternTypeName(exp.Type)}
		if exp.Type == wasm.ExternTypeFunc {
			sym.Signature = Signature(wasmcode.FuncType(m, exp.Index))
		}
		info.Exports = append(info.Exports, sym)
	}
	sort.Slice(info.Exports, func(i, j int) bool { return info.Exports[i].Name < info.Exports[j].Name })
	return info, nil
}

func (i *Info) setMemory(mem *wasm.Memory) {
	i.HasMemory = true
	i.MemoryMin = uint64(mem.Min)
	if mem.IsMaxEncoded {
		i.MemoryMax = int64(mem.Max)
	}
}

// Signature renders a function type as "(i32, i32) -> i32".
func Signature(ft *wasm.FunctionType) string {
	if ft == nil {
		return "?"
	}
	var b strings.Builder
	b.WriteByte('(')
	for i, p := range ft.Params {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(wasm.ValueTypeName(p))
	}
	b.WriteByte(')')
	if len(ft.Results) > 0 {
		b.WriteString(" -> ")
		for i, r := range ft.Results {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(wasm.ValueTypeName(r))
		}
	}
	return b.String()
}
