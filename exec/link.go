package exec

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/tetratelabs/wabin/leb128"
	"github.com/tetratelabs/wabin/wasm"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-xvm/errors"
	"github.com/wippyai/wasm-xvm/wasmcode"
)

// importFunc is a function import bound to a resolver handle.
type importFunc struct {
	module  string
	name    string
	handle  interface{}
	params  []api.ValueType
	results []api.ValueType
}

func (f *importFunc) key() string {
	return f.module + "." + f.name
}

// linkImports binds the imports of m to r and rewrites m so that only
// function imports remain:
//   - imported globals become defined globals holding the resolved value
//   - imported memories and tables become defined ones with the same limits
//
// Imports are visited in declaration order and the first one that cannot be
// resolved is reported. Index spaces are preserved.
func linkImports(m *wasm.Module, r Resolver) ([]*importFunc, error) {
	checker, _ := r.(FuncChecker)
	bound := make(map[string]*importFunc)

	var (
		funcs   []*importFunc
		imports []*wasm.Import
		globals []*wasm.Global
		tables  []*wasm.Table
		memory  *wasm.Memory
		consts  []*wasm.ConstantExpression
	)

	for _, imp := range m.ImportSection {
		switch imp.Type {
		case wasm.ExternTypeFunc:
			var ft *wasm.FunctionType
			if int(imp.DescFunc) < len(m.TypeSection) {
				ft = m.TypeSection[imp.DescFunc]
			}
			f, err := bindFunc(imp, ft, r, checker, bound)
			if err != nil {
				return nil, err
			}
			if f != nil {
				funcs = append(funcs, f)
			}
			imports = append(imports, imp)

		case wasm.ExternTypeGlobal:
			if r == nil {
				return nil, errors.UnresolvedImport(imp.Module, imp.Name)
			}
			v, ok := r.ResolveGlobal(imp.Module, imp.Name)
			if !ok {
				return nil, errors.UnresolvedImport(imp.Module, imp.Name)
			}
			expr, err := constExpr(imp.DescGlobal.ValType, v)
			if err != nil {
				return nil, errors.Malformed(fmt.Sprintf("import %s.%s: %v", imp.Module, imp.Name, err), nil)
			}
			consts = append(consts, expr)
			globals = append(globals, &wasm.Global{Type: imp.DescGlobal, Init: expr})

		case wasm.ExternTypeMemory:
			if memory != nil || m.MemorySection != nil {
				return nil, errors.Malformed(fmt.Sprintf("import %s.%s: second memory", imp.Module, imp.Name), nil)
			}
			memory = imp.DescMem

		case wasm.ExternTypeTable:
			tables = append(tables, imp.DescTable)

		default:
			return nil, errors.Malformed(fmt.Sprintf("import %s.%s: unsupported import kind %d", imp.Module, imp.Name, imp.Type), nil)
		}
	}

	if len(consts) > 0 {
		for _, g := range m.GlobalSection {
			g.Init = inlineGlobal(g.Init, consts)
		}
		for _, d := range m.DataSection {
			d.OffsetExpression = inlineGlobal(d.OffsetExpression, consts)
		}
		for _, e := range m.ElementSection {
			e.OffsetExpr = inlineGlobal(e.OffsetExpr, consts)
		}
	}

	m.ImportSection = imports
	m.GlobalSection = append(globals, m.GlobalSection...)
	m.TableSection = append(tables, m.TableSection...)
	if memory != nil {
		m.MemorySection = memory
	}
	return funcs, nil
}

// bindFunc resolves a function import. A nil result with nil error means
// the same module.name was already bound.
func bindFunc(imp *wasm.Import, ft *wasm.FunctionType, r Resolver, checker FuncChecker, bound map[string]*importFunc) (*importFunc, error) {
	if ft == nil {
		return nil, errors.Malformed(fmt.Sprintf("import %s.%s: missing function type", imp.Module, imp.Name), nil)
	}
	params, ok := valueTypes(ft.Params)
	if !ok {
		return nil, errors.Malformed(fmt.Sprintf("import %s.%s: unsupported parameter type", imp.Module, imp.Name), nil)
	}
	results, ok := valueTypes(ft.Results)
	if !ok || len(results) > 1 {
		return nil, errors.Malformed(fmt.Sprintf("import %s.%s: unsupported result type", imp.Module, imp.Name), nil)
	}

	f := &importFunc{module: imp.Module, name: imp.Name, params: params, results: results}
	if prev, ok := bound[f.key()]; ok {
		if !sameTypes(prev.params, params) || !sameTypes(prev.results, results) {
			return nil, errors.SignatureMismatch(imp.Module, imp.Name, "imported twice with different types")
		}
		return nil, nil
	}

	if r == nil {
		return nil, errors.UnresolvedImport(imp.Module, imp.Name)
	}
	handle, ok := r.ResolveFunc(imp.Module, imp.Name)
	if !ok {
		return nil, errors.UnresolvedImport(imp.Module, imp.Name)
	}
	if checker != nil && !checker.CheckFunc(handle, len(params), len(results)) {
		return nil, errors.SignatureMismatch(imp.Module, imp.Name,
			fmt.Sprintf("host function does not accept %d params and %d results", len(params), len(results)))
	}
	f.handle = handle
	bound[f.key()] = f
	return f, nil
}

func constExpr(t wasm.ValueType, v int64) (*wasm.ConstantExpression, error) {
	switch t {
	case wasm.ValueTypeI32:
		return wasmcode.ConstI32(int32(v)), nil
	case wasm.ValueTypeI64:
		return wasmcode.ConstI64(v), nil
	case wasm.ValueTypeF32:
		return &wasm.ConstantExpression{
			Opcode: wasm.OpcodeF32Const,
			Data:   binary.LittleEndian.AppendUint32(nil, uint32(v)),
		}, nil
	case wasm.ValueTypeF64:
		return &wasm.ConstantExpression{
			Opcode: wasm.OpcodeF64Const,
			Data:   binary.LittleEndian.AppendUint64(nil, uint64(v)),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported global type %s", wasm.ValueTypeName(t))
	}
}

// inlineGlobal replaces a global.get of a former imported global in a
// constant expression with the value it was resolved to.
func inlineGlobal(e *wasm.ConstantExpression, consts []*wasm.ConstantExpression) *wasm.ConstantExpression {
	if e == nil || e.Opcode != wasm.OpcodeGlobalGet {
		return e
	}
	idx, _, err := leb128.DecodeUint32(bytes.NewReader(e.Data))
	if err != nil || int(idx) >= len(consts) {
		return e
	}
	return consts[idx]
}

func valueTypes(ts []wasm.ValueType) ([]api.ValueType, bool) {
	out := make([]api.ValueType, len(ts))
	for i, t := range ts {
		switch t {
		case wasm.ValueTypeI32:
			out[i] = api.ValueTypeI32
		case wasm.ValueTypeI64:
			out[i] = api.ValueTypeI64
		case wasm.ValueTypeF32:
			out[i] = api.ValueTypeF32
		case wasm.ValueTypeF64:
			out[i] = api.ValueTypeF64
		default:
			return nil, false
		}
	}
	return out, true
}

func sameTypes(a, b []api.ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
