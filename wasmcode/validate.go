package wasmcode

import (
	"fmt"

	"github.com/tetratelabs/wabin/wasm"
)

// MaxPages is the largest memory a 32-bit module can address.
const MaxPages = 65536

// Validate checks the structure the compiler relies on before rewriting m:
// index spaces, the start signature, segment forms and function bodies.
// Operand typing is left to the runtime compiler.
func Validate(m *wasm.Module) error {
	if len(m.FunctionSection) != len(m.CodeSection) {
		return fmt.Errorf("function section has %d entries but code section has %d",
			len(m.FunctionSection), len(m.CodeSection))
	}
	if err := validateTypes(m); err != nil {
		return err
	}
	if err := validateMemory(m); err != nil {
		return err
	}
	if err := validateTables(m); err != nil {
		return err
	}
	if err := validateGlobals(m); err != nil {
		return err
	}
	if err := validateExports(m); err != nil {
		return err
	}
	if err := validateStart(m); err != nil {
		return err
	}
	if err := validateElements(m); err != nil {
		return err
	}
	if err := validateData(m); err != nil {
		return err
	}
	return validateBodies(m)
}

func funcCount(m *wasm.Module) uint32 {
	return m.ImportFuncCount() + uint32(len(m.FunctionSection))
}

func tableCount(m *wasm.Module) uint32 {
	return m.ImportTableCount() + uint32(len(m.TableSection))
}

func globalCount(m *wasm.Module) uint32 {
	return m.ImportGlobalCount() + uint32(len(m.GlobalSection))
}

func validateTypes(m *wasm.Module) error {
	n := uint32(len(m.TypeSection))
	for i, imp := range m.ImportSection {
		if imp.Type == wasm.ExternTypeFunc && imp.DescFunc >= n {
			return fmt.Errorf("import %d (%s.%s) references invalid type index %d", i, imp.Module, imp.Name, imp.DescFunc)
		}
	}
	for i, t := range m.FunctionSection {
		if t >= n {
			return fmt.Errorf("function %d references invalid type index %d", i, t)
		}
	}
	return nil
}

func validateMemory(m *wasm.Module) error {
	count := m.ImportMemoryCount()
	if m.MemorySection != nil {
		count++
	}
	if count > 1 {
		return fmt.Errorf("module declares %d memories, at most one is allowed", count)
	}
	check := func(what string, mem *wasm.Memory) error {
		if mem.Min > MaxPages {
			return fmt.Errorf("%s: min pages %d exceeds %d", what, mem.Min, MaxPages)
		}
		if mem.IsMaxEncoded && mem.Max > MaxPages {
			return fmt.Errorf("%s: max pages %d exceeds %d", what, mem.Max, MaxPages)
		}
		return nil
	}
	for _, imp := range m.ImportSection {
		if imp.Type == wasm.ExternTypeMemory {
			if err := check("imported memory", imp.DescMem); err != nil {
				return err
			}
		}
	}
	if m.MemorySection != nil {
		return check("memory", m.MemorySection)
	}
	return nil
}

func validateTables(m *wasm.Module) error {
	for i, t := range m.TableSection {
		if t.Type != wasm.RefTypeFuncref {
			return fmt.Errorf("table %d: element type %s is not supported", i, wasm.RefTypeName(t.Type))
		}
		if t.Max != nil && *t.Max < t.Min {
			return fmt.Errorf("table %d: max %d below min %d", i, *t.Max, t.Min)
		}
	}
	return nil
}

func validateGlobals(m *wasm.Module) error {
	imported := m.ImportGlobalCount()
	for i, g := range m.GlobalSection {
		if err := validateConst(m, g.Init, imported); err != nil {
			return fmt.Errorf("global %d: %w", imported+uint32(i), err)
		}
	}
	return nil
}

// validateConst allows global.get only of imported globals, which are
// the only ones initialized before module globals.
func validateConst(m *wasm.Module, e *wasm.ConstantExpression, globals uint32) error {
	if e == nil {
		return fmt.Errorf("missing initializer")
	}
	switch e.Opcode {
	case wasm.OpcodeI32Const, wasm.OpcodeI64Const, wasm.OpcodeF32Const, wasm.OpcodeF64Const,
		wasm.OpcodeRefNull, wasm.OpcodeRefFunc:
		return nil
	case wasm.OpcodeGlobalGet:
		idx, err := constIndex(e)
		if err != nil {
			return err
		}
		if idx >= globals {
			return fmt.Errorf("global.get %d in a constant expression must read an imported global", idx)
		}
		return nil
	}
	return fmt.Errorf("%s is not a constant instruction", wasm.InstructionName(e.Opcode))
}

func constIndex(e *wasm.ConstantExpression) (uint32, error) {
	in, err := DecodeBody(append([]byte{e.Opcode}, e.Data...))
	if err != nil || len(in) != 1 {
		return 0, fmt.Errorf("malformed constant expression")
	}
	return in[0].Index, nil
}

func validateExports(m *wasm.Module) error {
	seen := make(map[string]bool, len(m.ExportSection))
	for i, e := range m.ExportSection {
		if seen[e.Name] {
			return fmt.Errorf("duplicate export name %q at index %d", e.Name, i)
		}
		seen[e.Name] = true
		var limit uint32
		switch e.Type {
		case wasm.ExternTypeFunc:
			limit = funcCount(m)
		case wasm.ExternTypeTable:
			limit = tableCount(m)
		case wasm.ExternTypeGlobal:
			limit = globalCount(m)
		case wasm.ExternTypeMemory:
			limit = 0
			if HasMemory(m) {
				limit = 1
			}
		}
		if e.Index >= limit {
			return fmt.Errorf("export %q references invalid %s index %d", e.Name, wasm.ExternTypeName(e.Type), e.Index)
		}
	}
	return nil
}

func validateStart(m *wasm.Module) error {
	if m.StartSection == nil {
		return nil
	}
	t := FuncType(m, *m.StartSection)
	if t == nil {
		return fmt.Errorf("start function index %d exceeds function count %d", *m.StartSection, funcCount(m))
	}
	if len(t.Params) != 0 || len(t.Results) != 0 {
		return fmt.Errorf("start function must have signature [] -> [], got %s", sigString(t))
	}
	return nil
}

func validateElements(m *wasm.Module) error {
	funcs := funcCount(m)
	for i, e := range m.ElementSection {
		if e.Mode != wasm.ElementModeActive {
			return fmt.Errorf("element %d: only active segments are supported", i)
		}
		if e.TableIndex != 0 || tableCount(m) == 0 {
			return fmt.Errorf("element %d references invalid table index %d", i, e.TableIndex)
		}
		if err := validateOffset(m, e.OffsetExpr); err != nil {
			return fmt.Errorf("element %d: %w", i, err)
		}
		for j, idx := range e.Init {
			if idx == nil {
				return fmt.Errorf("element %d, entry %d: null entries are not supported", i, j)
			}
			if *idx >= funcs {
				return fmt.Errorf("element %d, entry %d references invalid function index %d", i, j, *idx)
			}
		}
	}
	return nil
}

func validateOffset(m *wasm.Module, e *wasm.ConstantExpression) error {
	if e == nil {
		return fmt.Errorf("missing offset")
	}
	switch e.Opcode {
	case wasm.OpcodeI32Const:
		return nil
	case wasm.OpcodeGlobalGet:
		idx, err := constIndex(e)
		if err != nil {
			return err
		}
		t := GlobalType(m, idx)
		if idx >= m.ImportGlobalCount() || t == nil || t.ValType != wasm.ValueTypeI32 {
			return fmt.Errorf("offset global %d must be an imported i32", idx)
		}
		return nil
	}
	return fmt.Errorf("offset must be i32.const or global.get")
}

func validateData(m *wasm.Module) error {
	if len(m.DataSection) > 0 && !HasMemory(m) {
		return fmt.Errorf("data section without a memory")
	}
	if m.DataCountSection != nil && int(*m.DataCountSection) != len(m.DataSection) {
		return fmt.Errorf("data count section declares %d segments, but data section has %d",
			*m.DataCountSection, len(m.DataSection))
	}
	for i, d := range m.DataSection {
		if d.OffsetExpression == nil {
			continue
		}
		if err := validateOffset(m, d.OffsetExpression); err != nil {
			return fmt.Errorf("data %d: %w", i, err)
		}
	}
	return nil
}

func validateBodies(m *wasm.Module) error {
	funcs, globals, tables := funcCount(m), globalCount(m), tableCount(m)
	mem := HasMemory(m)
	types := uint32(len(m.TypeSection))
	imported := m.ImportFuncCount()
	for i, code := range m.CodeSection {
		idx := imported + uint32(i)
		sig := typeAt(m, m.FunctionSection[i])
		locals := uint32(len(sig.Params) + len(code.LocalTypes))
		body, err := DecodeBody(code.Body)
		if err != nil {
			return fmt.Errorf("function %d: %w", idx, err)
		}
		if len(body) == 0 || body[len(body)-1].Opcode != wasm.OpcodeEnd {
			return fmt.Errorf("function %d: body does not end with end", idx)
		}
		for _, in := range body {
			if err := checkInstruction(in, funcs, globals, tables, locals, types, mem, m); err != nil {
				return fmt.Errorf("function %d: %s: %w", idx, Name(in), err)
			}
		}
	}
	return nil
}

func checkInstruction(in Instruction, funcs, globals, tables, locals, types uint32, mem bool, m *wasm.Module) error {
	inRange := func(what string, idx, n uint32) error {
		if idx >= n {
			return fmt.Errorf("invalid %s index %d", what, idx)
		}
		return nil
	}
	switch in.Opcode {
	case wasm.OpcodeCall, wasm.OpcodeRefFunc:
		return inRange("function", in.Index, funcs)
	case wasm.OpcodeCallIndirect:
		if err := inRange("type", in.Index, types); err != nil {
			return err
		}
		return inRange("table", in.Index2, tables)
	case wasm.OpcodeLocalGet, wasm.OpcodeLocalSet, wasm.OpcodeLocalTee:
		return inRange("local", in.Index, locals)
	case wasm.OpcodeGlobalGet, wasm.OpcodeGlobalSet:
		return inRange("global", in.Index, globals)
	case wasm.OpcodeTableGet, wasm.OpcodeTableSet:
		return inRange("table", in.Index, tables)
	case wasm.OpcodeMemorySize, wasm.OpcodeMemoryGrow:
		if !mem {
			return fmt.Errorf("no memory")
		}
	case wasm.OpcodeBlock, wasm.OpcodeLoop, wasm.OpcodeIf:
		if in.Block >= 0 {
			return inRange("type", uint32(in.Block), types)
		}
	case wasm.OpcodeMiscPrefix:
		switch in.Misc {
		case wasm.OpcodeMiscMemoryInit, wasm.OpcodeMiscDataDrop:
			if m.DataCountSection == nil {
				return fmt.Errorf("requires a data count section")
			}
			return inRange("data", in.Index, uint32(len(m.DataSection)))
		case wasm.OpcodeMiscElemDrop, wasm.OpcodeMiscTableInit:
			return inRange("element", in.Index, uint32(len(m.ElementSection)))
		case wasm.OpcodeMiscTableCopy, wasm.OpcodeMiscTableGrow, wasm.OpcodeMiscTableSize, wasm.OpcodeMiscTableFill:
			return inRange("table", in.Index, tables)
		}
	default:
		if opImm(in.Opcode) == immMemArg && !mem {
			return fmt.Errorf("no memory")
		}
	}
	if IsBulkMemory(in) && !mem {
		return fmt.Errorf("no memory")
	}
	return nil
}
