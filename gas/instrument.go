package gas

import (
	"fmt"

	"github.com/tetratelabs/wabin/wasm"

	"github.com/wippyai/wasm-xvm/wasmcode"
)

// Export names of the metering globals.
const (
	UsedExport  = "__gas_used"
	LimitExport = "__gas_limit"
)

// Globals holds the indices of the metering globals in the global index space.
type Globals struct {
	Used  uint32
	Limit uint32
}

// Instrument rewrites every function body of m so that it charges gas before
// running each straight-line segment and traps once the charge exceeds the limit.
//
// The transformation:
//   - Appends two mutable i64 globals (used, limit) and exports them
//   - Splits bodies at control instructions, so loops pay per iteration
//   - Prepends a charge-and-check sequence to every segment with non-zero cost
//   - Charges memory.grow per page and bulk memory and table instructions
//     per unit of their length operand, at run time
//
// Existing global and function indices are unchanged.
func Instrument(m *wasm.Module, s *Schedule) (Globals, error) {
	if s == nil {
		s = DefaultSchedule()
	}
	for _, exp := range m.ExportSection {
		if exp.Name == UsedExport || exp.Name == LimitExport {
			return Globals{}, fmt.Errorf("module already exports %s", exp.Name)
		}
	}

	g := addGlobals(m)
	numImported := m.ImportFuncCount()

	for i, code := range m.CodeSection {
		funcIdx := numImported + uint32(i)
		ft := wasmcode.FuncType(m, funcIdx)
		if ft == nil {
			return Globals{}, fmt.Errorf("func %d: missing type", funcIdx)
		}
		if err := instrumentBody(code, len(ft.Params), g, s); err != nil {
			return Globals{}, fmt.Errorf("instrument func %d: %w", funcIdx, err)
		}
	}

	m.ExportSection = append(m.ExportSection,
		&wasm.Export{Name: UsedExport, Type: wasm.ExternTypeGlobal, Index: g.Used},
		&wasm.Export{Name: LimitExport, Type: wasm.ExternTypeGlobal, Index: g.Limit},
	)
	return g, nil
}

func addGlobals(m *wasm.Module) Globals {
	base := m.ImportGlobalCount() + uint32(len(m.GlobalSection))
	for n := 0; n < 2; n++ {
		m.GlobalSection = append(m.GlobalSection, &wasm.Global{
			Type: &wasm.GlobalType{ValType: wasm.ValueTypeI64, Mutable: true},
			Init: wasmcode.ConstI64(0),
		})
	}
	return Globals{Used: base, Limit: base + 1}
}

// isBoundary reports whether op ends a straight-line segment.
func isBoundary(op byte) bool {
	switch op {
	case wasm.OpcodeBlock, wasm.OpcodeLoop, wasm.OpcodeIf, wasm.OpcodeElse, wasm.OpcodeEnd,
		wasm.OpcodeBr, wasm.OpcodeBrIf, wasm.OpcodeBrTable, wasm.OpcodeReturn, wasm.OpcodeUnreachable,
		wasm.OpcodeCall, wasm.OpcodeCallIndirect:
		return true
	}
	return false
}

type segment struct {
	start, end int
	cost       uint64
}

func splitSegments(instrs []wasmcode.Instruction, s *Schedule) []segment {
	var segs []segment
	cur := segment{}
	for i, in := range instrs {
		cur.cost += s.CostOf(in)
		if isBoundary(in.Opcode) {
			cur.end = i + 1
			segs = append(segs, cur)
			cur = segment{start: i + 1}
		}
	}
	if cur.start < len(instrs) {
		cur.end = len(instrs)
		segs = append(segs, cur)
	}
	return segs
}

func instrumentBody(code *wasm.Code, numParams int, g Globals, s *Schedule) error {
	instrs, err := wasmcode.DecodeBody(code.Body)
	if err != nil {
		return err
	}

	lenLocal := int64(-1)
	out := make([]wasmcode.Instruction, 0, len(instrs)*2)
	for _, seg := range splitSegments(instrs, s) {
		if seg.cost > 0 {
			out = append(out, charge(g, seg.cost)...)
		}
		for _, in := range instrs[seg.start:seg.end] {
			if unit := s.unitCost(in); unit > 0 {
				if lenLocal < 0 {
					lenLocal = int64(addLocal(code, numParams, wasm.ValueTypeI32))
				}
				out = append(out, chargeLength(g, uint32(lenLocal), unit)...)
			}
			out = append(out, in)
		}
	}

	code.Body = wasmcode.EncodeBody(out)
	return nil
}

// addLocal appends a local of type vt and returns its index.
func addLocal(code *wasm.Code, numParams int, vt wasm.ValueType) uint32 {
	idx := uint32(numParams + len(code.LocalTypes))
	code.LocalTypes = append(code.LocalTypes, vt)
	return idx
}

func charge(g Globals, cost uint64) []wasmcode.Instruction {
	seq := []wasmcode.Instruction{
		{Opcode: wasm.OpcodeGlobalGet, Index: g.Used},
		{Opcode: wasm.OpcodeI64Const, Value: int64(cost)},
		{Opcode: wasm.OpcodeI64Add},
		{Opcode: wasm.OpcodeGlobalSet, Index: g.Used},
	}
	return append(seq, check(g)...)
}

// chargeLength expects an i32 count (pages, bytes or entries) on top of the
// stack, charges count*unit and leaves the count in place.
func chargeLength(g Globals, tmp uint32, unit uint64) []wasmcode.Instruction {
	seq := []wasmcode.Instruction{
		{Opcode: wasm.OpcodeLocalTee, Index: tmp},
		{Opcode: wasm.OpcodeLocalGet, Index: tmp},
		{Opcode: wasm.OpcodeI64ExtendI32U},
		{Opcode: wasm.OpcodeI64Const, Value: int64(unit)},
		{Opcode: wasm.OpcodeI64Mul},
		{Opcode: wasm.OpcodeGlobalGet, Index: g.Used},
		{Opcode: wasm.OpcodeI64Add},
		{Opcode: wasm.OpcodeGlobalSet, Index: g.Used},
	}
	return append(seq, check(g)...)
}

// check traps with unreachable when used > limit (unsigned).
func check(g Globals) []wasmcode.Instruction {
	return []wasmcode.Instruction{
		{Opcode: wasm.OpcodeGlobalGet, Index: g.Used},
		{Opcode: wasm.OpcodeGlobalGet, Index: g.Limit},
		{Opcode: wasm.OpcodeI64GtU},
		{Opcode: wasm.OpcodeIf, Block: wasmcode.BlockEmpty},
		{Opcode: wasm.OpcodeUnreachable},
		{Opcode: wasm.OpcodeEnd},
	}
}
