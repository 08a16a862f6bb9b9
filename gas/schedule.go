package gas

import (
	"github.com/tetratelabs/wabin/wasm"

	"github.com/wippyai/wasm-xvm/wasmcode"
)

// ScheduleVersion identifies DefaultSchedule. Artifacts record the version they
// were metered with so a cost change invalidates cached artifacts.
const ScheduleVersion uint32 = 2

// Schedule assigns a gas cost to every instruction.
type Schedule struct {
	// Ops overrides Default for single-byte opcodes.
	Ops map[byte]uint64

	// Misc overrides Default for 0xfc-prefixed instructions, keyed by sub-opcode.
	Misc map[byte]uint64

	// Default is the cost of any opcode without an entry in Ops or Misc.
	Default uint64

	// MemoryGrowPage is charged per page requested by memory.grow, at run time.
	// Zero disables the dynamic charge.
	MemoryGrowPage uint64

	// BulkMemoryByte is charged per byte moved by memory.copy, memory.fill
	// and memory.init, at run time. Zero disables the dynamic charge.
	BulkMemoryByte uint64

	// BulkTableEntry is charged per entry touched by table.copy, table.fill,
	// table.init and table.grow, at run time. Zero disables the dynamic charge.
	BulkTableEntry uint64

	Version uint32
}

// DefaultSchedule returns the schedule used when none is configured.
func DefaultSchedule() *Schedule {
	ops := map[byte]uint64{
		// structural markers carry no work of their own
		wasm.OpcodeNop:   0,
		wasm.OpcodeBlock: 0,
		wasm.OpcodeLoop:  0,
		wasm.OpcodeElse:  0,
		wasm.OpcodeEnd:   0,

		wasm.OpcodeCall:         5,
		wasm.OpcodeCallIndirect: 10,
		wasm.OpcodeMemoryGrow:   10,

		wasm.OpcodeI32DivS: 4,
		wasm.OpcodeI32DivU: 4,
		wasm.OpcodeI32RemS: 4,
		wasm.OpcodeI32RemU: 4,
		wasm.OpcodeI64DivS: 4,
		wasm.OpcodeI64DivU: 4,
		wasm.OpcodeI64RemS: 4,
		wasm.OpcodeI64RemU: 4,
	}
	// loads and stores
	for op := wasm.OpcodeI32Load; op <= wasm.OpcodeI64Store32; op++ {
		ops[op] = 2
	}
	misc := map[byte]uint64{
		wasm.OpcodeMiscMemoryInit: 2,
		wasm.OpcodeMiscMemoryCopy: 2,
		wasm.OpcodeMiscMemoryFill: 2,
		wasm.OpcodeMiscTableInit:  2,
		wasm.OpcodeMiscTableCopy:  2,
		wasm.OpcodeMiscTableFill:  2,
		wasm.OpcodeMiscTableGrow:  10,
	}

	return &Schedule{
		Ops:            ops,
		Misc:           misc,
		Default:        1,
		MemoryGrowPage: 64,
		BulkMemoryByte: 1,
		BulkTableEntry: 1,
		Version:        ScheduleVersion,
	}
}

// Cost returns the static cost of a single-byte opcode.
func (s *Schedule) Cost(op byte) uint64 {
	if c, ok := s.Ops[op]; ok {
		return c
	}
	return s.Default
}

// CostOf returns the static cost of in, looking 0xfc instructions up by sub-opcode.
func (s *Schedule) CostOf(in wasmcode.Instruction) uint64 {
	if in.Opcode != wasm.OpcodeMiscPrefix {
		return s.Cost(in.Opcode)
	}
	if c, ok := s.Misc[in.Misc]; ok {
		return c
	}
	return s.Default
}

// unitCost returns the run-time charge per unit of the length operand of in,
// or zero when in has no dynamic cost.
func (s *Schedule) unitCost(in wasmcode.Instruction) uint64 {
	switch {
	case in.Opcode == wasm.OpcodeMemoryGrow:
		return s.MemoryGrowPage
	case wasmcode.IsBulkMemory(in):
		return s.BulkMemoryByte
	case wasmcode.IsBulkTable(in):
		return s.BulkTableEntry
	}
	return 0
}
