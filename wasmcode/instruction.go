package wasmcode

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tetratelabs/wabin/leb128"
	"github.com/tetratelabs/wabin/wasm"
)

// BlockEmpty is the block type of a block, loop or if without params or results.
const BlockEmpty int64 = -64

// BlockValue returns the block type of a block yielding one value of type vt.
func BlockValue(vt wasm.ValueType) int64 {
	return int64(vt) - 0x80
}

// Instruction is one decoded instruction. Which immediates are meaningful
// depends on Opcode (and Misc for OpcodeMiscPrefix).
type Instruction struct {
	Opcode wasm.Opcode
	// Misc is the sub-opcode of a wasm.OpcodeMiscPrefix instruction.
	Misc wasm.OpcodeMisc

	// Block is the block type of block, loop and if: BlockEmpty,
	// BlockValue(vt) or a non-negative type index.
	Block int64

	// Index is the first index immediate: a label, function, type, local,
	// global, table, memory, data or element index depending on the opcode.
	Index uint32
	// Index2 is the second index immediate: the table of call_indirect, the
	// memory of memory.init, the table of table.init, the source of
	// memory.copy and table.copy.
	Index2 uint32

	// Labels holds the br_table targets followed by the default target.
	Labels []uint32

	// Align and Offset form the memory argument of loads and stores.
	Align  uint32
	Offset uint32

	// Value is the operand of a constant: the signed value for i32.const and
	// i64.const, the raw IEEE 754 bits for f32.const and f64.const.
	Value int64

	// Types are the result types of a typed select.
	Types []wasm.ValueType
}

type immKind byte

const (
	immInvalid immKind = iota
	immNone
	immBlock
	immIndex
	immBrTable
	immTwoIndex
	immMemArg
	immI32
	immI64
	immF32
	immF64
	immSelectT
	immRefType
	immMisc
)

func opImm(op wasm.Opcode) immKind {
	switch {
	case op == wasm.OpcodeBlock || op == wasm.OpcodeLoop || op == wasm.OpcodeIf:
		return immBlock
	case op == wasm.OpcodeBr || op == wasm.OpcodeBrIf || op == wasm.OpcodeCall || op == wasm.OpcodeRefFunc,
		op >= wasm.OpcodeLocalGet && op <= wasm.OpcodeTableSet,
		op == wasm.OpcodeMemorySize || op == wasm.OpcodeMemoryGrow:
		return immIndex
	case op == wasm.OpcodeBrTable:
		return immBrTable
	case op == wasm.OpcodeCallIndirect:
		return immTwoIndex
	case op >= wasm.OpcodeI32Load && op <= wasm.OpcodeI64Store32:
		return immMemArg
	case op == wasm.OpcodeI32Const:
		return immI32
	case op == wasm.OpcodeI64Const:
		return immI64
	case op == wasm.OpcodeF32Const:
		return immF32
	case op == wasm.OpcodeF64Const:
		return immF64
	case op == wasm.OpcodeTypedSelect:
		return immSelectT
	case op == wasm.OpcodeRefNull:
		return immRefType
	case op == wasm.OpcodeMiscPrefix:
		return immMisc
	case op == wasm.OpcodeUnreachable || op == wasm.OpcodeNop || op == wasm.OpcodeElse,
		op == wasm.OpcodeEnd || op == wasm.OpcodeReturn,
		op == wasm.OpcodeDrop || op == wasm.OpcodeSelect || op == wasm.OpcodeRefIsNull,
		op >= wasm.OpcodeI32Eqz && op <= wasm.OpcodeI64Extend32S:
		return immNone
	}
	return immInvalid
}

// miscImm returns how many index immediates a misc instruction carries,
// -1 for sub-opcodes this package does not know.
func miscImm(op wasm.OpcodeMisc) int {
	switch {
	case op <= wasm.OpcodeMiscI64TruncSatF64U:
		return 0
	case op == wasm.OpcodeMiscMemoryInit, op == wasm.OpcodeMiscMemoryCopy,
		op == wasm.OpcodeMiscTableInit, op == wasm.OpcodeMiscTableCopy:
		return 2
	case op <= wasm.OpcodeMiscTableFill:
		return 1
	}
	return -1
}

// DecodeBody decodes an instruction sequence such as a function body,
// including its final end.
func DecodeBody(code []byte) ([]Instruction, error) {
	r := bytes.NewReader(code)
	out := make([]Instruction, 0, len(code)/2)
	for r.Len() > 0 {
		at := len(code) - r.Len()
		in, err := decodeInstruction(r)
		if err != nil {
			return nil, fmt.Errorf("offset %d: %w", at, err)
		}
		out = append(out, in)
	}
	return out, nil
}

func decodeInstruction(r *bytes.Reader) (in Instruction, err error) {
	if in.Opcode, err = r.ReadByte(); err != nil {
		return in, err
	}
	switch opImm(in.Opcode) {
	case immNone:
	case immBlock:
		in.Block, _, err = leb128.DecodeInt33AsInt64(r)
	case immIndex:
		in.Index, _, err = leb128.DecodeUint32(r)
	case immTwoIndex:
		if in.Index, _, err = leb128.DecodeUint32(r); err == nil {
			in.Index2, _, err = leb128.DecodeUint32(r)
		}
	case immBrTable:
		var n uint32
		if n, _, err = leb128.DecodeUint32(r); err != nil {
			return in, err
		}
		if int(n) >= r.Len() {
			return in, fmt.Errorf("br_table: %d targets exceed the body", n)
		}
		in.Labels = make([]uint32, n+1)
		for i := range in.Labels {
			if in.Labels[i], _, err = leb128.DecodeUint32(r); err != nil {
				return in, err
			}
		}
	case immMemArg:
		if in.Align, _, err = leb128.DecodeUint32(r); err == nil {
			in.Offset, _, err = leb128.DecodeUint32(r)
		}
	case immI32:
		var v int32
		v, _, err = leb128.DecodeInt32(r)
		in.Value = int64(v)
	case immI64:
		in.Value, _, err = leb128.DecodeInt64(r)
	case immF32:
		var b [4]byte
		_, err = io.ReadFull(r, b[:])
		in.Value = int64(binary.LittleEndian.Uint32(b[:]))
	case immF64:
		var b [8]byte
		_, err = io.ReadFull(r, b[:])
		in.Value = int64(binary.LittleEndian.Uint64(b[:]))
	case immSelectT:
		var n uint32
		if n, _, err = leb128.DecodeUint32(r); err != nil {
			return in, err
		}
		if int(n) > r.Len() {
			return in, fmt.Errorf("select: %d types exceed the body", n)
		}
		in.Types = make([]wasm.ValueType, n)
		_, err = io.ReadFull(r, in.Types)
	case immRefType:
		var b byte
		b, err = r.ReadByte()
		in.Index = uint32(b)
	case immMisc:
		var sub uint32
		if sub, _, err = leb128.DecodeUint32(r); err != nil {
			return in, err
		}
		n := -1
		if sub <= 0xff {
			in.Misc = byte(sub)
			n = miscImm(in.Misc)
		}
		switch n {
		case 0:
		case 1:
			in.Index, _, err = leb128.DecodeUint32(r)
		case 2:
			if in.Index, _, err = leb128.DecodeUint32(r); err == nil {
				in.Index2, _, err = leb128.DecodeUint32(r)
			}
		default:
			return in, fmt.Errorf("unsupported instruction 0xfc %#x", sub)
		}
	default:
		return in, fmt.Errorf("unsupported opcode %#x", in.Opcode)
	}
	if err != nil {
		return in, fmt.Errorf("%s: %w", Name(in), err)
	}
	return in, nil
}

// EncodeBody encodes instrs back to binary form.
func EncodeBody(instrs []Instruction) []byte {
	buf := make([]byte, 0, len(instrs)*2)
	for i := range instrs {
		buf = instrs[i].appendTo(buf)
	}
	return buf
}

func (in *Instruction) appendTo(buf []byte) []byte {
	buf = append(buf, in.Opcode)
	switch opImm(in.Opcode) {
	case immBlock:
		buf = append(buf, leb128.EncodeInt64(in.Block)...)
	case immIndex:
		buf = append(buf, leb128.EncodeUint32(in.Index)...)
	case immTwoIndex:
		buf = append(buf, leb128.EncodeUint32(in.Index)...)
		buf = append(buf, leb128.EncodeUint32(in.Index2)...)
	case immBrTable:
		buf = append(buf, leb128.EncodeUint32(uint32(len(in.Labels)-1))...)
		for _, l := range in.Labels {
			buf = append(buf, leb128.EncodeUint32(l)...)
		}
	case immMemArg:
		buf = append(buf, leb128.EncodeUint32(in.Align)...)
		buf = append(buf, leb128.EncodeUint32(in.Offset)...)
	case immI32:
		buf = append(buf, leb128.EncodeInt32(int32(in.Value))...)
	case immI64:
		buf = append(buf, leb128.EncodeInt64(in.Value)...)
	case immF32:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(in.Value))
	case immF64:
		buf = binary.LittleEndian.AppendUint64(buf, uint64(in.Value))
	case immSelectT:
		buf = append(buf, leb128.EncodeUint32(uint32(len(in.Types)))...)
		buf = append(buf, in.Types...)
	case immRefType:
		buf = append(buf, byte(in.Index))
	case immMisc:
		buf = append(buf, leb128.EncodeUint32(uint32(in.Misc))...)
		switch miscImm(in.Misc) {
		case 1:
			buf = append(buf, leb128.EncodeUint32(in.Index)...)
		case 2:
			buf = append(buf, leb128.EncodeUint32(in.Index)...)
			buf = append(buf, leb128.EncodeUint32(in.Index2)...)
		}
	}
	return buf
}

// Name returns the text format mnemonic of in.
func Name(in Instruction) string {
	if in.Opcode == wasm.OpcodeMiscPrefix {
		if n := wasm.MiscInstructionName(in.Misc); n != "" {
			return n
		}
		return fmt.Sprintf("0xfc %#x", in.Misc)
	}
	if n := opName(in.Opcode); n != "" {
		return n
	}
	return fmt.Sprintf("%#x", in.Opcode)
}

// IsBulkMemory reports whether in is a misc instruction whose cost grows
// with the length operand on top of the stack.
func IsBulkMemory(in Instruction) bool {
	if in.Opcode != wasm.OpcodeMiscPrefix {
		return false
	}
	switch in.Misc {
	case wasm.OpcodeMiscMemoryInit, wasm.OpcodeMiscMemoryCopy, wasm.OpcodeMiscMemoryFill:
		return true
	}
	return false
}

// IsBulkTable is IsBulkMemory for table.init, table.copy, table.fill and table.grow.
func IsBulkTable(in Instruction) bool {
	if in.Opcode != wasm.OpcodeMiscPrefix {
		return false
	}
	switch in.Misc {
	case wasm.OpcodeMiscTableInit, wasm.OpcodeMiscTableCopy, wasm.OpcodeMiscTableFill, wasm.OpcodeMiscTableGrow:
		return true
	}
	return false
}
