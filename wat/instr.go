package wat

import (
	"math/bits"
	"strings"

	"github.com/tetratelabs/wabin/wasm"

	"github.com/wippyai/wasm-xvm/wasmcode"
)

// body assembles one instruction sequence.
type body struct {
	a      *assembler
	locals space
	// labels is the block label stack, innermost last, "" for unnamed.
	labels []string
	out    []wasmcode.Instruction
}

func (b *body) emit(in wasmcode.Instruction) {
	b.out = append(b.out, in)
}

// seq assembles a mix of folded and plain instructions.
func (b *body) seq(items []*node) error {
	for i := 0; i < len(items); {
		n := items[i]
		if n.isList() {
			if err := b.folded(n); err != nil {
				return err
			}
			i++
			continue
		}
		next, err := b.plain(items, i)
		if err != nil {
			return err
		}
		i = next
	}
	return nil
}

func (b *body) plain(items []*node, i int) (int, error) {
	n := items[i]
	if n.isStr {
		return 0, errAt(n, "unexpected string in function body")
	}
	i++
	switch n.atom {
	case "block", "loop", "if":
		label, bt, k, err := b.blockHeader(items[i:])
		if err != nil {
			return 0, err
		}
		b.emit(wasmcode.Instruction{Opcode: blockOps[n.atom], Block: bt})
		b.labels = append(b.labels, label)
		return i + k, nil
	case "else":
		if len(b.labels) == 0 {
			return 0, errAt(n, "else outside of if")
		}
		b.emit(wasmcode.Instruction{Opcode: wasm.OpcodeElse})
		return skipLabel(items, i), nil
	case "end":
		if len(b.labels) == 0 {
			return 0, errAt(n, "end without block")
		}
		b.labels = b.labels[:len(b.labels)-1]
		b.emit(wasmcode.Instruction{Opcode: wasm.OpcodeEnd})
		return skipLabel(items, i), nil
	}
	in, k, err := b.instruction(n, items[i:])
	if err != nil {
		return 0, err
	}
	b.emit(in)
	return i + k, nil
}

func skipLabel(items []*node, i int) int {
	if i < len(items) && items[i].isID() {
		return i + 1
	}
	return i
}

var blockOps = map[string]wasm.Opcode{
	"block": wasm.OpcodeBlock,
	"loop":  wasm.OpcodeLoop,
	"if":    wasm.OpcodeIf,
}

func (b *body) folded(n *node) error {
	head := n.head()
	if head == "" {
		return errAt(n, "expected instruction")
	}
	rest := n.list[1:]
	switch head {
	case "block", "loop":
		label, bt, k, err := b.blockHeader(rest)
		if err != nil {
			return err
		}
		b.emit(wasmcode.Instruction{Opcode: blockOps[head], Block: bt})
		b.labels = append(b.labels, label)
		if err := b.seq(rest[k:]); err != nil {
			return err
		}
		return b.closeBlock(n)
	case "if":
		label, bt, k, err := b.blockHeader(rest)
		if err != nil {
			return err
		}
		rest = rest[k:]
		var then, els *node
		for len(rest) > 0 && then == nil {
			switch rest[0].head() {
			case "then":
				then = rest[0]
			default:
				if err := b.folded(rest[0]); err != nil {
					return err
				}
			}
			rest = rest[1:]
		}
		if then == nil {
			return errAt(n, "if without then")
		}
		if len(rest) > 0 {
			if rest[0].head() != "else" || len(rest) > 1 {
				return errAt(n, "unexpected %s after then", rest[0])
			}
			els = rest[0]
		}
		b.emit(wasmcode.Instruction{Opcode: wasm.OpcodeIf, Block: bt})
		b.labels = append(b.labels, label)
		if err := b.seq(then.list[1:]); err != nil {
			return err
		}
		if els != nil {
			b.emit(wasmcode.Instruction{Opcode: wasm.OpcodeElse})
			if err := b.seq(els.list[1:]); err != nil {
				return err
			}
		}
		return b.closeBlock(n)
	}
	in, k, err := b.instruction(n.list[0], rest)
	if err != nil {
		return err
	}
	for _, operand := range rest[k:] {
		if !operand.isList() {
			return errAt(operand, "unexpected %s in folded %s", operand, head)
		}
		if err := b.folded(operand); err != nil {
			return err
		}
	}
	b.emit(in)
	return nil
}

func (b *body) closeBlock(n *node) error {
	if len(b.labels) == 0 {
		return errAt(n, "unbalanced block")
	}
	b.labels = b.labels[:len(b.labels)-1]
	b.emit(wasmcode.Instruction{Opcode: wasm.OpcodeEnd})
	return nil
}

// blockHeader reads an optional label and block type.
func (b *body) blockHeader(items []*node) (string, int64, int, error) {
	k := 0
	label := ""
	if len(items) > 0 && items[0].isID() {
		label = items[0].atom
		k++
	}
	start := k
	for k < len(items) {
		h := items[k].head()
		if h != "type" && h != "param" && h != "result" {
			break
		}
		k++
	}
	if k == start {
		return label, wasmcode.BlockEmpty, k, nil
	}
	typed := items[start:k]
	if len(typed) == 1 && typed[0].head() == "result" && len(typed[0].list) == 2 {
		t, err := valueType(typed[0].list[1])
		return label, wasmcode.BlockValue(t), k, err
	}
	idx, _, tail, err := b.a.typeUse(typed)
	if err != nil {
		return "", 0, 0, err
	}
	if len(tail) > 0 {
		return "", 0, 0, errAt(tail[0], "malformed block type")
	}
	return label, int64(idx), k, nil
}

// label resolves a label reference to a relative depth.
func (b *body) label(n *node) (uint32, error) {
	if n.isID() {
		for i := len(b.labels) - 1; i >= 0; i-- {
			if b.labels[i] == n.atom {
				return uint32(len(b.labels) - 1 - i), nil
			}
		}
		return 0, errAt(n, "unknown label %s", n.atom)
	}
	if n.isList() || n.isStr {
		return 0, errAt(n, "expected label, got %s", n)
	}
	v, err := parseUint(n.atom, 32)
	if err != nil {
		return 0, errAt(n, "expected label, got %s", n.atom)
	}
	return uint32(v), nil
}

func isIndexAtom(n *node) bool {
	if n.isList() || n.isStr {
		return false
	}
	if n.isID() {
		return true
	}
	_, err := parseUint(n.atom, 32)
	return err == nil
}

// instruction reads the immediates of mnemonic op from items and returns
// the instruction and the number of items consumed.
func (b *body) instruction(op *node, items []*node) (wasmcode.Instruction, int, error) {
	in, ok := wasmcode.Lookup(op.atom)
	if !ok || op.isList() || op.isStr {
		return in, 0, errAt(op, "unknown instruction %s", op)
	}
	atom := func(k int) *node {
		if k < len(items) && !items[k].isList() && !items[k].isStr {
			return items[k]
		}
		return nil
	}
	need := func(k int, what string) (*node, error) {
		if n := atom(k); n != nil {
			return n, nil
		}
		return nil, errAt(op, "%s expects %s", op.atom, what)
	}
	var err error
	k := 0
	switch {
	case in.Opcode == wasm.OpcodeBr || in.Opcode == wasm.OpcodeBrIf:
		var n *node
		if n, err = need(0, "a label"); err == nil {
			in.Index, err = b.label(n)
			k = 1
		}
	case in.Opcode == wasm.OpcodeBrTable:
		for n := atom(k); n != nil && isIndexAtom(n); n = atom(k) {
			var l uint32
			if l, err = b.label(n); err != nil {
				break
			}
			in.Labels = append(in.Labels, l)
			k++
		}
		if err == nil && len(in.Labels) == 0 {
			err = errAt(op, "br_table expects labels")
		}
	case in.Opcode == wasm.OpcodeCall || in.Opcode == wasm.OpcodeRefFunc:
		var n *node
		if n, err = need(0, "a function"); err == nil {
			in.Index, err = b.a.funcs.resolve(n, "func")
			k = 1
		}
	case in.Opcode == wasm.OpcodeCallIndirect:
		if n := atom(0); n != nil && isIndexAtom(n) {
			if in.Index2, err = b.a.tables.resolve(n, "table"); err != nil {
				break
			}
			k = 1
		}
		end := k
		for end < len(items) {
			h := items[end].head()
			if h != "type" && h != "param" && h != "result" {
				break
			}
			end++
		}
		var tail []*node
		in.Index, _, tail, err = b.a.typeUse(items[k:end])
		if err == nil && len(tail) > 0 {
			err = errAt(tail[0], "malformed call_indirect type")
		}
		k = end
	case in.Opcode == wasm.OpcodeLocalGet || in.Opcode == wasm.OpcodeLocalSet || in.Opcode == wasm.OpcodeLocalTee:
		var n *node
		if n, err = need(0, "a local"); err == nil {
			in.Index, err = b.locals.resolve(n, "local")
			k = 1
		}
	case in.Opcode == wasm.OpcodeGlobalGet || in.Opcode == wasm.OpcodeGlobalSet:
		var n *node
		if n, err = need(0, "a global"); err == nil {
			in.Index, err = b.a.globals.resolve(n, "global")
			k = 1
		}
	case in.Opcode == wasm.OpcodeTableGet || in.Opcode == wasm.OpcodeTableSet:
		k, in.Index, err = b.optTable(atom(0))
	case in.Opcode == wasm.OpcodeMemorySize || in.Opcode == wasm.OpcodeMemoryGrow:
		if n := atom(0); n != nil && isIndexAtom(n) {
			if _, err = b.a.mems.resolve(n, "memory"); err == nil {
				k = 1
			}
		}
	case in.Opcode >= wasm.OpcodeI32Load && in.Opcode <= wasm.OpcodeI64Store32:
		in.Align = naturalAlign[in.Opcode-wasm.OpcodeI32Load]
		for n := atom(k); n != nil; n = atom(k) {
			if v, ok := strings.CutPrefix(n.atom, "offset="); ok {
				var u uint64
				if u, err = parseUint(v, 32); err != nil {
					err = errAt(n, "invalid offset %s", v)
					break
				}
				in.Offset = uint32(u)
			} else if v, ok := strings.CutPrefix(n.atom, "align="); ok {
				var u uint64
				if u, err = parseUint(v, 32); err != nil || u == 0 || u&(u-1) != 0 {
					err = errAt(n, "invalid alignment %s", v)
					break
				}
				in.Align = uint32(bits.TrailingZeros64(u))
			} else {
				break
			}
			k++
		}
	case in.Opcode == wasm.OpcodeI32Const || in.Opcode == wasm.OpcodeI64Const:
		var n *node
		if n, err = need(0, "a value"); err == nil {
			width := 32
			if in.Opcode == wasm.OpcodeI64Const {
				width = 64
			}
			if in.Value, err = parseInt(n.atom, width); err != nil {
				err = errAt(n, "%v", err)
			}
			k = 1
		}
	case in.Opcode == wasm.OpcodeF32Const || in.Opcode == wasm.OpcodeF64Const:
		var n *node
		if n, err = need(0, "a value"); err == nil {
			width := 32
			if in.Opcode == wasm.OpcodeF64Const {
				width = 64
			}
			var raw uint64
			if raw, err = parseFloat(n.atom, width); err != nil {
				err = errAt(n, "%v", err)
			}
			in.Value = int64(raw)
			k = 1
		}
	case in.Opcode == wasm.OpcodeSelect:
		for k < len(items) && items[k].head() == "result" {
			for _, t := range items[k].list[1:] {
				var vt wasm.ValueType
				if vt, err = valueType(t); err != nil {
					break
				}
				in.Types = append(in.Types, vt)
			}
			k++
		}
		if len(in.Types) > 0 {
			in.Opcode = wasm.OpcodeTypedSelect
		}
	case in.Opcode == wasm.OpcodeRefNull:
		var n *node
		if n, err = need(0, "func or extern"); err == nil {
			switch n.atom {
			case "func", "funcref":
				in.Index = uint32(wasm.RefTypeFuncref)
			case "extern", "externref":
				in.Index = uint32(wasm.RefTypeExternref)
			default:
				err = errAt(n, "unknown reference type %s", n.atom)
			}
			k = 1
		}
	case in.Opcode == wasm.OpcodeMiscPrefix:
		k, err = b.misc(&in, op, atom)
	}
	if err != nil {
		return in, 0, err
	}
	return in, k, nil
}

func (b *body) optTable(n *node) (int, uint32, error) {
	if n == nil || !isIndexAtom(n) {
		return 0, 0, nil
	}
	idx, err := b.a.tables.resolve(n, "table")
	return 1, idx, err
}

func (b *body) misc(in *wasmcode.Instruction, op *node, atom func(int) *node) (int, error) {
	var err error
	switch in.Misc {
	case wasm.OpcodeMiscMemoryInit, wasm.OpcodeMiscDataDrop:
		b.a.needDataCount = true
		n := atom(0)
		if n == nil {
			return 0, errAt(op, "%s expects a data segment", op.atom)
		}
		in.Index, err = b.a.datas.resolve(n, "data")
		return 1, err
	case wasm.OpcodeMiscElemDrop:
		n := atom(0)
		if n == nil {
			return 0, errAt(op, "%s expects an element segment", op.atom)
		}
		in.Index, err = b.a.elems.resolve(n, "elem")
		return 1, err
	case wasm.OpcodeMiscTableInit:
		first, second := atom(0), atom(1)
		if first == nil {
			return 0, errAt(op, "%s expects an element segment", op.atom)
		}
		if second != nil && isIndexAtom(second) {
			if in.Index2, err = b.a.tables.resolve(first, "table"); err != nil {
				return 0, err
			}
			in.Index, err = b.a.elems.resolve(second, "elem")
			return 2, err
		}
		in.Index, err = b.a.elems.resolve(first, "elem")
		return 1, err
	case wasm.OpcodeMiscTableCopy:
		dst, src := atom(0), atom(1)
		if dst == nil || src == nil || !isIndexAtom(dst) || !isIndexAtom(src) {
			return 0, nil
		}
		if in.Index, err = b.a.tables.resolve(dst, "table"); err != nil {
			return 0, err
		}
		in.Index2, err = b.a.tables.resolve(src, "table")
		return 2, err
	case wasm.OpcodeMiscTableGrow, wasm.OpcodeMiscTableSize, wasm.OpcodeMiscTableFill:
		k, idx, err := b.optTable(atom(0))
		in.Index = idx
		return k, err
	}
	return 0, nil
}
