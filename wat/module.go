package wat

import (
	"github.com/tetratelabs/wabin/wasm"

	"github.com/wippyai/wasm-xvm/wasmcode"
)

// Compile assembles a module written in the WebAssembly text format into
// its binary encoding.
func Compile(source string) ([]byte, error) {
	root, err := parse(source)
	if err != nil {
		return nil, err
	}
	if root.head() != "module" {
		return nil, errAt(root, "expected 'module'")
	}
	fields := root.list[1:]
	if len(fields) > 0 && fields[0].isID() {
		fields = fields[1:]
	}
	a := &assembler{m: &wasm.Module{}}
	if err := a.module(fields); err != nil {
		return nil, err
	}
	return wasmcode.EncodeModule(a.m), nil
}

// space is one index space with its symbolic names.
type space struct {
	names map[string]uint32
	n     uint32
}

func (s *space) add(id *node) (uint32, error) {
	idx := s.n
	s.n++
	if id == nil {
		return idx, nil
	}
	if s.names == nil {
		s.names = make(map[string]uint32)
	}
	if _, dup := s.names[id.atom]; dup {
		return 0, errAt(id, "duplicate identifier %s", id.atom)
	}
	s.names[id.atom] = idx
	return idx, nil
}

func (s *space) resolve(n *node, what string) (uint32, error) {
	if n.isList() || n.isStr {
		return 0, errAt(n, "expected %s index, got %s", what, n)
	}
	if n.isID() {
		idx, ok := s.names[n.atom]
		if !ok {
			return 0, errAt(n, "unknown %s %s", what, n.atom)
		}
		return idx, nil
	}
	v, err := parseUint(n.atom, 32)
	if err != nil {
		return 0, errAt(n, "expected %s index, got %s", what, n.atom)
	}
	return uint32(v), nil
}

type funcDef struct {
	n       *node
	rest    []*node
	params  []*node
	typeIdx uint32
	code    *wasm.Code
}

type assembler struct {
	m *wasm.Module

	types, funcs, tables, mems, globals, datas, elems space

	defs []*funcDef
	// needDataCount is set by passive data and by memory.init or data.drop.
	needDataCount bool
	// deferred holds module fields resolved once every identifier is known.
	deferred []func() error
}

func (a *assembler) module(fields []*node) error {
	for _, f := range fields {
		if !f.isList() {
			return errAt(f, "unexpected %s in module", f)
		}
		if f.head() == "type" {
			if err := a.typeDef(f); err != nil {
				return err
			}
		}
	}
	for _, f := range fields {
		if f.head() == "import" {
			if err := a.importDef(f); err != nil {
				return err
			}
		}
	}
	for _, f := range fields {
		var err error
		switch f.head() {
		case "type", "import":
		case "func":
			err = a.funcDef(f)
		case "memory":
			err = a.memoryDef(f)
		case "table":
			err = a.tableDef(f)
		case "global":
			err = a.globalDef(f)
		case "export":
			err = a.exportDef(f)
		case "start":
			err = a.startDef(f)
		case "data":
			err = a.dataDef(f)
		case "elem":
			err = a.elemDef(f)
		default:
			err = errAt(f, "unknown module field %q", f.head())
		}
		if err != nil {
			return err
		}
	}
	for _, fn := range a.deferred {
		if err := fn(); err != nil {
			return err
		}
	}
	for _, d := range a.defs {
		if err := a.funcBody(d); err != nil {
			return err
		}
	}
	if a.needDataCount {
		n := uint32(len(a.m.DataSection))
		a.m.DataCountSection = &n
	}
	return nil
}

func (a *assembler) later(fn func() error) {
	a.deferred = append(a.deferred, fn)
}

// optID pops a leading $id.
func optID(items []*node) (*node, []*node) {
	if len(items) > 0 && items[0].isID() {
		return items[0], items[1:]
	}
	return nil, items
}

// inlineExports pops leading (export "name") abbreviations.
func (a *assembler) inlineExports(items []*node, kind wasm.ExternType, idx uint32) ([]*node, error) {
	for len(items) > 0 && items[0].head() == "export" {
		e := items[0]
		if len(e.list) != 2 || !e.list[1].isStr {
			return nil, errAt(e, "malformed export")
		}
		a.m.ExportSection = append(a.m.ExportSection, &wasm.Export{Type: kind, Name: string(e.list[1].str), Index: idx})
		items = items[1:]
	}
	return items, nil
}

func (a *assembler) typeDef(f *node) error {
	id, rest := optID(f.list[1:])
	if len(rest) != 1 || rest[0].head() != "func" {
		return errAt(f, "malformed type definition")
	}
	ft, names, tail, err := a.signature(rest[0].list[1:])
	if err != nil {
		return err
	}
	if len(tail) > 0 || len(names) > 0 {
		return errAt(f, "malformed type definition")
	}
	if _, err := a.types.add(id); err != nil {
		return err
	}
	a.m.TypeSection = append(a.m.TypeSection, ft)
	return nil
}

// signature reads (param ...) and (result ...) lists, returning the named
// parameter nodes (nil for anonymous ones) and the unread items.
func (a *assembler) signature(items []*node) (*wasm.FunctionType, []*node, []*node, error) {
	ft := &wasm.FunctionType{}
	var names []*node
	named := false
	for len(items) > 0 {
		switch items[0].head() {
		case "param":
			p := items[0].list[1:]
			if id, rest := optID(p); id != nil {
				if len(rest) != 1 {
					return nil, nil, nil, errAt(items[0], "named param takes one type")
				}
				t, err := valueType(rest[0])
				if err != nil {
					return nil, nil, nil, err
				}
				ft.Params = append(ft.Params, t)
				names = append(names, id)
				named = true
			} else {
				for _, n := range p {
					t, err := valueType(n)
					if err != nil {
						return nil, nil, nil, err
					}
					ft.Params = append(ft.Params, t)
					names = append(names, nil)
				}
			}
		case "result":
			for _, n := range items[0].list[1:] {
				t, err := valueType(n)
				if err != nil {
					return nil, nil, nil, err
				}
				ft.Results = append(ft.Results, t)
			}
		default:
			if !named {
				names = nil
			}
			return ft, names, items, nil
		}
		items = items[1:]
	}
	if !named {
		names = nil
	}
	return ft, names, items, nil
}

// typeUse reads an optional (type $t) followed by an inline signature and
// returns the type index, interning the signature when no type is named.
func (a *assembler) typeUse(items []*node) (uint32, []*node, []*node, error) {
	var explicit *node
	if len(items) > 0 && items[0].head() == "type" {
		explicit = items[0]
		items = items[1:]
	}
	ft, names, rest, err := a.signature(items)
	if err != nil {
		return 0, nil, nil, err
	}
	if explicit == nil {
		return a.intern(ft), names, rest, nil
	}
	if len(explicit.list) != 2 {
		return 0, nil, nil, errAt(explicit, "malformed type use")
	}
	idx, err := a.types.resolve(explicit.list[1], "type")
	if err != nil {
		return 0, nil, nil, err
	}
	if int(idx) >= len(a.m.TypeSection) {
		return 0, nil, nil, errAt(explicit, "unknown type %d", idx)
	}
	if (len(ft.Params) > 0 || len(ft.Results) > 0) &&
		!a.m.TypeSection[idx].EqualsSignature(ft.Params, ft.Results) {
		return 0, nil, nil, errAt(explicit, "inline signature does not match type %d", idx)
	}
	return idx, names, rest, nil
}

func (a *assembler) intern(ft *wasm.FunctionType) uint32 {
	for i, t := range a.m.TypeSection {
		if t.EqualsSignature(ft.Params, ft.Results) {
			return uint32(i)
		}
	}
	a.m.TypeSection = append(a.m.TypeSection, ft)
	a.types.n++
	return uint32(len(a.m.TypeSection) - 1)
}

func (a *assembler) importDef(f *node) error {
	if len(f.list) != 4 || !f.list[1].isStr || !f.list[2].isStr || !f.list[3].isList() {
		return errAt(f, "malformed import")
	}
	imp := &wasm.Import{Module: string(f.list[1].str), Name: string(f.list[2].str)}
	desc := f.list[3]
	id, rest := optID(desc.list[1:])
	var err error
	switch desc.head() {
	case "func":
		imp.Type = wasm.ExternTypeFunc
		var tail []*node
		if imp.DescFunc, _, tail, err = a.typeUse(rest); err == nil && len(tail) > 0 {
			err = errAt(tail[0], "unexpected %s in imported func", tail[0])
		}
		if err == nil {
			_, err = a.funcs.add(id)
		}
	case "global":
		imp.Type = wasm.ExternTypeGlobal
		if len(rest) != 1 {
			return errAt(desc, "malformed global import")
		}
		if imp.DescGlobal, err = globalType(rest[0]); err == nil {
			_, err = a.globals.add(id)
		}
	case "memory":
		imp.Type = wasm.ExternTypeMemory
		if imp.DescMem, err = memoryLimits(desc, rest); err == nil {
			_, err = a.mems.add(id)
		}
	case "table":
		imp.Type = wasm.ExternTypeTable
		if imp.DescTable, err = tableType(desc, rest); err == nil {
			_, err = a.tables.add(id)
		}
	default:
		return errAt(desc, "unknown import kind %q", desc.head())
	}
	if err != nil {
		return err
	}
	a.m.ImportSection = append(a.m.ImportSection, imp)
	return nil
}

func globalType(n *node) (*wasm.GlobalType, error) {
	if n.head() == "mut" {
		if len(n.list) != 2 {
			return nil, errAt(n, "malformed global type")
		}
		t, err := valueType(n.list[1])
		return &wasm.GlobalType{ValType: t, Mutable: true}, err
	}
	t, err := valueType(n)
	return &wasm.GlobalType{ValType: t}, err
}

func limits(f *node, items []*node) (uint32, *uint32, []*node, error) {
	if len(items) == 0 || items[0].isList() || items[0].isStr {
		return 0, nil, nil, errAt(f, "missing limits")
	}
	lo, err := parseUint(items[0].atom, 32)
	if err != nil {
		return 0, nil, nil, errAt(items[0], "invalid limit %s", items[0].atom)
	}
	items = items[1:]
	if len(items) > 0 && !items[0].isList() && !items[0].isStr {
		if hi, err := parseUint(items[0].atom, 32); err == nil {
			max := uint32(hi)
			return uint32(lo), &max, items[1:], nil
		}
	}
	return uint32(lo), nil, items, nil
}

func memoryLimits(f *node, items []*node) (*wasm.Memory, error) {
	lo, hi, rest, err := limits(f, items)
	if err != nil {
		return nil, err
	}
	if len(rest) > 0 {
		return nil, errAt(rest[0], "unexpected %s in memory", rest[0])
	}
	mem := &wasm.Memory{Min: lo}
	if hi != nil {
		mem.Max, mem.IsMaxEncoded = *hi, true
	}
	return mem, nil
}

func tableType(f *node, items []*node) (*wasm.Table, error) {
	lo, hi, rest, err := limits(f, items)
	if err != nil {
		return nil, err
	}
	if len(rest) != 1 {
		return nil, errAt(f, "table needs an element type")
	}
	t, err := valueType(rest[0])
	if err != nil {
		return nil, err
	}
	return &wasm.Table{Min: lo, Max: hi, Type: t}, nil
}

func (a *assembler) funcDef(f *node) error {
	id, rest := optID(f.list[1:])
	idx, err := a.funcs.add(id)
	if err != nil {
		return err
	}
	if rest, err = a.inlineExports(rest, wasm.ExternTypeFunc, idx); err != nil {
		return err
	}
	typeIdx, names, rest, err := a.typeUse(rest)
	if err != nil {
		return err
	}
	code := &wasm.Code{}
	a.m.FunctionSection = append(a.m.FunctionSection, typeIdx)
	a.m.CodeSection = append(a.m.CodeSection, code)
	a.defs = append(a.defs, &funcDef{n: f, rest: rest, params: names, typeIdx: typeIdx, code: code})
	return nil
}

func (a *assembler) memoryDef(f *node) error {
	id, rest := optID(f.list[1:])
	idx, err := a.mems.add(id)
	if err != nil {
		return err
	}
	if rest, err = a.inlineExports(rest, wasm.ExternTypeMemory, idx); err != nil {
		return err
	}
	if a.m.MemorySection != nil {
		return errAt(f, "multiple memories")
	}
	a.m.MemorySection, err = memoryLimits(f, rest)
	return err
}

func (a *assembler) tableDef(f *node) error {
	id, rest := optID(f.list[1:])
	idx, err := a.tables.add(id)
	if err != nil {
		return err
	}
	if rest, err = a.inlineExports(rest, wasm.ExternTypeTable, idx); err != nil {
		return err
	}
	t, err := tableType(f, rest)
	if err != nil {
		return err
	}
	a.m.TableSection = append(a.m.TableSection, t)
	return nil
}

func (a *assembler) globalDef(f *node) error {
	id, rest := optID(f.list[1:])
	idx, err := a.globals.add(id)
	if err != nil {
		return err
	}
	if rest, err = a.inlineExports(rest, wasm.ExternTypeGlobal, idx); err != nil {
		return err
	}
	if len(rest) < 2 {
		return errAt(f, "global needs a type and an initializer")
	}
	gt, err := globalType(rest[0])
	if err != nil {
		return err
	}
	g := &wasm.Global{Type: gt}
	a.m.GlobalSection = append(a.m.GlobalSection, g)
	init := rest[1:]
	a.later(func() (err error) {
		g.Init, err = a.constExpr(f, init)
		return err
	})
	return nil
}

var exportKinds = map[string]wasm.ExternType{
	"func":   wasm.ExternTypeFunc,
	"table":  wasm.ExternTypeTable,
	"memory": wasm.ExternTypeMemory,
	"global": wasm.ExternTypeGlobal,
}

func (a *assembler) exportDef(f *node) error {
	if len(f.list) != 3 || !f.list[1].isStr || len(f.list[2].list) != 2 {
		return errAt(f, "malformed export")
	}
	desc := f.list[2]
	kind, ok := exportKinds[desc.head()]
	if !ok {
		return errAt(desc, "unknown export kind %q", desc.head())
	}
	e := &wasm.Export{Type: kind, Name: string(f.list[1].str)}
	a.m.ExportSection = append(a.m.ExportSection, e)
	a.later(func() (err error) {
		e.Index, err = a.space(kind).resolve(desc.list[1], desc.head())
		return err
	})
	return nil
}

func (a *assembler) space(kind wasm.ExternType) *space {
	switch kind {
	case wasm.ExternTypeFunc:
		return &a.funcs
	case wasm.ExternTypeTable:
		return &a.tables
	case wasm.ExternTypeMemory:
		return &a.mems
	}
	return &a.globals
}

func (a *assembler) startDef(f *node) error {
	if len(f.list) != 2 {
		return errAt(f, "malformed start")
	}
	if a.m.StartSection != nil {
		return errAt(f, "multiple start functions")
	}
	a.later(func() error {
		idx, err := a.funcs.resolve(f.list[1], "func")
		a.m.StartSection = &idx
		return err
	})
	return nil
}

// offsetExpr pops an (offset ...) list or a single folded instruction.
func offsetExpr(items []*node) ([]*node, []*node, bool) {
	if len(items) == 0 || !items[0].isList() {
		return nil, items, false
	}
	if items[0].head() == "offset" {
		return items[0].list[1:], items[1:], true
	}
	return items[:1], items[1:], true
}

func (a *assembler) dataDef(f *node) error {
	id, rest := optID(f.list[1:])
	if _, err := a.datas.add(id); err != nil {
		return err
	}
	if len(rest) > 0 && rest[0].head() == "memory" {
		rest = rest[1:]
	}
	seg := &wasm.DataSegment{}
	offset, rest, active := offsetExpr(rest)
	for _, s := range rest {
		if !s.isStr {
			return errAt(s, "data expects strings, got %s", s)
		}
		seg.Init = append(seg.Init, s.str...)
	}
	a.m.DataSection = append(a.m.DataSection, seg)
	if !active {
		a.needDataCount = true
		return nil
	}
	a.later(func() (err error) {
		seg.OffsetExpression, err = a.constExpr(f, offset)
		return err
	})
	return nil
}

func (a *assembler) elemDef(f *node) error {
	id, rest := optID(f.list[1:])
	if _, err := a.elems.add(id); err != nil {
		return err
	}
	seg := &wasm.ElementSegment{Mode: wasm.ElementModeActive, Type: wasm.RefTypeFuncref}
	var table *node
	if len(rest) > 0 && rest[0].head() == "table" && len(rest[0].list) == 2 {
		table = rest[0].list[1]
		rest = rest[1:]
	}
	offset, rest, active := offsetExpr(rest)
	if !active {
		return errAt(f, "only active element segments are supported")
	}
	if len(rest) > 0 && rest[0].atom == "func" {
		rest = rest[1:]
	}
	a.m.ElementSection = append(a.m.ElementSection, seg)
	a.later(func() error {
		if table != nil {
			idx, err := a.tables.resolve(table, "table")
			if err != nil {
				return err
			}
			seg.TableIndex = idx
		}
		expr, err := a.constExpr(f, offset)
		if err != nil {
			return err
		}
		seg.OffsetExpr = expr
		for _, n := range rest {
			idx, err := a.funcs.resolve(n, "func")
			if err != nil {
				return err
			}
			seg.Init = append(seg.Init, &idx)
		}
		return nil
	})
	return nil
}

// constExpr assembles a single constant instruction.
func (a *assembler) constExpr(f *node, items []*node) (*wasm.ConstantExpression, error) {
	b := &body{a: a}
	if err := b.seq(items); err != nil {
		return nil, err
	}
	if len(b.out) != 1 {
		return nil, errAt(f, "constant expression must be a single instruction")
	}
	in := b.out[0]
	enc := wasmcode.EncodeBody(b.out)
	return &wasm.ConstantExpression{Opcode: in.Opcode, Data: enc[1:]}, nil
}

func (a *assembler) funcBody(d *funcDef) error {
	b := &body{a: a}
	for _, p := range d.params {
		if _, err := b.locals.add(p); err != nil {
			return err
		}
	}
	b.locals.n = uint32(len(a.m.TypeSection[d.typeIdx].Params))
	rest := d.rest
	for len(rest) > 0 && rest[0].head() == "local" {
		l := rest[0].list[1:]
		if id, tail := optID(l); id != nil {
			if len(tail) != 1 {
				return errAt(rest[0], "named local takes one type")
			}
			t, err := valueType(tail[0])
			if err != nil {
				return err
			}
			if _, err := b.locals.add(id); err != nil {
				return err
			}
			d.code.LocalTypes = append(d.code.LocalTypes, t)
		} else {
			for _, n := range l {
				t, err := valueType(n)
				if err != nil {
					return err
				}
				b.locals.n++
				d.code.LocalTypes = append(d.code.LocalTypes, t)
			}
		}
		rest = rest[1:]
	}
	if err := b.seq(rest); err != nil {
		return err
	}
	if len(b.labels) != 0 {
		return errAt(d.n, "unbalanced block in function")
	}
	b.emit(wasmcode.Instruction{Opcode: wasm.OpcodeEnd})
	d.code.Body = wasmcode.EncodeBody(b.out)
	return nil
}
