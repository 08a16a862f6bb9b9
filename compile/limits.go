package compile

import (
	"github.com/tetratelabs/wabin/wasm"

	"github.com/wippyai/wasm-xvm/errors"
)

// Limits bounds the shape of a contract module. Zero disables a check.
type Limits struct {
	// Maximum size of contract bytecode in bytes
	MaxContractSize uint32

	// Maximum number of functions, imported and defined
	MaxFunctions uint32

	// Maximum number of imports in a module
	MaxImports uint32

	// Maximum number of exports in a module
	MaxExports uint32

	// Maximum number of globals, imported and defined
	MaxGlobals uint32

	// Maximum initial memory pages (64KB per page)
	MaxInitialMemoryPages uint32

	// Maximum declared memory pages after growth
	MaxMemoryPages uint32

	// Maximum initial table size
	MaxTableSize uint32
}

// DefaultLimits returns limits suited to contract code.
func DefaultLimits() *Limits {
	return &Limits{
		MaxContractSize:       4 << 20, // 4MB
		MaxFunctions:          10000,
		MaxImports:            256,
		MaxExports:            256,
		MaxGlobals:            1024,
		MaxInitialMemoryPages: 256,  // 16MB
		MaxMemoryPages:        1024, // 64MB
		MaxTableSize:          10000,
	}
}

func checkSize(l *Limits, n int) error {
	return checkLimit("contract_size", uint64(n), l.MaxContractSize)
}

// Check validates the module against the limits.
func (l *Limits) Check(m *wasm.Module) error {
	checks := []struct {
		what  string
		value uint64
		limit uint32
	}{
		{"functions", uint64(m.ImportFuncCount()) + uint64(len(m.FunctionSection)), l.MaxFunctions},
		{"imports", uint64(len(m.ImportSection)), l.MaxImports},
		{"exports", uint64(len(m.ExportSection)), l.MaxExports},
		{"globals", uint64(m.ImportGlobalCount()) + uint64(len(m.GlobalSection)), l.MaxGlobals},
	}
	for _, c := range checks {
		if err := checkLimit(c.what, c.value, c.limit); err != nil {
			return err
		}
	}

	var mems []*wasm.Memory
	if m.MemorySection != nil {
		mems = append(mems, m.MemorySection)
	}
	tables := append([]*wasm.Table(nil), m.TableSection...)
	for _, imp := range m.ImportSection {
		switch imp.Type {
		case wasm.ExternTypeMemory:
			mems = append(mems, imp.DescMem)
		case wasm.ExternTypeTable:
			tables = append(tables, imp.DescTable)
		}
	}

	for _, mem := range mems {
		if err := checkLimit("memory.initial", uint64(mem.Min), l.MaxInitialMemoryPages); err != nil {
			return err
		}
		if mem.IsMaxEncoded {
			if err := checkLimit("memory.max", uint64(mem.Max), l.MaxMemoryPages); err != nil {
				return err
			}
		}
	}
	for _, tbl := range tables {
		if err := checkLimit("table.initial", uint64(tbl.Min), l.MaxTableSize); err != nil {
			return err
		}
	}
	return nil
}

func checkLimit(what string, value uint64, limit uint32) error {
	if limit != 0 && value > uint64(limit) {
		return errors.LimitExceeded(what, value, uint64(limit))
	}
	return nil
}
