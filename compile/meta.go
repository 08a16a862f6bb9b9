package compile

import (
	"bytes"

	"github.com/tetratelabs/wabin/leb128"
	"github.com/tetratelabs/wabin/wasm"

	"github.com/wippyai/wasm-xvm/errors"
	"github.com/wippyai/wasm-xvm/wasmcode"
)

const (
	// MetaSection is the custom section carrying Meta.
	MetaSection = "xvm.meta"

	// MetaVersion is the artifact format produced by this package.
	MetaVersion uint32 = 1

	// StartExport is the export a relocated start function is reachable under.
	StartExport = "__xvm_start"

	// HeapBaseExport is the linker-provided global marking the end of static data.
	HeapBaseExport = "__heap_base"
)

const flagHasStart uint32 = 1

// Meta describes an artifact produced by Compile.
type Meta struct {
	Version         uint32
	ScheduleVersion uint32
	StaticTop       uint32
	HasStart        bool
}

func (m Meta) encode() []byte {
	var flags uint32
	if m.HasStart {
		flags |= flagHasStart
	}
	buf := leb128.EncodeUint32(m.Version)
	buf = append(buf, leb128.EncodeUint32(m.ScheduleVersion)...)
	buf = append(buf, leb128.EncodeUint32(m.StaticTop)...)
	return append(buf, leb128.EncodeUint32(flags)...)
}

// ReadMeta extracts Meta from a parsed artifact.
func ReadMeta(m *wasm.Module) (Meta, error) {
	if data, ok := wasmcode.Custom(m, MetaSection); ok {
		r := bytes.NewReader(data)
		var fields [4]uint32
		for i := range fields {
			v, _, err := leb128.DecodeUint32(r)
			if err != nil {
				return Meta{}, errors.New(errors.PhaseLoad, errors.KindMalformed).
					Path(MetaSection).
					Detail("truncated section").
					Cause(err).
					Build()
			}
			fields[i] = v
		}
		meta := Meta{
			Version:         fields[0],
			ScheduleVersion: fields[1],
			StaticTop:       fields[2],
			HasStart:        fields[3]&flagHasStart != 0,
		}
		if meta.Version != MetaVersion {
			return Meta{}, errors.New(errors.PhaseLoad, errors.KindMalformed).
				Path(MetaSection, "version").
				Value(meta.Version).
				Detail("unsupported artifact version %d", meta.Version).
				Build()
		}
		return meta, nil
	}
	return Meta{}, errors.Malformed("missing "+MetaSection+" section", nil)
}

func hasMeta(m *wasm.Module) bool {
	_, ok := wasmcode.Custom(m, MetaSection)
	return ok
}
