package compile

import (
	"os"
	"path/filepath"

	"github.com/tetratelabs/wabin/wasm"

	"github.com/wippyai/wasm-xvm/errors"
	"github.com/wippyai/wasm-xvm/gas"
	"github.com/wippyai/wasm-xvm/wasmcode"
)

// Config holds configuration for artifact compilation
type Config struct {
	// Schedule prices instructions. nil means gas.DefaultSchedule().
	Schedule *gas.Schedule

	// Limits bounds the module shape. nil means DefaultLimits().
	Limits *Limits
}

// Compile turns a WebAssembly binary into an xvm artifact: the module is
// checked against the limits, metered, its start function is relocated to
// StartExport and a MetaSection is appended.
func Compile(wasmBytes []byte, cfg *Config) ([]byte, error) {
	schedule, limits := gas.DefaultSchedule(), DefaultLimits()
	if cfg != nil {
		if cfg.Schedule != nil {
			schedule = cfg.Schedule
		}
		if cfg.Limits != nil {
			limits = cfg.Limits
		}
	}

	if err := checkSize(limits, len(wasmBytes)); err != nil {
		return nil, err
	}

	m, err := wasmcode.DecodeModule(wasmBytes)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseCompile, errors.KindMalformed, err, "parse module")
	}
	if err := wasmcode.Validate(m); err != nil {
		return nil, errors.Wrap(errors.PhaseCompile, errors.KindMalformed, err, "validate module")
	}
	if hasMeta(m) {
		return nil, errors.InvalidInput(errors.PhaseCompile, "module is already an xvm artifact")
	}
	for _, exp := range m.ExportSection {
		switch exp.Name {
		case StartExport, gas.UsedExport, gas.LimitExport:
			return nil, errors.InvalidInput(errors.PhaseCompile, "module exports reserved name "+exp.Name)
		}
	}
	if err := limits.Check(m); err != nil {
		return nil, err
	}

	meta := Meta{
		Version:         MetaVersion,
		ScheduleVersion: schedule.Version,
		StaticTop:       staticTop(m),
	}

	if m.StartSection != nil {
		m.ExportSection = append(m.ExportSection, &wasm.Export{Name: StartExport, Type: wasm.ExternTypeFunc, Index: *m.StartSection})
		m.StartSection = nil
		meta.HasStart = true
	}

	if _, err := gas.Instrument(m, schedule); err != nil {
		return nil, errors.Wrap(errors.PhaseCompile, errors.KindMalformed, err, "instrument module")
	}

	m.CustomSections = append(m.CustomSections, &wasm.CustomSection{
		Name: MetaSection,
		Data: meta.encode(),
	})
	return wasmcode.EncodeModule(m), nil
}

// CompileFile compiles the module at src and writes the artifact to dst.
func CompileFile(src, dst string, cfg *Config) error {
	code, err := os.ReadFile(src)
	if err != nil {
		return errors.Wrap(errors.PhaseCompile, errors.KindIO, err, "read "+src)
	}
	artifact, err := Compile(code, cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrap(errors.PhaseCompile, errors.KindIO, err, "create output dir")
	}
	// write then rename so readers never observe a partial artifact
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, artifact, 0o644); err != nil {
		return errors.Wrap(errors.PhaseCompile, errors.KindIO, err, "write "+tmp)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return errors.Wrap(errors.PhaseCompile, errors.KindIO, err, "rename "+tmp)
	}
	return nil
}

// staticTop returns the first address past statically reserved memory: the
// value of the __heap_base export when present, else the end of the highest
// constant-offset active data segment.
func staticTop(m *wasm.Module) uint32 {
	numImported := m.ImportGlobalCount()
	for _, exp := range m.ExportSection {
		if exp.Name != HeapBaseExport || exp.Type != wasm.ExternTypeGlobal || exp.Index < numImported {
			continue
		}
		idx := exp.Index - numImported
		if int(idx) < len(m.GlobalSection) {
			if v, ok := wasmcode.I32Const(m.GlobalSection[idx].Init); ok {
				return uint32(v)
			}
		}
	}

	var top uint32
	for _, seg := range m.DataSection {
		// passive segments have no offset
		off, ok := wasmcode.I32Const(seg.OffsetExpression)
		if !ok {
			continue
		}
		if end := uint32(off) + uint32(len(seg.Init)); end > top {
			top = end
		}
	}
	return top
}
