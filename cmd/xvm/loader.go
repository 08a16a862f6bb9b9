package main

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-xvm/builtin"
	"github.com/wippyai/wasm-xvm/codemgr"
	"github.com/wippyai/wasm-xvm/compile"
	"github.com/wippyai/wasm-xvm/errors"
	"github.com/wippyai/wasm-xvm/exec"
	"github.com/wippyai/wasm-xvm/wasi"
	"github.com/wippyai/wasm-xvm/wat"
)

func newResolver() exec.Resolver {
	return exec.NewMultiResolver(builtin.NewResolver(), wasi.NewResolver())
}

// readModule reads a .wat or .wasm source. ok is false for other inputs.
func readModule(path string) (bin []byte, ok bool, err error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wat":
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, true, err
		}
		bin, err = wat.Compile(string(src))
		if err != nil {
			return nil, true, errors.Wrap(errors.PhaseCompile, errors.KindMalformed, err, "compile "+path)
		}
		return bin, true, nil
	case ".wasm":
		bin, err = os.ReadFile(path)
		return bin, true, err
	}
	return nil, false, nil
}

// openCode loads path as an artifact, or compiles it first when it is a .wat
// or .wasm source. With a code cache configured, .wasm sources go through a
// codemgr.Manager so later runs skip compilation. The returned func releases
// everything openCode created.
func (a *app) openCode(ctx context.Context, path string) (*exec.Code, func(), error) {
	engine, err := exec.NewEngine(a.cfg.engineConfig())
	if err != nil {
		return nil, nil, err
	}
	closeEngine := func() { engine.Close(context.Background()) }

	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".wasm" && a.cfg.CodeCache != "" {
		mgr, err := codemgr.New(codemgr.Config{
			BaseDir:  a.cfg.CodeCache,
			Engine:   engine,
			Resolver: newResolver(),
		})
		if err != nil {
			closeEngine()
			return nil, nil, err
		}
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		code, err := mgr.GetExecCode(ctx, name, codemgr.FileProvider{name: path})
		if err != nil {
			mgr.Close()
			closeEngine()
			return nil, nil, err
		}
		return code, func() { mgr.Close(); closeEngine() }, nil
	}

	code, err := loadCode(ctx, engine, path)
	if err != nil {
		closeEngine()
		return nil, nil, err
	}
	return code, func() { code.Release(context.Background()); closeEngine() }, nil
}

func loadCode(ctx context.Context, engine *exec.Engine, path string) (*exec.Code, error) {
	bin, isSource, err := readModule(path)
	if err != nil {
		return nil, err
	}
	if !isSource {
		return engine.Load(ctx, path, newResolver())
	}
	artifact, err := compile.Compile(bin, nil)
	if err != nil {
		return nil, err
	}
	return engine.NewCode(ctx, artifact, newResolver())
}

// parseArgs converts text arguments to call parameters. Floats are passed as
// their IEEE 754 bits.
func parseArgs(ft exec.FuncType, args []string) ([]int64, error) {
	if len(args) != len(ft.Params) {
		return nil, errors.InvalidInput(errors.PhaseResolve,
			"want "+strconv.Itoa(len(ft.Params))+" arguments for "+ft.String()+", got "+strconv.Itoa(len(args)))
	}
	params := make([]int64, len(args))
	for i, s := range args {
		v, err := parseValue(ft.Params[i], s)
		if err != nil {
			return nil, errors.New(errors.PhaseResolve, errors.KindInvalidInput).
				Path("arg" + strconv.Itoa(i)).
				Value(s).
				Detail("not a valid %s", api.ValueTypeName(ft.Params[i])).
				Cause(err).
				Build()
		}
		params[i] = v
	}
	return params, nil
}

func parseValue(t api.ValueType, s string) (int64, error) {
	switch t {
	case api.ValueTypeI32:
		v, err := strconv.ParseInt(s, 0, 64)
		if err != nil || v < math.MinInt32 || v > math.MaxUint32 {
			return 0, orRange(err)
		}
		return v, nil
	case api.ValueTypeI64:
		v, err := strconv.ParseInt(s, 0, 64)
		if err != nil {
			u, uerr := strconv.ParseUint(s, 0, 64)
			if uerr != nil {
				return 0, err
			}
			return int64(u), nil
		}
		return v, nil
	case api.ValueTypeF32:
		v, err := strconv.ParseFloat(s, 32)
		return int64(math.Float32bits(float32(v))), err
	case api.ValueTypeF64:
		v, err := strconv.ParseFloat(s, 64)
		return int64(math.Float64bits(v)), err
	}
	return 0, strconv.ErrSyntax
}

func orRange(err error) error {
	if err != nil {
		return err
	}
	return strconv.ErrRange
}

func formatValue(t api.ValueType, v int64) string {
	switch t {
	case api.ValueTypeF32:
		return strconv.FormatFloat(float64(math.Float32frombits(uint32(v))), 'g', -1, 32)
	case api.ValueTypeF64:
		return strconv.FormatFloat(math.Float64frombits(uint64(v)), 'g', -1, 64)
	}
	return strconv.FormatInt(v, 10)
}

func formatResults(ft exec.FuncType, results []int64) string {
	parts := make([]string, len(results))
	for i, v := range results {
		parts[i] = formatValue(ft.Results[i], v)
	}
	return strings.Join(parts, ", ")
}
