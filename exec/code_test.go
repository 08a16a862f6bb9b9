package exec

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wabin/wasm"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-xvm/compile"
	"github.com/wippyai/wasm-xvm/errors"
	"github.com/wippyai/wasm-xvm/gas"
	"github.com/wippyai/wasm-xvm/wasmcode"
	"github.com/wippyai/wasm-xvm/wat"
)

func TestNewCode(t *testing.T) {
	code := loadWAT(t, arithWAT, nil)

	assert.Len(t, code.ID(), 64)
	assert.Empty(t, code.Path())
	assert.Contains(t, code.Exports(), "add")
	assert.NotContains(t, code.Exports(), "__xvm_start")

	add, ok := code.Export("add")
	require.True(t, ok)
	assert.Equal(t, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, add.Params)
	assert.Equal(t, "(i32, i32) -> i32", add.String())
	assert.NotEmpty(t, code.FuncTypes())
}

func TestEngine_RuntimeConfigs(t *testing.T) {
	for name, cfg := range map[string]*Config{
		"default":     nil,
		"interpreter": {Interpreter: true},
	} {
		t.Run(name, func(t *testing.T) {
			code := loadWATWith(t, newTestEngine(t, cfg), arithWAT, nil)
			ret, err := newContext(t, code, 100_000).Call(context.Background(), "add", 2, 3)
			require.NoError(t, err)
			assert.Equal(t, []int64{5}, ret)
		})
	}
}

func TestLoad_UnresolvedImport(t *testing.T) {
	src := `(module
  (import "env" "missing" (func $missing))
  (func (export "run") (call $missing)))`
	e := newTestEngine(t, nil)

	for name, r := range map[string]Resolver{"nil": nil, "empty": MapResolver{}} {
		t.Run(name, func(t *testing.T) {
			_, err := e.NewCode(context.Background(), artifactFromWAT(t, src), r)
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrUnresolvedImport)
			assert.True(t, errors.IsLoadError(err))

			var le *errors.Error
			require.ErrorAs(t, err, &le)
			assert.Equal(t, "env", le.Module)
			assert.Equal(t, "missing", le.Name)
		})
	}
}

func TestLoad_FirstUnresolvedImportWins(t *testing.T) {
	src := `(module
  (import "env" "a" (func))
  (import "env" "b" (func))
  (import "env" "c" (func)))`
	e := newTestEngine(t, nil)
	r := MapResolver{"env.a": func(*Context) uint32 { return 0 }}

	_, err := e.NewCode(context.Background(), artifactFromWAT(t, src), r)
	var le *errors.Error
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "b", le.Name)
}

func TestLoad_UnresolvedGlobal(t *testing.T) {
	e := newTestEngine(t, nil)
	r := hostResolver(nil)
	delete(r, "env.base")

	_, err := e.NewCode(context.Background(), artifactFromWAT(t, hostWAT), r)
	assert.ErrorIs(t, err, errors.ErrUnresolvedImport)
}

func TestLoad_SignatureMismatch(t *testing.T) {
	e := newTestEngine(t, nil)
	r := hostResolver(map[string]interface{}{
		"env.double": func(ctx *Context, a, b uint32) uint32 { return 0 },
	})

	_, err := e.NewCode(context.Background(), artifactFromWAT(t, hostWAT), r)
	assert.ErrorIs(t, err, errors.ErrSignatureMismatch)
}

func TestLoad_NotFound(t *testing.T) {
	e := newTestEngine(t, nil)
	_, err := e.Load(context.Background(), filepath.Join(t.TempDir(), "nope.xvm"), nil)
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestLoad_Malformed(t *testing.T) {
	e := newTestEngine(t, nil)
	plain, err := wat.Compile(`(module (func (export "f")))`)
	require.NoError(t, err)

	tests := map[string][]byte{
		"garbage":      []byte("definitely not wasm"),
		"not artifact": plain,
	}
	for name, bin := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := e.NewCode(context.Background(), bin, nil)
			assert.ErrorIs(t, err, errors.ErrMalformed)
		})
	}
}

func TestLoad_ScheduleVersion(t *testing.T) {
	bin, err := wat.Compile(`(module (func (export "f")))`)
	require.NoError(t, err)
	schedule := gas.DefaultSchedule()
	schedule.Version = gas.ScheduleVersion + 1
	artifact, err := compile.Compile(bin, &compile.Config{Schedule: schedule})
	require.NoError(t, err)

	_, err = newTestEngine(t, nil).NewCode(context.Background(), artifact, nil)
	assert.ErrorIs(t, err, errors.ErrMalformed)

	e := newTestEngine(t, &Config{ScheduleVersion: gas.ScheduleVersion + 1})
	code, err := e.NewCode(context.Background(), artifact, nil)
	require.NoError(t, err)
	require.NoError(t, code.Release(context.Background()))
}

func TestLoad_GasCountersMustBeMutableI64(t *testing.T) {
	bin, err := wat.Compile(`(module (func (export "f")))`)
	require.NoError(t, err)
	artifact, err := compile.Compile(bin, nil)
	require.NoError(t, err)
	m, err := wasmcode.DecodeModule(artifact)
	require.NoError(t, err)

	used := wasmcode.FindExport(m, wasm.ExternTypeGlobal, gas.UsedExport)
	require.NotNil(t, used)
	wasmcode.GlobalType(m, used.Index).Mutable = false

	_, err = newTestEngine(t, nil).NewCode(context.Background(), wasmcode.EncodeModule(m), nil)
	assert.ErrorIs(t, err, errors.ErrMalformed)
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arith.xvm")
	require.NoError(t, os.WriteFile(path, artifactFromWAT(t, arithWAT), 0o644))

	e := newTestEngine(t, nil)
	code, err := e.Load(context.Background(), path, nil)
	require.NoError(t, err)
	defer code.Release(context.Background())
	assert.Equal(t, path, code.Path())
}

func TestWithCode(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "arith.xvm")
	require.NoError(t, os.WriteFile(path, artifactFromWAT(t, arithWAT), 0o644))

	var loaded *Code
	err := WithCode(ctx, path, nil, func(code *Code) error {
		loaded = code
		return code.WithContext(ctx, nil, func(xc *Context) error {
			ret, err := xc.Exec(ctx, "add", []int64{20, 22})
			assert.Equal(t, int64(42), ret)
			return err
		})
	})
	require.NoError(t, err)

	_, err = loaded.NewContext(ctx, nil)
	assert.ErrorIs(t, err, errors.ErrReleased)
}

func TestCode_ReleaseRefCount(t *testing.T) {
	ctx := context.Background()
	code, err := newTestEngine(t, nil).NewCode(ctx, artifactFromWAT(t, arithWAT), nil)
	require.NoError(t, err)

	xc, err := code.NewContext(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, code.Refs())

	require.NoError(t, code.Release(ctx))
	require.NoError(t, code.Release(ctx))

	_, err = code.NewContext(ctx, nil)
	assert.ErrorIs(t, err, errors.ErrReleased)

	// live contexts keep working after the code is released
	ret, err := xc.Exec(ctx, "add", []int64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), ret)

	require.NoError(t, xc.Release(ctx))
	require.NoError(t, xc.Release(ctx))
	assert.Equal(t, 0, code.Refs())

	_, err = xc.Call(ctx, "add", 1, 2)
	assert.ErrorIs(t, err, errors.ErrReleased)
}

func TestImportedGlobal(t *testing.T) {
	code := loadWAT(t, hostWAT, hostResolver(map[string]interface{}{"env.base": int64(-7)}))
	xc := newContext(t, code, MaxGasLimit)

	ret, err := xc.Exec(context.Background(), "base", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(-7), ret)
}

func TestImportedGlobal_InConstExpr(t *testing.T) {
	src := `(module
  (import "env" "offset" (global $off i32))
  (memory (export "memory") 1)
  (data (global.get $off) "xy")
  (func (export "peek") (result i32)
    (i32.load8_u (global.get $off))))`
	code := loadWAT(t, src, MapResolver{"env.offset": int64(300)})
	xc := newContext(t, code, MaxGasLimit)

	ret, err := xc.Exec(context.Background(), "peek", nil)
	require.NoError(t, err)
	assert.Equal(t, int64('x'), ret)
	assert.Equal(t, byte('y'), xc.Memory()[301])
}

func TestImportedMemoryIsPerContext(t *testing.T) {
	src := `(module
  (import "env" "memory" (memory 1))
  (func (export "store") (param i32 i32)
    (i32.store (local.get 0) (local.get 1)))
  (func (export "load") (param i32) (result i32)
    (i32.load (local.get 0))))`
	code := loadWAT(t, src, MapResolver{})
	ctx := context.Background()

	a, b := newContext(t, code, MaxGasLimit), newContext(t, code, MaxGasLimit)
	_, err := a.Call(ctx, "store", 8, 99)
	require.NoError(t, err)

	ret, err := b.Exec(ctx, "load", []int64{8})
	require.NoError(t, err)
	assert.Equal(t, int64(0), ret)
}
