package exec

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wippyai/wasm-xvm/compile"
	"github.com/wippyai/wasm-xvm/wat"
)

const arithWAT = `(module
  (memory (export "memory") 1)
  (func (export "add") (param i32 i32) (result i32)
    (i32.add (local.get 0) (local.get 1)))
  (func (export "add64") (param i64 i64) (result i64)
    (i64.add (local.get 0) (local.get 1)))
  (func (export "fadd") (param f64 f64) (result f64)
    (f64.add (local.get 0) (local.get 1)))
  (func (export "div") (param i32 i32) (result i32)
    (i32.div_s (local.get 0) (local.get 1)))
  (func (export "trap")
    (unreachable))
  (func (export "load") (param i32) (result i32)
    (i32.load (local.get 0)))
  (func (export "store") (param i32 i32)
    (i32.store (local.get 0) (local.get 1)))
  (func $rec (export "recurse") (param i32) (result i32)
    (call $rec (i32.add (local.get 0) (i32.const 1))))
  (func (export "spin") (param i32)
    (block $done
      (loop $l
        (br_if $done (i32.eqz (local.get 0)))
        (local.set 0 (i32.sub (local.get 0) (i32.const 1)))
        (br $l)))))`

const hostWAT = `(module
  (import "env" "double" (func $double (param i32) (result i32)))
  (import "env" "fail" (func $fail))
  (import "env" "reenter" (func $reenter (param i32 i32) (result i32)))
  (import "env" "base" (global $base i32))
  (memory (export "memory") 1)
  (func (export "double") (param i32) (result i32)
    (call $double (local.get 0)))
  (func (export "fail")
    (call $fail))
  (func (export "reenter") (param i32 i32) (result i32)
    (call $reenter (local.get 0) (local.get 1)))
  (func (export "add") (param i32 i32) (result i32)
    (i32.add (local.get 0) (local.get 1)))
  (func (export "base") (result i32)
    (global.get $base)))`

func artifactFromWAT(t testing.TB, src string) []byte {
	t.Helper()
	bin, err := wat.Compile(src)
	require.NoError(t, err)
	artifact, err := compile.Compile(bin, nil)
	require.NoError(t, err)
	return artifact
}

func newTestEngine(t testing.TB, cfg *Config) *Engine {
	t.Helper()
	e, err := NewEngine(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close(context.Background()) })
	return e
}

func loadWAT(t testing.TB, src string, r Resolver) *Code {
	t.Helper()
	return loadWATWith(t, newTestEngine(t, nil), src, r)
}

func loadWATWith(t testing.TB, e *Engine, src string, r Resolver) *Code {
	t.Helper()
	code, err := e.NewCode(context.Background(), artifactFromWAT(t, src), r)
	require.NoError(t, err)
	t.Cleanup(func() { code.Release(context.Background()) })
	return code
}

func newContext(t testing.TB, code *Code, gasLimit uint64) *Context {
	t.Helper()
	xc, err := code.NewContext(context.Background(), &ContextConfig{GasLimit: gasLimit})
	require.NoError(t, err)
	t.Cleanup(func() { xc.Release(context.Background()) })
	return xc
}

// hostResolver returns a resolver satisfying hostWAT, with overrides
// replacing individual entries.
func hostResolver(overrides map[string]interface{}) MapResolver {
	r := MapResolver{
		"env.double": func(ctx *Context, x uint32) uint32 { return x * 2 },
		"env.fail":   func(ctx *Context) uint32 { return 0 },
		"env.reenter": func(ctx *Context, a, b uint32) uint32 {
			return a + b
		},
		"env.base": int64(100),
	}
	for k, v := range overrides {
		r[k] = v
	}
	return r
}
