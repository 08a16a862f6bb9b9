package exec

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mallocWAT = `(module
  (import "env" "greet" (func $greet (result i32)))
  (memory (export "memory") 1)
  (global $top (mut i32) (i32.const 1024))
  (func (export "malloc") (param i32) (result i32)
    (local $p i32)
    (local.set $p (global.get $top))
    (global.set $top (i32.add (global.get $top) (local.get 0)))
    (local.get $p))
  (func (export "greet") (result i32)
    (call $greet)))`

func TestMalloc(t *testing.T) {
	r := MapResolver{
		"env.greet": func(ctx *Context) uint32 {
			p := Malloc(ctx, 6)
			c := NewCodec(ctx)
			c.SetBytes(p, []byte("hello\x00"))
			c.SetUint32(0, p)
			return p
		},
	}
	code := loadWAT(t, mallocWAT, r)
	xc := newContext(t, code, MaxGasLimit)

	p, err := xc.Exec(context.Background(), "greet", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1024), p)

	var got string
	var cerr error
	func() {
		defer CaptureTrap(&cerr)
		c := NewCodec(xc)
		got = c.CString(c.Uint32(0))
	}()
	require.NoError(t, cerr)
	assert.Equal(t, "hello", got)
}

func TestMalloc_NoExport(t *testing.T) {
	r := hostResolver(map[string]interface{}{
		"env.fail": func(ctx *Context) uint32 {
			Malloc(ctx, 8)
			return 0
		},
	})
	code := loadWAT(t, hostWAT, r)
	xc := newContext(t, code, MaxGasLimit)

	_, err := xc.Call(context.Background(), "fail")
	var te *TrapError
	require.ErrorAs(t, err, &te)
	assert.IsType(t, &TrapSymbolNotFound{}, te.Trap)
}

func TestCodec(t *testing.T) {
	code := loadWAT(t, arithWAT, nil)
	xc := newContext(t, code, MaxGasLimit)

	capture := func(f func(c Codec)) (err error) {
		defer CaptureTrap(&err)
		f(NewCodec(xc))
		return nil
	}

	require.NoError(t, capture(func(c Codec) {
		c.SetBytes(100, []byte("abc\x00"))
		c.SetUint32(200, 0xdeadbeef)
		assert.Equal(t, "abc", c.CString(100))
		assert.Equal(t, "ab", c.String(100, 2))
		assert.Equal(t, uint32(0xdeadbeef), c.Uint32(200))
		assert.Equal(t, uint64(0xdeadbeef), c.Uint64(200))
	}))

	tests := map[string]func(c Codec){
		"bytes past end": func(c Codec) { c.Bytes(65534, 4) },
		"overflow":       func(c Codec) { c.Bytes(0xffffffff, 2) },
		"null cstring":   func(c Codec) { c.CString(0) },
		"set past end":   func(c Codec) { c.SetUint32(65535, 1) },
	}
	for name, f := range tests {
		t.Run(name, func(t *testing.T) {
			err := capture(f)
			var te *TrapError
			require.ErrorAs(t, err, &te)
			assert.IsType(t, TrapInvalidAddress(0), te.Trap)
		})
	}
}

func TestCodec_NoMemory(t *testing.T) {
	code := loadWAT(t, `(module (func (export "f")))`, nil)
	xc := newContext(t, code, MaxGasLimit)

	var err error
	func() {
		defer CaptureTrap(&err)
		NewCodec(xc)
	}()
	assert.True(t, IsTrap(err, trapNilMemory))
}
