package exec

import (
	"context"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/wippyai/wasm-xvm/errors"
)

func TestCall_Add(t *testing.T) {
	code := loadWAT(t, arithWAT, nil)
	xc := newContext(t, code, 100000)

	ret, err := xc.Call(context.Background(), "add", 2, 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, ret)
	assert.Equal(t, StateCompleted, xc.State())
	assert.Greater(t, xc.GasUsed(), uint64(0))
	assert.LessOrEqual(t, xc.GasUsed(), uint64(100000))
}

func TestCall_GasExhausted(t *testing.T) {
	code := loadWAT(t, arithWAT, nil)
	xc := newContext(t, code, 1)
	ctx := context.Background()

	_, err := xc.Call(ctx, "add", 2, 3)
	require.Error(t, err)
	assert.True(t, IsTrap(err, TrapGasExhaustion), "got %v", err)
	assert.Equal(t, StateTrapped, xc.State())
	assert.Greater(t, xc.GasUsed(), xc.GasLimit())

	// a trapped context keeps reporting its trap
	_, err = xc.Call(ctx, "add", 2, 3)
	assert.True(t, IsTrap(err, TrapGasExhaustion))
}

func TestCall_GasExhaustedInLoop(t *testing.T) {
	code := loadWAT(t, arithWAT, nil)
	xc := newContext(t, code, 1000)

	_, err := xc.Call(context.Background(), "spin", 1_000_000)
	assert.True(t, IsTrap(err, TrapGasExhaustion), "got %v", err)
}

func TestCall_Values(t *testing.T) {
	code := loadWAT(t, arithWAT, nil)
	xc := newContext(t, code, MaxGasLimit)
	ctx := context.Background()

	ret, err := xc.Exec(ctx, "add", []int64{-5, 2})
	require.NoError(t, err)
	assert.Equal(t, int64(-3), ret)

	ret, err = xc.Exec(ctx, "add64", []int64{math.MaxInt64 - 1, 1})
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), ret)

	ret, err = xc.Exec(ctx, "fadd", []int64{int64(math.Float64bits(1.5)), int64(math.Float64bits(2.25))})
	require.NoError(t, err)
	assert.Equal(t, 3.75, math.Float64frombits(uint64(ret)))

	ret, err = xc.Exec(ctx, "store", []int64{16, 42})
	require.NoError(t, err)
	assert.Equal(t, int64(0), ret)

	ret, err = xc.Exec(ctx, "load", []int64{16})
	require.NoError(t, err)
	assert.Equal(t, int64(42), ret)
	assert.Equal(t, byte(42), xc.Memory()[16])
}

func TestCall_UnknownExportLeavesGas(t *testing.T) {
	code := loadWAT(t, arithWAT, nil)
	xc := newContext(t, code, MaxGasLimit)
	xc.SetGasUsed(7)

	for _, name := range []string{"nope", "__xvm_start", "memory"} {
		_, err := xc.Call(context.Background(), name)
		assert.ErrorIs(t, err, errors.ErrUnknownExport)
		assert.True(t, errors.IsResolutionError(err))
	}
	assert.Equal(t, uint64(7), xc.GasUsed())
	assert.Equal(t, StateCreated, xc.State())
}

func TestCall_TypeMismatch(t *testing.T) {
	code := loadWAT(t, arithWAT, nil)
	xc := newContext(t, code, MaxGasLimit)

	_, err := xc.Call(context.Background(), "add", 1)
	assert.ErrorIs(t, err, errors.ErrTypeMismatch)
	assert.Equal(t, uint64(0), xc.GasUsed())
	assert.Equal(t, StateCreated, xc.State())
}

func TestCall_Traps(t *testing.T) {
	tests := []struct {
		name   string
		fn     string
		params []int64
		trap   Trap
	}{
		{"unreachable", "trap", nil, TrapUnreachable},
		{"div by zero", "div", []int64{1, 0}, TrapDivByZero},
		{"overflow", "div", []int64{math.MinInt32, -1}, TrapIntOverflow},
		{"out of bounds", "load", []int64{65536}, TrapOOB},
		{"stack overflow", "recurse", []int64{0}, TrapCallStackExhaustion},
	}
	code := loadWAT(t, arithWAT, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			xc := newContext(t, code, MaxGasLimit)
			_, err := xc.Call(context.Background(), tt.fn, tt.params...)
			require.Error(t, err)
			assert.True(t, IsTrap(err, tt.trap), "got %v", err)
			assert.Equal(t, StateTrapped, xc.State())
			assert.Same(t, xc.Trap(), err)
		})
	}
}

func TestGas_ResetAndSet(t *testing.T) {
	code := loadWAT(t, arithWAT, nil)
	xc := newContext(t, code, MaxGasLimit)

	_, err := xc.Call(context.Background(), "add", 1, 1)
	require.NoError(t, err)
	require.NotZero(t, xc.GasUsed())

	xc.ResetGasUsed()
	assert.Equal(t, uint64(0), xc.GasUsed())

	xc.SetGasUsed(12345)
	assert.Equal(t, uint64(12345), xc.GasUsed())
	assert.Equal(t, MaxGasLimit, xc.GasLimit())
}

func TestGas_Monotonic(t *testing.T) {
	code := loadWAT(t, arithWAT, nil)
	xc := newContext(t, code, MaxGasLimit)
	ctx := context.Background()

	prev := xc.GasUsed()
	for i := 0; i < 10; i++ {
		_, err := xc.Call(ctx, "spin", int64(i))
		require.NoError(t, err)
		used := xc.GasUsed()
		assert.Greater(t, used, prev)
		prev = used
	}
}

func TestGas_SetUsedNearLimit(t *testing.T) {
	code := loadWAT(t, arithWAT, nil)
	xc := newContext(t, code, 100)
	xc.SetGasUsed(99)

	_, err := xc.Call(context.Background(), "add", 1, 1)
	assert.True(t, IsTrap(err, TrapGasExhaustion))
}

func TestContexts_Isolated(t *testing.T) {
	code := loadWAT(t, arithWAT, nil)
	ctx := context.Background()
	a, b := newContext(t, code, MaxGasLimit), newContext(t, code, MaxGasLimit)
	assert.NotEqual(t, a.ID(), b.ID())

	_, err := a.Call(ctx, "store", 0, 1234)
	require.NoError(t, err)

	ret, err := b.Exec(ctx, "load", []int64{0})
	require.NoError(t, err)
	assert.Equal(t, int64(0), ret)
	assert.Equal(t, uint64(3), b.GasUsed())

	// a trap in one context does not affect another
	_, err = a.Call(ctx, "trap")
	require.Error(t, err)
	ret, err = b.Exec(ctx, "add", []int64{2, 2})
	require.NoError(t, err)
	assert.Equal(t, int64(4), ret)
}

func TestContexts_Concurrent(t *testing.T) {
	code := loadWAT(t, arithWAT, nil)
	ctx := context.Background()

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		w := w
		g.Go(func() error {
			return code.WithContext(ctx, &ContextConfig{GasLimit: 100000}, func(xc *Context) error {
				for i := 0; i < 50; i++ {
					ret, err := xc.Exec(ctx, "add", []int64{int64(w), int64(i)})
					if err != nil {
						return err
					}
					if ret != int64(w+i) {
						t.Errorf("worker %d: add(%d, %d) = %d", w, w, i, ret)
					}
				}
				if xc.GasUsed() != 50*3 {
					t.Errorf("worker %d: gas used %d", w, xc.GasUsed())
				}
				return nil
			})
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 0, code.Refs())
}

func TestStartFunction(t *testing.T) {
	src := `(module
  (global $ready (mut i32) (i32.const 0))
  (func $init
    (global.set $ready (i32.const 7)))
  (start $init)
  (func (export "ready") (result i32)
    (global.get $ready)))`
	code := loadWAT(t, src, nil)
	assert.True(t, code.Meta().HasStart)

	xc := newContext(t, code, MaxGasLimit)
	assert.Equal(t, StateCreated, xc.State())
	assert.Equal(t, uint64(0), xc.GasUsed())
	assert.Equal(t, uint64(2), xc.StartGasUsed())

	ret, err := xc.Exec(context.Background(), "ready", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(7), ret)
}

func TestStartFunction_SeparateBudget(t *testing.T) {
	src := `(module
  (global $ready (mut i32) (i32.const 0))
  (func $init
    (global.set $ready (i32.const 7)))
  (start $init)
  (func (export "ready") (result i32)
    (global.get $ready)))`
	code := loadWAT(t, src, nil)
	ctx := context.Background()

	xc, err := code.NewContext(ctx, &ContextConfig{GasLimit: 1})
	require.NoError(t, err)
	defer xc.Release(ctx)
	assert.Equal(t, StateCreated, xc.State())
	assert.Equal(t, uint64(0), xc.GasUsed())
	assert.Equal(t, uint64(1), xc.GasLimit())

	_, err = code.NewContext(ctx, &ContextConfig{GasLimit: MaxGasLimit, StartGasLimit: 1})
	assert.True(t, IsTrap(err, TrapGasExhaustion))
	assert.Equal(t, 1, code.Refs())
}

func TestChargeGas(t *testing.T) {
	code := loadWAT(t, `(module (func (export "f")))`, nil)
	xc := newContext(t, code, 10)

	require.NoError(t, xc.ChargeGas(4))
	require.NoError(t, xc.ChargeGas(6))
	assert.Equal(t, uint64(10), xc.GasUsed())

	err := xc.ChargeGas(1)
	assert.True(t, IsTrap(err, TrapGasExhaustion))
	assert.Equal(t, uint64(11), xc.GasUsed())

	xc.SetGasUsed(math.MaxUint64 - 1)
	assert.True(t, IsTrap(xc.ChargeGas(5), TrapGasExhaustion))
	assert.Equal(t, uint64(math.MaxUint64), xc.GasUsed())
}

func TestStaticTopAndUserData(t *testing.T) {
	src := `(module
  (memory (export "memory") 1)
  (data (i32.const 2048) "static"))`
	code := loadWAT(t, src, nil)
	xc := newContext(t, code, MaxGasLimit)

	assert.Equal(t, uint32(2054), xc.StaticTop())
	assert.Equal(t, code.StaticTop(), xc.StaticTop())
	assert.Len(t, xc.Memory(), 65536)

	xc.SetUserData("k", 42)
	assert.Equal(t, 42, xc.GetUserData("k"))
	assert.Nil(t, xc.GetUserData("missing"))
}

func TestMemory_NilWithoutMemory(t *testing.T) {
	code := loadWAT(t, `(module (func (export "f")))`, nil)
	xc := newContext(t, code, MaxGasLimit)
	assert.Nil(t, xc.Memory())
}

func TestCall_Canceled(t *testing.T) {
	e := newTestEngine(t, &Config{CloseOnContextDone: true})
	code := loadWATWith(t, e, arithWAT, nil)
	xc := newContext(t, code, MaxGasLimit)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := xc.Call(ctx, "spin", math.MaxInt32)
	require.Error(t, err)
	assert.True(t, IsTrap(err, TrapCanceled), "got %v", err)
}

func TestNewContext_ReleasedCode(t *testing.T) {
	ctx := context.Background()
	code, err := newTestEngine(t, nil).NewCode(ctx, artifactFromWAT(t, arithWAT), nil)
	require.NoError(t, err)
	require.NoError(t, code.Release(ctx))

	_, err = code.NewContext(ctx, nil)
	assert.ErrorIs(t, err, errors.ErrReleased)
}

func TestContextsLiveAcrossRelease(t *testing.T) {
	ctx := context.Background()
	code, err := newTestEngine(t, nil).NewCode(ctx, artifactFromWAT(t, arithWAT), nil)
	require.NoError(t, err)

	var done atomic.Int32
	var g errgroup.Group
	for i := 0; i < 4; i++ {
		xc, err := code.NewContext(ctx, nil)
		require.NoError(t, err)
		g.Go(func() error {
			defer xc.Release(ctx)
			_, err := xc.Call(ctx, "spin", 1000)
			done.Add(1)
			return err
		})
	}
	require.NoError(t, code.Release(ctx))
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(4), done.Load())
	assert.Equal(t, 0, code.Refs())
}
