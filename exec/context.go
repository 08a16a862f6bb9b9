package exec

import (
	"context"
	"math"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-xvm/compile"
	"github.com/wippyai/wasm-xvm/errors"
	"github.com/wippyai/wasm-xvm/gas"
	"github.com/wippyai/wasm-xvm/metrics"
)

// MaxGasLimit is the largest gas limit a Context accepts.
const MaxGasLimit uint64 = math.MaxInt64

// DefaultStartGasLimit bounds the start function when
// ContextConfig.StartGasLimit is 0.
const DefaultStartGasLimit uint64 = 100_000_000

// ContextConfig configures an execution context
type ContextConfig struct {
	GasLimit uint64

	// StartGasLimit is the budget of the module start function. Start gas
	// is accounted separately and is not charged against GasLimit.
	// 0 means DefaultStartGasLimit.
	StartGasLimit uint64
}

// DefaultContextConfig returns a config with MaxGasLimit.
func DefaultContextConfig() *ContextConfig {
	return &ContextConfig{GasLimit: MaxGasLimit}
}

// State is the lifecycle state of a Context.
type State int

const (
	StateCreated State = iota
	StateRunning
	StateCompleted
	StateTrapped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateTrapped:
		return "trapped"
	default:
		return "unknown"
	}
}

var contextIDs atomic.Uint64

// Context is an instance of a Code with its own memory, table, globals and
// gas counter. A Context must not be used by two goroutines at once; host
// functions may call back into the Context that invoked them.
type Context struct {
	id       uint64
	code     *Code
	cfg      ContextConfig
	module   api.Module
	used     api.MutableGlobal
	limit    api.MutableGlobal
	funcs    map[string]api.Function
	userData map[string]interface{}

	startGas uint64
	state    State
	trap     *TrapError
	depth    int
	maxDepth int
	callCtx  context.Context
	released bool
}

type contextKey struct{}

func withContext(ctx context.Context, c *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

func contextFrom(ctx context.Context) *Context {
	c, _ := ctx.Value(contextKey{}).(*Context)
	return c
}

// NewContext instantiates c with fresh memory, table and globals. If the
// module has a start function it runs here under StartGasLimit; the
// returned Context starts with zero gas used either way.
func (c *Code) NewContext(ctx context.Context, cfg *ContextConfig) (_ *Context, err error) {
	if cfg == nil {
		cfg = DefaultContextConfig()
	}
	if err := c.acquire(); err != nil {
		return nil, err
	}

	xc := &Context{
		id:       contextIDs.Add(1),
		code:     c,
		cfg:      *cfg,
		funcs:    make(map[string]api.Function),
		userData: make(map[string]interface{}),
		maxDepth: c.engine.cfg.MaxCallDepth,
	}
	if xc.cfg.GasLimit > MaxGasLimit {
		xc.cfg.GasLimit = MaxGasLimit
	}
	if xc.cfg.StartGasLimit == 0 {
		xc.cfg.StartGasLimit = DefaultStartGasLimit
	}
	if xc.cfg.StartGasLimit > MaxGasLimit {
		xc.cfg.StartGasLimit = MaxGasLimit
	}

	mod, err := c.runtime.InstantiateModule(ctx, c.compiled,
		wazero.NewModuleConfig().WithName("").WithStartFunctions())
	if err != nil {
		c.releaseRef(ctx)
		return nil, errors.Instantiation(err)
	}
	xc.module = mod
	metrics.ContextsLive.Inc()
	defer func() {
		if err != nil {
			xc.Release(ctx)
		}
	}()

	var ok bool
	if xc.used, ok = mod.ExportedGlobal(gas.UsedExport).(api.MutableGlobal); !ok {
		return nil, errors.Malformed(gas.UsedExport+" is not a mutable global", nil)
	}
	if xc.limit, ok = mod.ExportedGlobal(gas.LimitExport).(api.MutableGlobal); !ok {
		return nil, errors.Malformed(gas.LimitExport+" is not a mutable global", nil)
	}

	if c.meta.HasStart {
		xc.limit.Set(xc.cfg.StartGasLimit)
		if _, err := xc.invoke(ctx, compile.StartExport, nil); err != nil {
			return nil, err
		}
		xc.startGas = xc.used.Get()
		xc.used.Set(0)
		xc.state = StateCreated
	}
	xc.limit.Set(xc.cfg.GasLimit)
	return xc, nil
}

// ID returns a process-unique identifier of the Context.
func (c *Context) ID() uint64 {
	return c.id
}

// Code returns the Code the Context was created from.
func (c *Context) Code() *Code {
	return c.code
}

// State returns the lifecycle state.
func (c *Context) State() State {
	return c.state
}

// Trap returns the trap that stopped the Context, nil unless StateTrapped.
func (c *Context) Trap() *TrapError {
	return c.trap
}

// GasUsed returns the gas charged so far.
func (c *Context) GasUsed() uint64 {
	return c.used.Get()
}

// ResetGasUsed sets the gas counter to zero.
func (c *Context) ResetGasUsed() {
	c.used.Set(0)
}

// SetGasUsed sets the gas counter.
func (c *Context) SetGasUsed(v uint64) {
	c.used.Set(v)
}

// ChargeGas adds n to the gas counter on behalf of a host function. Once the
// counter exceeds the limit it returns a TrapError with TrapGasExhaustion,
// which the host function returns to stop the call.
func (c *Context) ChargeGas(n uint64) error {
	used := c.used.Get()
	if n > math.MaxUint64-used {
		used = math.MaxUint64
	} else {
		used += n
	}
	c.used.Set(used)
	if used > c.limit.Get() {
		return &TrapError{Trap: TrapGasExhaustion}
	}
	return nil
}

// StartGasUsed returns the gas the start function consumed during
// NewContext, 0 without a start function.
func (c *Context) StartGasUsed() uint64 {
	return c.startGas
}

// GasLimit returns the limit the Context was created with.
func (c *Context) GasLimit() uint64 {
	return c.limit.Get()
}

// StaticTop returns the static data's top offset of memory
func (c *Context) StaticTop() uint32 {
	return c.code.meta.StaticTop
}

// Memory returns the linear memory of the Context, nil if the code has no memory.
// The slice is invalidated by memory growth.
func (c *Context) Memory() []byte {
	if !c.code.hasMemory {
		return nil
	}
	mem := c.module.Memory()
	if mem.Size() == 0 {
		return nil
	}
	buf, ok := mem.Read(0, mem.Size())
	if !ok {
		return nil
	}
	return buf
}

// CallContext returns the context.Context of the innermost running call,
// or context.Background when idle. Host functions use it for nested calls.
func (c *Context) CallContext() context.Context {
	if c.callCtx != nil {
		return c.callCtx
	}
	return context.Background()
}

// SetUserData stores a key-value pair that can be retrieved by GetUserData
func (c *Context) SetUserData(key string, value interface{}) {
	c.userData[key] = value
}

// GetUserData retrieves user data stored by SetUserData
func (c *Context) GetUserData(key string) interface{} {
	return c.userData[key]
}

// Release closes the instance and drops the reference on the Code.
// Calling Release again is a no-op.
func (c *Context) Release(ctx context.Context) error {
	if c.released {
		return nil
	}
	c.released = true
	metrics.ContextsLive.Dec()
	err := c.module.Close(ctx)
	if rerr := c.code.releaseRef(ctx); err == nil {
		err = rerr
	}
	return err
}
