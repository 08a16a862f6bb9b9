package exec

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wippyai/wasm-xvm/errors"
	"github.com/wippyai/wasm-xvm/metrics"
)

// Call runs the exported function name with params and returns its results.
//
// Parameters and results are 64-bit words: an i32 takes the low 32 bits of
// its word and comes back sign-extended, floats travel as raw bits.
//
// An unknown name or a wrong argument count fails with a resolve phase
// error before anything runs; gas and state are left untouched. Any fault
// during execution is returned as a *TrapError and leaves the Context in
// StateTrapped, after which Call keeps returning that trap.
func (c *Context) Call(ctx context.Context, name string, params ...int64) ([]int64, error) {
	if c.released {
		return nil, errors.Released("context")
	}
	if c.state == StateTrapped {
		return nil, c.trap
	}
	ft, ok := c.code.exports[name]
	if !ok {
		return nil, errors.UnknownExport(name)
	}
	if err := checkArgs(name, ft, params); err != nil {
		return nil, err
	}

	top := c.depth == 0
	ctx, span := otel.Tracer(tracerName).Start(ctx, "xvm.Call", trace.WithAttributes(
		attribute.String("xvm.func", name),
		attribute.Int("xvm.depth", c.depth),
	))
	defer span.End()

	raw := make([]uint64, len(params))
	for i, p := range params {
		raw[i] = encodeValue(ft.Params[i], p)
	}

	before := c.GasUsed()
	out, err := c.invoke(ctx, name, raw)
	var used uint64
	if after := c.GasUsed(); after > before {
		used = after - before
	}
	span.SetAttributes(attribute.Int64("xvm.gas_used", int64(used)))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if top {
			recordFailure(err, used)
		}
		return nil, err
	}
	if top {
		metrics.Calls.WithLabelValues(metrics.ResultOK).Inc()
		metrics.GasUsed.Observe(float64(used))
	}

	results := make([]int64, len(ft.Results))
	for i, t := range ft.Results {
		results[i] = decodeValue(t, out[i])
	}
	return results, nil
}

// Exec calls name and returns its first result, 0 when it has none.
func (c *Context) Exec(ctx context.Context, name string, params []int64) (int64, error) {
	results, err := c.Call(ctx, name, params...)
	if err != nil || len(results) == 0 {
		return 0, err
	}
	return results[0], nil
}

func checkArgs(name string, ft FuncType, params []int64) error {
	if len(params) != len(ft.Params) {
		return errors.TypeMismatch(name, fmt.Sprintf("expected %d params, got %d", len(ft.Params), len(params)))
	}
	for _, t := range ft.Params {
		if !isNumeric(t) {
			return errors.TypeMismatch(name, "unsupported param type "+api.ValueTypeName(t))
		}
	}
	for _, t := range ft.Results {
		if !isNumeric(t) {
			return errors.TypeMismatch(name, "unsupported result type "+api.ValueTypeName(t))
		}
	}
	return nil
}

func isNumeric(t api.ValueType) bool {
	switch t {
	case api.ValueTypeI32, api.ValueTypeI64, api.ValueTypeF32, api.ValueTypeF64:
		return true
	}
	return false
}

func encodeValue(t api.ValueType, v int64) uint64 {
	if t == api.ValueTypeI32 || t == api.ValueTypeF32 {
		return uint64(uint32(v))
	}
	return uint64(v)
}

func decodeValue(t api.ValueType, v uint64) int64 {
	switch t {
	case api.ValueTypeI32:
		return int64(int32(uint32(v)))
	case api.ValueTypeF32:
		return int64(uint32(v))
	default:
		return int64(v)
	}
}

// invoke runs an export on the module instance, tracking nesting depth and
// turning every failure into the Context's trap.
func (c *Context) invoke(ctx context.Context, name string, params []uint64) (out []uint64, err error) {
	if c.depth >= c.maxDepth {
		return nil, c.fail(&TrapError{Trap: TrapCallStackExhaustion})
	}
	fn := c.function(name)
	if fn == nil {
		return nil, errors.UnknownExport(name)
	}

	prevCtx := c.callCtx
	c.depth++
	c.state = StateRunning
	c.callCtx = ctx
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, c.fail(recoverTrap(r))
		}
		c.depth--
		c.callCtx = prevCtx
	}()

	out, callErr := fn.Call(withContext(ctx, c), params...)
	if c.trap != nil {
		// a nested call trapped; the outer call is void even if the host
		// swallowed the error
		return nil, c.trap
	}
	if callErr != nil {
		return nil, c.fail(c.classify(callErr))
	}
	if c.depth == 1 {
		c.state = StateCompleted
	}
	return out, nil
}

// function returns the api.Function for name. Nested calls get their own
// instance so that a re-entrant call never shares a call engine with the
// call it runs under.
func (c *Context) function(name string) api.Function {
	if c.depth > 0 {
		return c.module.ExportedFunction(name)
	}
	fn, ok := c.funcs[name]
	if !ok {
		fn = c.module.ExportedFunction(name)
		if fn == nil {
			return nil
		}
		c.funcs[name] = fn
	}
	return fn
}

func (c *Context) fail(te *TrapError) *TrapError {
	c.state = StateTrapped
	if c.trap == nil {
		c.trap = te
	}
	return c.trap
}

// callHost invokes a resolved import through the resolver, converting both
// returned errors and panics into a trap.
func (c *Context) callHost(f *importFunc, params []uint64) (ret uint64, trap *TrapError) {
	defer func() {
		if r := recover(); r != nil {
			ret, trap = 0, recoverTrap(r)
		}
	}()
	ret, err := c.code.resolver.CallFunc(c, f.handle, params)
	if err != nil {
		if stderrors.Is(err, ErrSignatureNotMatch) {
			return 0, &TrapError{Trap: &TrapFuncSignatureNotMatch{Module: f.module, Name: f.name}, Cause: err}
		}
		return 0, asTrapError(err)
	}
	return ret, nil
}

// classify maps an engine error to a trap.
func (c *Context) classify(err error) *TrapError {
	var te *TrapError
	if stderrors.As(err, &te) {
		return te
	}
	var exit *sys.ExitError
	if stderrors.As(err, &exit) {
		switch exit.ExitCode() {
		case sys.ExitCodeContextCanceled, sys.ExitCodeDeadlineExceeded:
			return &TrapError{Trap: TrapCanceled, Cause: err}
		}
		return &TrapError{Trap: TrapExit, Cause: err}
	}

	reason := err.Error()
	if inner := stderrors.Unwrap(err); inner != nil {
		reason = inner.Error()
	}
	switch reason {
	case "unreachable":
		if c.used.Get() > c.limit.Get() {
			return &TrapError{Trap: TrapGasExhaustion}
		}
		return &TrapError{Trap: TrapUnreachable}
	case "stack overflow":
		return &TrapError{Trap: TrapCallStackExhaustion}
	case "out of bounds memory access":
		return &TrapError{Trap: TrapOOB}
	case "integer divide by zero":
		return &TrapError{Trap: TrapDivByZero}
	case "integer overflow":
		return &TrapError{Trap: TrapIntOverflow}
	case "invalid conversion to integer":
		return &TrapError{Trap: TrapInvalidConvert}
	case "invalid table access", "indirect call type mismatch":
		return &TrapError{Trap: TrapInvalidIndirectCall}
	}
	return &TrapError{Trap: NewTrap(reason), Cause: err}
}

var trapLabels = map[Trap]string{
	TrapOOB:                 "oob",
	TrapIntOverflow:         "int_overflow",
	TrapDivByZero:           "div_by_zero",
	TrapInvalidConvert:      "invalid_convert",
	TrapUnreachable:         "unreachable",
	TrapInvalidIndirectCall: "invalid_indirect_call",
	TrapCallStackExhaustion: "call_stack_exhaustion",
	TrapGasExhaustion:       "gas_exhaustion",
	TrapNoMemory:            "no_memory",
	TrapCanceled:            "canceled",
	TrapExit:                "exit",
	TrapHostCall:            "host_call",
}

func trapLabel(t Trap) string {
	if l, ok := trapLabels[t]; ok {
		return l
	}
	switch t.(type) {
	case *TrapSymbolNotFound:
		return "symbol_not_found"
	case *TrapFuncSignatureNotMatch:
		return "signature_not_match"
	case TrapInvalidAddress:
		return "invalid_address"
	}
	return "raised"
}

func recordFailure(err error, used uint64) {
	var te *TrapError
	if !stderrors.As(err, &te) {
		metrics.Calls.WithLabelValues(metrics.ResultError).Inc()
		return
	}
	metrics.Calls.WithLabelValues(metrics.ResultTrap).Inc()
	metrics.Traps.WithLabelValues(trapLabel(te.Trap)).Inc()
	metrics.GasUsed.Observe(float64(used))
}
