package exec

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wabin/wasm"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-xvm/compile"
	"github.com/wippyai/wasm-xvm/errors"
	"github.com/wippyai/wasm-xvm/gas"
	"github.com/wippyai/wasm-xvm/metrics"
	"github.com/wippyai/wasm-xvm/wasmcode"
)

const tracerName = "github.com/wippyai/wasm-xvm/exec"

// FuncType is the signature of a function.
type FuncType struct {
	Params  []api.ValueType
	Results []api.ValueType
}

func (t FuncType) String() string {
	var b strings.Builder
	writeTypes := func(ts []api.ValueType) {
		for i, v := range ts {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(api.ValueTypeName(v))
		}
	}
	b.WriteByte('(')
	writeTypes(t.Params)
	b.WriteByte(')')
	if len(t.Results) > 0 {
		b.WriteString(" -> ")
		writeTypes(t.Results)
	}
	return b.String()
}

// Code is a loaded and linked artifact. It is immutable after load and
// shared by every Context created from it.
type Code struct {
	engine    *Engine
	id        string
	path      string
	resolver  Resolver
	meta      compile.Meta
	runtime   wazero.Runtime
	compiled  wazero.CompiledModule
	hasMemory bool
	funcTypes []FuncType
	exports   map[string]FuncType
	names     []string

	mu       sync.Mutex
	refs     int
	released bool
	closed   bool
}

func (e *Engine) newCode(ctx context.Context, artifact []byte, path string, resolver Resolver) (code *Code, err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "xvm.Load")
	span.SetAttributes(attribute.String("xvm.path", path), attribute.Int("xvm.size", len(artifact)))
	start := time.Now()
	defer func() {
		metrics.LoadSeconds.Observe(time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	m, err := wasmcode.DecodeModule(artifact)
	if err != nil {
		return nil, errors.Malformed("decode artifact", err)
	}
	meta, err := compile.ReadMeta(m)
	if err != nil {
		return nil, err
	}
	if err := checkGasExports(m); err != nil {
		return nil, err
	}
	if meta.ScheduleVersion != e.cfg.ScheduleVersion {
		return nil, errors.Malformed(fmt.Sprintf("artifact metered with gas schedule v%d, engine expects v%d",
			meta.ScheduleVersion, e.cfg.ScheduleVersion), nil)
	}
	hasMemory := wasmcode.HasMemory(m)

	funcs, err := linkImports(m, resolver)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(artifact)
	code = &Code{
		engine:    e,
		id:        hex.EncodeToString(sum[:]),
		path:      path,
		resolver:  resolver,
		meta:      meta,
		hasMemory: hasMemory,
		exports:   make(map[string]FuncType),
	}
	for _, t := range m.TypeSection {
		code.funcTypes = append(code.funcTypes, FuncType{Params: rawTypes(t.Params), Results: rawTypes(t.Results)})
	}
	span.SetAttributes(attribute.String("xvm.code_id", code.id))

	rt := wazero.NewRuntimeWithConfig(ctx, e.runtimeConfig())
	linked := false
	defer func() {
		if !linked {
			if cerr := rt.Close(ctx); cerr != nil {
				Logger().Warn("close runtime after failed load", zap.Error(cerr))
			}
		}
	}()

	if err := code.instantiateHostModules(ctx, rt, funcs); err != nil {
		return nil, err
	}

	compiled, err := rt.CompileModule(ctx, wasmcode.EncodeModule(m))
	if err != nil {
		return nil, errors.Malformed("compile artifact", err)
	}

	for name, def := range compiled.ExportedFunctions() {
		if name == compile.StartExport {
			continue
		}
		code.exports[name] = FuncType{Params: def.ParamTypes(), Results: def.ResultTypes()}
		code.names = append(code.names, name)
	}
	sort.Strings(code.names)

	code.runtime = rt
	code.compiled = compiled
	linked = true

	Logger().Debug("code loaded",
		zap.String("id", code.id),
		zap.String("path", path),
		zap.Int("imports", len(funcs)),
		zap.Int("exports", len(code.names)))
	return code, nil
}

// checkGasExports rejects artifacts that do not carry the gas counters.
// Load trusts that an artifact exporting them was produced by compile.Compile;
// it does not re-verify the metering of each function body.
func checkGasExports(m *wasm.Module) error {
	found := 0
	for _, exp := range m.ExportSection {
		if exp.Type != wasm.ExternTypeGlobal || (exp.Name != gas.UsedExport && exp.Name != gas.LimitExport) {
			continue
		}
		g := wasmcode.GlobalType(m, exp.Index)
		if g != nil && g.ValType == wasm.ValueTypeI64 && g.Mutable {
			found++
		}
	}
	if found != 2 {
		return errors.Malformed("artifact is not metered", nil)
	}
	return nil
}

// instantiateHostModules exposes the resolved functions to the guest, one
// host module per import module name.
func (c *Code) instantiateHostModules(ctx context.Context, rt wazero.Runtime, funcs []*importFunc) error {
	var order []string
	byModule := make(map[string][]*importFunc)
	for _, f := range funcs {
		if _, ok := byModule[f.module]; !ok {
			order = append(order, f.module)
		}
		byModule[f.module] = append(byModule[f.module], f)
	}

	for _, mod := range order {
		builder := rt.NewHostModuleBuilder(mod)
		for _, f := range byModule[mod] {
			builder.NewFunctionBuilder().
				WithGoModuleFunction(c.hostFunc(f), f.params, f.results).
				WithName(f.name).
				Export(f.name)
		}
		if _, err := builder.Instantiate(ctx); err != nil {
			return errors.New(errors.PhaseLoad, errors.KindInstantiation).
				Path(mod).
				Detail("instantiate host module").
				Cause(err).
				Build()
		}
	}
	return nil
}

func (c *Code) hostFunc(f *importFunc) api.GoModuleFunc {
	return func(ctx context.Context, _ api.Module, stack []uint64) {
		xc := contextFrom(ctx)
		if xc == nil {
			panic(&TrapError{Trap: NewTrap(fmt.Sprintf("%s called outside of a context", f.key()))})
		}
		params := make([]uint64, len(f.params))
		copy(params, stack)
		ret, trap := xc.callHost(f, params)
		if trap != nil {
			panic(trap)
		}
		if len(f.results) == 1 {
			if f.results[0] == api.ValueTypeI32 || f.results[0] == api.ValueTypeF32 {
				ret = uint64(uint32(ret))
			}
			stack[0] = ret
		}
	}
}

func rawTypes(ts []wasm.ValueType) []api.ValueType {
	out := make([]api.ValueType, len(ts))
	for i, t := range ts {
		out[i] = api.ValueType(t)
	}
	return out
}

// ID returns the hex sha256 of the artifact.
func (c *Code) ID() string {
	return c.id
}

// Path returns the path the artifact was loaded from, empty for NewCode.
func (c *Code) Path() string {
	return c.path
}

// Resolver returns the resolver bound at load.
func (c *Code) Resolver() Resolver {
	return c.resolver
}

// StaticTop returns the end of static data recorded when the artifact was compiled.
func (c *Code) StaticTop() uint32 {
	return c.meta.StaticTop
}

// Meta returns the artifact metadata.
func (c *Code) Meta() compile.Meta {
	return c.meta
}

// FuncTypes returns the module type table in declaration order.
func (c *Code) FuncTypes() []FuncType {
	return c.funcTypes
}

// Exports returns the names of the callable exported functions, sorted.
func (c *Code) Exports() []string {
	return c.names
}

// Export returns the signature of an exported function.
func (c *Code) Export(name string) (FuncType, bool) {
	t, ok := c.exports[name]
	return t, ok
}

// Refs returns the number of live Contexts created from c.
func (c *Code) Refs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refs
}

func (c *Code) acquire() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return errors.Released("code")
	}
	c.refs++
	return nil
}

func (c *Code) releaseRef(ctx context.Context) error {
	c.mu.Lock()
	c.refs--
	shouldClose := c.released && c.refs == 0 && !c.closed
	if shouldClose {
		c.closed = true
	}
	c.mu.Unlock()
	if shouldClose {
		return c.close(ctx)
	}
	return nil
}

// Release marks the Code released. NewContext fails afterwards; the native
// code is freed once the last Context created from c is released. Calling
// Release again is a no-op.
func (c *Code) Release(ctx context.Context) error {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return nil
	}
	c.released = true
	shouldClose := c.refs == 0
	if shouldClose {
		c.closed = true
	}
	c.mu.Unlock()
	if shouldClose {
		return c.close(ctx)
	}
	return nil
}

func (c *Code) close(ctx context.Context) error {
	if err := c.runtime.Close(ctx); err != nil {
		Logger().Warn("close code runtime", zap.String("id", c.id), zap.Error(err))
		return err
	}
	Logger().Debug("code released", zap.String("id", c.id))
	return nil
}

// WithContext creates a Context, runs fn and releases the Context.
func (c *Code) WithContext(ctx context.Context, cfg *ContextConfig, fn func(*Context) error) (err error) {
	xc, err := c.NewContext(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := xc.Release(ctx); err == nil {
			err = rerr
		}
	}()
	return fn(xc)
}
