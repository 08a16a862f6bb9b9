package exec

import (
	"errors"
	"fmt"
	"reflect"
)

// A Resolver resolves global and function symbols imported by wasm code and
// invokes the functions it resolved.
//
// ResolveFunc and ResolveGlobal are called while a Code is loaded; their
// answers are fixed for the lifetime of that Code. CallFunc is called for
// every guest call of an imported function, with the handle returned by
// ResolveFunc. It may call back into ctx. A non-nil error stops execution
// with a trap; a *TrapError is propagated unchanged.
type Resolver interface {
	ResolveFunc(module, name string) (interface{}, bool)
	ResolveGlobal(module, name string) (int64, bool)
	CallFunc(ctx *Context, fn interface{}, params []uint64) (uint64, error)
}

// FuncChecker is implemented by resolvers that can validate a resolved
// handle against the imported function type at load time.
type FuncChecker interface {
	CheckFunc(fn interface{}, params, results int) bool
}

// HostFunc is a host function receiving raw parameter words. The result is
// ignored when the import has no result.
type HostFunc func(ctx *Context, params []uint64) (uint64, error)

// ErrSignatureNotMatch is returned by CallFunc when a handle cannot accept the
// arguments of a call. The caller reports it as TrapFuncSignatureNotMatch.
var ErrSignatureNotMatch = errors.New("host function signature not match")

// MultiResolver chains multiple Resolvers, symbol looking up is according to
// the order of resolvers. The first found symbol is returned and calls are
// routed back to the resolver that found it.
type MultiResolver []Resolver

type multiHandle struct {
	resolver Resolver
	fn       interface{}
}

// NewMultiResolver instances a MultiResolver from resolvers
func NewMultiResolver(resolvers ...Resolver) MultiResolver {
	return resolvers
}

// ResolveFunc implements Resolver
func (m MultiResolver) ResolveFunc(module, name string) (interface{}, bool) {
	for _, r := range m {
		if f, ok := r.ResolveFunc(module, name); ok {
			return &multiHandle{resolver: r, fn: f}, true
		}
	}
	return nil, false
}

// ResolveGlobal implements Resolver
func (m MultiResolver) ResolveGlobal(module, name string) (int64, bool) {
	for _, r := range m {
		if v, ok := r.ResolveGlobal(module, name); ok {
			return v, true
		}
	}
	return 0, false
}

// CallFunc implements Resolver
func (m MultiResolver) CallFunc(ctx *Context, fn interface{}, params []uint64) (uint64, error) {
	h, ok := fn.(*multiHandle)
	if !ok {
		return 0, fmt.Errorf("foreign handle %T: %w", fn, ErrSignatureNotMatch)
	}
	return h.resolver.CallFunc(ctx, h.fn, params)
}

// CheckFunc implements FuncChecker by asking the owning resolver, if it can.
func (m MultiResolver) CheckFunc(fn interface{}, params, results int) bool {
	h, ok := fn.(*multiHandle)
	if !ok {
		return false
	}
	if c, ok := h.resolver.(FuncChecker); ok {
		return c.CheckFunc(h.fn, params, results)
	}
	return true
}

var (
	contextPtrType = reflect.TypeOf((*Context)(nil))
	uint32Type     = reflect.TypeOf(uint32(0))
)

const maxHostParams = 8

// funcArity returns the parameter count of a supported host function shape,
// -1 when it accepts any count.
func funcArity(fn interface{}) (int, bool) {
	if _, ok := fn.(HostFunc); ok {
		return -1, true
	}
	if _, ok := fn.(func(*Context, []uint64) (uint64, error)); ok {
		return -1, true
	}
	t := reflect.TypeOf(fn)
	if t == nil || t.Kind() != reflect.Func || t.IsVariadic() {
		return 0, false
	}
	if t.NumIn() == 0 || t.In(0) != contextPtrType || t.NumIn()-1 > maxHostParams {
		return 0, false
	}
	for i := 1; i < t.NumIn(); i++ {
		if t.In(i) != uint32Type {
			return 0, false
		}
	}
	if t.NumOut() != 1 || t.Out(0) != uint32Type {
		return 0, false
	}
	return t.NumIn() - 1, true
}

// applyFuncCall invokes one of the supported host function shapes:
// HostFunc and func(*Context, uint32...) uint32 with up to eight parameters.
func applyFuncCall(ctx *Context, f interface{}, params []uint64) (uint64, error) {
	n := len(params)
	switch fun := f.(type) {
	case HostFunc:
		return fun(ctx, params)
	case func(*Context, []uint64) (uint64, error):
		return fun(ctx, params)
	case func(*Context) uint32:
		if n != 0 {
			return 0, ErrSignatureNotMatch
		}
		return uint64(fun(ctx)), nil
	case func(*Context, uint32) uint32:
		if n != 1 {
			return 0, ErrSignatureNotMatch
		}
		return uint64(fun(ctx, uint32(params[0]))), nil
	case func(*Context, uint32, uint32) uint32:
		if n != 2 {
			return 0, ErrSignatureNotMatch
		}
		return uint64(fun(ctx, uint32(params[0]), uint32(params[1]))), nil
	case func(*Context, uint32, uint32, uint32) uint32:
		if n != 3 {
			return 0, ErrSignatureNotMatch
		}
		return uint64(fun(ctx, uint32(params[0]), uint32(params[1]), uint32(params[2]))), nil
	case func(*Context, uint32, uint32, uint32, uint32) uint32:
		if n != 4 {
			return 0, ErrSignatureNotMatch
		}
		return uint64(fun(ctx, uint32(params[0]), uint32(params[1]), uint32(params[2]), uint32(params[3]))), nil
	}

	arity, ok := funcArity(f)
	if !ok || arity != n {
		return 0, ErrSignatureNotMatch
	}
	args := make([]reflect.Value, n+1)
	args[0] = reflect.ValueOf(ctx)
	for i, p := range params {
		args[i+1] = reflect.ValueOf(uint32(p))
	}
	out := reflect.ValueOf(f).Call(args)
	return out[0].Uint(), nil
}
