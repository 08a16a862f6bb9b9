package exec

// MapResolver is the Resolver which stores symbols in a map keyed by
// "module.name". int64 values are globals; functions must have one of the
// shapes accepted by HostFunc or func(*Context, uint32...) uint32.
type MapResolver map[string]interface{}

// ResolveFunc implements Resolver
func (m MapResolver) ResolveFunc(module, name string) (interface{}, bool) {
	v, ok := m[module+"."+name]
	if !ok {
		return nil, false
	}
	if _, ok := v.(int64); ok {
		return nil, false
	}
	return v, true
}

// ResolveGlobal implements Resolver
func (m MapResolver) ResolveGlobal(module, name string) (int64, bool) {
	v, ok := m[module+"."+name]
	if !ok {
		return 0, false
	}
	ret, ok := v.(int64)
	return ret, ok
}

// CallFunc implements Resolver
func (m MapResolver) CallFunc(ctx *Context, fn interface{}, params []uint64) (uint64, error) {
	return applyFuncCall(ctx, fn, params)
}

// CheckFunc implements FuncChecker
func (m MapResolver) CheckFunc(fn interface{}, params, results int) bool {
	arity, ok := funcArity(fn)
	if !ok || results > 1 {
		return false
	}
	return arity < 0 || arity == params
}
