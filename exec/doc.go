// Package exec runs xvm artifacts.
//
// A Code is an artifact produced by the compile package, linked against a
// Resolver and compiled to native code by wazero. Each Context is an
// isolated instance of a Code with its own memory, globals and gas counter.
//
//	code, err := exec.Load(ctx, "contract.xvm", resolver)
//	defer code.Release(ctx)
//
//	xc, err := code.NewContext(ctx, &exec.ContextConfig{GasLimit: 100000})
//	defer xc.Release(ctx)
//
//	ret, err := xc.Call(ctx, "add", 2, 3)
//
// Errors fall into three groups. Load returns *errors.Error values of the
// load phase (errors.ErrNotFound, errors.ErrMalformed,
// errors.ErrUnresolvedImport). Call rejects an unknown export or bad
// arguments with a resolve phase error before running anything. Faults
// during execution, including gas exhaustion and failures reported by the
// Resolver, are *TrapError values; a Context that trapped must be released.
//
// Host functions stop the running call with Throw, Raise or ThrowError.
// Panics that are not traps are reported to the hook installed with
// SetTrapHook and then converted into traps.
package exec
