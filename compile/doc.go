// Package compile produces xvm artifacts from WebAssembly modules.
//
// An artifact is a core WebAssembly binary that has been checked against
// Limits, metered by the gas package and tagged with an xvm.meta custom
// section. The exec package loads only artifacts; wazero then compiles them
// to native code, caching the machine code on disk when configured.
//
//	artifact, err := compile.Compile(wasmBytes, nil)
//	err = compile.CompileFile("contract.wasm", "contract.xvm", nil)
//	info, err := compile.Inspect(artifact)
package compile
