// Package wat assembles WebAssembly text format modules into binary form.
//
// It covers the subset contract sources and test fixtures are written in:
// imports, functions with named params and locals, memory, tables, globals,
// exports, start, active element segments and active or passive data, and
// every WebAssembly 2.0 instruction outside SIMD in plain and folded form.
//
//	bin, err := wat.Compile(`(module
//		(func (export "add") (param i32 i32) (result i32)
//			(i32.add (local.get 0) (local.get 1))))`)
package wat
