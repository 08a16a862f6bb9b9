package wasmcode

import "github.com/tetratelabs/wabin/wasm"

// opName is wasm.InstructionName with the text format spelling of every
// instruction this package accepts, or "" for the others.
func opName(op wasm.Opcode) string {
	switch op {
	case wasm.OpcodeF32ConvertI64U:
		return "f32.convert_i64_u"
	case wasm.OpcodeTypedSelect:
		return wasm.OpcodeSelectName
	}
	if opImm(op) == immInvalid || op == wasm.OpcodeMiscPrefix {
		return ""
	}
	return wasm.InstructionName(op)
}

var byName = func() map[string]Instruction {
	names := make(map[string]Instruction, 256)
	for op := 0; op < 256; op++ {
		if n := opName(byte(op)); n != "" && byte(op) != wasm.OpcodeTypedSelect {
			names[n] = Instruction{Opcode: byte(op)}
		}
	}
	for sub := wasm.OpcodeMisc(0); miscImm(sub) >= 0; sub++ {
		names[wasm.MiscInstructionName(sub)] = Instruction{Opcode: wasm.OpcodeMiscPrefix, Misc: sub}
	}
	return names
}()

// Lookup returns the instruction with mnemonic name and zero immediates.
func Lookup(name string) (Instruction, bool) {
	in, ok := byName[name]
	return in, ok
}
