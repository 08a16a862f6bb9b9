package exec

import (
	"encoding/binary"
	"fmt"
)

var trapNilMemory = NewTrap("code has no memory")

// TrapInvalidAddress is the trap raised when host code touches memory out of range
type TrapInvalidAddress uint32

// Reason implements Trap
func (t TrapInvalidAddress) Reason() string {
	return fmt.Sprintf("invalid address:0x%x", uint32(t))
}

// Codec reads and writes guest memory on behalf of host functions. Its
// methods throw traps and must only be used while a call is running.
type Codec struct {
	mem []byte
}

// NewCodec returns a Codec over the memory of ctx. It throws a trap if the
// code has no memory.
func NewCodec(ctx *Context) Codec {
	mem := ctx.Memory()
	if mem == nil {
		Throw(trapNilMemory)
	}
	return Codec{mem: mem}
}

// Bytes returns memory region starting from addr, limiting by length
func (c Codec) Bytes(addr, length uint32) []byte {
	end := uint64(addr) + uint64(length)
	if end > uint64(len(c.mem)) {
		Throw(TrapInvalidAddress(addr))
	}
	return c.mem[addr:end]
}

// String decodes memory[addr:addr+length] to string
func (c Codec) String(addr, length uint32) string {
	return string(c.Bytes(addr, length))
}

// CString decodes a '\x00' terminated c style string
func (c Codec) CString(addr uint32) string {
	if addr == 0 || uint64(addr) >= uint64(len(c.mem)) {
		Throw(TrapInvalidAddress(addr))
	}
	i := int(addr)
	for ; i < len(c.mem) && c.mem[i] != 0; i++ {
	}
	if i == len(c.mem) {
		Throw(TrapInvalidAddress(addr))
	}
	return string(c.mem[addr:i])
}

// Uint32 decodes memory[addr:addr+4] to uint32
func (c Codec) Uint32(addr uint32) uint32 {
	return binary.LittleEndian.Uint32(c.Bytes(addr, 4))
}

// Uint64 decodes memory[addr:addr+8] to uint64
func (c Codec) Uint64(addr uint32) uint64 {
	return binary.LittleEndian.Uint64(c.Bytes(addr, 8))
}

// SetUint32 encodes v into memory[addr:addr+4]
func (c Codec) SetUint32(addr, v uint32) {
	binary.LittleEndian.PutUint32(c.Bytes(addr, 4), v)
}

// SetBytes copies b into memory starting at addr
func (c Codec) SetBytes(addr uint32, b []byte) {
	copy(c.Bytes(addr, uint32(len(b))), b)
}
