package exec

// MallocExport is the guest allocator export used by Malloc.
const MallocExport = "malloc"

// Malloc allocates size bytes in guest memory by calling the guest's malloc
// export on ctx. It throws TrapSymbolNotFound when the export is missing and
// TrapNoMemory when the allocator returns 0. Host functions use it to hand
// buffers back to the guest.
func Malloc(ctx *Context, size uint32) uint32 {
	if _, ok := ctx.code.exports[MallocExport]; !ok {
		Throw(&TrapSymbolNotFound{Name: MallocExport})
	}
	ret, err := ctx.Exec(ctx.CallContext(), MallocExport, []int64{int64(size)})
	if err != nil {
		ThrowError(err)
	}
	if ret == 0 {
		Throw(TrapNoMemory)
	}
	return uint32(ret)
}
