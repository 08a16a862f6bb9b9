// Package wasi resolves the WASI preview1 imports of contracts built with a
// WASI toolchain. Contracts run without a filesystem, environment, clock or
// randomness; calls touching them fail with an errno. Writes to stdout and
// stderr are collected per Context and proc_exit stops the call with
// exec.TrapExit.
package wasi

import (
	"bytes"

	"github.com/wippyai/wasm-xvm/exec"
)

// Module names answered by the resolver.
const (
	ModuleUnstable = "wasi_unstable"
	ModulePreview1 = "wasi_snapshot_preview1"
)

const (
	stdoutKey   = "wasi.stdout"
	stderrKey   = "wasi.stderr"
	exitCodeKey = "wasi.exit_code"

	errnoSuccess = 0
	errnoBadf    = 8
	errnoFbig    = 22
	errnoNosys   = 52

	maxIovecs = 1024
	iovecSize = 8
	stdoutFD  = 1
	stderrFD  = 2
)

// MaxOutput bounds what one Context may buffer per stream. Writes past it
// fail with EFBIG and nothing of them is kept.
const MaxOutput = 1 << 20

// WriteGasPerByte is charged for every byte passed to fd_write.
const WriteGasPerByte = 1

func errno(code uint32) exec.HostFunc {
	return func(*exec.Context, []uint64) (uint64, error) {
		return uint64(code), nil
	}
}

var funcs = map[string]exec.HostFunc{
	"fd_prestat_get":      errno(errnoBadf),
	"fd_prestat_dir_name": errno(errnoBadf),
	"fd_fdstat_get":       errno(errnoBadf),
	"fd_close":            errno(errnoBadf),
	"fd_seek":             errno(errnoBadf),
	"fd_read":             errno(errnoBadf),
	"fd_write":            fdWrite,
	"environ_sizes_get":   zeroSizes,
	"environ_get":         errno(errnoSuccess),
	"args_sizes_get":      zeroSizes,
	"args_get":            errno(errnoSuccess),
	"clock_time_get":      errno(errnoNosys),
	"random_get":          errno(errnoNosys),
	"proc_exit":           procExit,
}

// NewResolver returns a resolver for both WASI preview1 module names.
func NewResolver() exec.MapResolver {
	r := make(exec.MapResolver, 2*len(funcs))
	for name, fn := range funcs {
		r[ModuleUnstable+"."+name] = fn
		r[ModulePreview1+"."+name] = fn
	}
	return r
}

// fd_write(fd, iovs, iovs_len, nwritten)
func fdWrite(ctx *exec.Context, params []uint64) (uint64, error) {
	if len(params) != 4 {
		return 0, exec.ErrSignatureNotMatch
	}
	fd, iovs, n, nwritten := uint32(params[0]), uint32(params[1]), uint32(params[2]), uint32(params[3])

	var key string
	switch fd {
	case stdoutFD:
		key = stdoutKey
	case stderrFD:
		key = stderrKey
	default:
		return errnoBadf, nil
	}
	if n > maxIovecs {
		exec.Throw(exec.TrapInvalidAddress(iovs))
	}

	codec := exec.NewCodec(ctx)
	chunks := make([][]byte, n)
	var total uint64
	for i := range chunks {
		iov := iovs + uint32(i)*iovecSize
		chunks[i] = codec.Bytes(codec.Uint32(iov), codec.Uint32(iov+4))
		total += uint64(len(chunks[i]))
	}
	if err := ctx.ChargeGas(total * WriteGasPerByte); err != nil {
		return 0, err
	}

	buf := output(ctx, key)
	if uint64(buf.Len())+total > MaxOutput {
		return errnoFbig, nil
	}
	for _, data := range chunks {
		buf.Write(data)
	}
	codec.SetUint32(nwritten, uint32(total))
	return errnoSuccess, nil
}

// environ_sizes_get(countp, sizep) and args_sizes_get(countp, sizep)
func zeroSizes(ctx *exec.Context, params []uint64) (uint64, error) {
	if len(params) != 2 {
		return 0, exec.ErrSignatureNotMatch
	}
	codec := exec.NewCodec(ctx)
	codec.SetUint32(uint32(params[0]), 0)
	codec.SetUint32(uint32(params[1]), 0)
	return errnoSuccess, nil
}

// proc_exit(code)
func procExit(ctx *exec.Context, params []uint64) (uint64, error) {
	var code uint32
	if len(params) > 0 {
		code = uint32(params[0])
	}
	ctx.SetUserData(exitCodeKey, code)
	exec.Throw(exec.TrapExit)
	return 0, nil
}

func output(ctx *exec.Context, key string) *bytes.Buffer {
	if b, ok := ctx.GetUserData(key).(*bytes.Buffer); ok {
		return b
	}
	b := new(bytes.Buffer)
	ctx.SetUserData(key, b)
	return b
}

// Stdout returns what the Context wrote to stdout.
func Stdout(ctx *exec.Context) []byte {
	if b, ok := ctx.GetUserData(stdoutKey).(*bytes.Buffer); ok {
		return b.Bytes()
	}
	return nil
}

// Stderr returns what the Context wrote to stderr.
func Stderr(ctx *exec.Context) []byte {
	if b, ok := ctx.GetUserData(stderrKey).(*bytes.Buffer); ok {
		return b.Bytes()
	}
	return nil
}

// ExitCode returns the code passed to proc_exit, if it was called.
func ExitCode(ctx *exec.Context) (uint32, bool) {
	code, ok := ctx.GetUserData(exitCodeKey).(uint32)
	return code, ok
}
