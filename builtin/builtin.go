// Package builtin provides the host functions every contract may import
// from the "env" module: hashing, binary codecs and host-side gas charging.
package builtin

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // legacy address hashing
	"golang.org/x/crypto/sha3"

	"github.com/wippyai/wasm-xvm/exec"
)

// Per-byte prices of host work, charged on top of the call instruction.
const (
	HashGasPerByte  = 2
	CodecGasPerByte = 1
)

// NewResolver returns a resolver exposing the builtins.
func NewResolver() exec.MapResolver {
	return exec.MapResolver{
		"env._xvm_hash":       xvmHash,
		"env._xvm_encode":     xvmEncode,
		"env._xvm_decode":     xvmDecode,
		"env._xvm_gas_charge": xvmGasCharge,
	}
}

func hashFunc(name string) hash.Hash {
	switch name {
	case "sha256":
		return sha256.New()
	case "keccak256":
		return sha3.NewLegacyKeccak256()
	case "sha3-256":
		return sha3.New256()
	case "blake2b-256":
		h, _ := blake2b.New256(nil)
		return h
	case "ripemd160":
		return ripemd160.New()
	default:
		return nil
	}
}

// _xvm_hash(name, in, inlen, out, outlen) writes the digest of in to out.
func xvmHash(ctx *exec.Context, nameptr, inputptr, inputlen, outputptr, outputlen uint32) uint32 {
	codec := exec.NewCodec(ctx)
	name := codec.CString(nameptr)
	input := codec.Bytes(inputptr, inputlen)
	output := codec.Bytes(outputptr, outputlen)
	charge(ctx, uint64(len(input))*HashGasPerByte)

	hasher := hashFunc(name)
	if hasher == nil {
		exec.Raise(fmt.Sprintf("hash %s not found", name))
	}
	if int(outputlen) < hasher.Size() {
		exec.Raise(fmt.Sprintf("hash %s needs %d bytes of output", name, hasher.Size()))
	}
	hasher.Write(input)
	copy(output, hasher.Sum(nil))
	return 0
}

type codec interface {
	Encode(in []byte) []byte
	Decode(in []byte) ([]byte, error)
}

func getCodec(name string) codec {
	switch name {
	case "hex":
		return hexCodec{}
	case "base58":
		return base58Codec{}
	case "base64":
		return base64Codec{}
	default:
		return nil
	}
}

type hexCodec struct{}

func (hexCodec) Encode(in []byte) []byte {
	out := make([]byte, hex.EncodedLen(len(in)))
	hex.Encode(out, in)
	return out
}

func (hexCodec) Decode(in []byte) ([]byte, error) {
	out := make([]byte, hex.DecodedLen(len(in)))
	n, err := hex.Decode(out, in)
	return out[:n], err
}

type base58Codec struct{}

func (base58Codec) Encode(in []byte) []byte {
	return []byte(base58.Encode(in))
}

func (base58Codec) Decode(in []byte) ([]byte, error) {
	return base58.Decode(string(in))
}

type base64Codec struct{}

func (base64Codec) Encode(in []byte) []byte {
	out := make([]byte, base64.StdEncoding.EncodedLen(len(in)))
	base64.StdEncoding.Encode(out, in)
	return out
}

func (base64Codec) Decode(in []byte) ([]byte, error) {
	out := make([]byte, base64.StdEncoding.DecodedLen(len(in)))
	n, err := base64.StdEncoding.Decode(out, in)
	return out[:n], err
}

// _xvm_encode(name, in, inlen, outpp, outlenp) stores a guest-allocated
// encoding of in at *outpp and its length at *outlenp.
func xvmEncode(ctx *exec.Context, nameptr, inputptr, inputlen, outputpptr, outputLenPtr uint32) uint32 {
	codec := exec.NewCodec(ctx)
	name := codec.CString(nameptr)
	input := codec.Bytes(inputptr, inputlen)

	c := getCodec(name)
	if c == nil {
		exec.Raise(fmt.Sprintf("codec %s not found", name))
	}
	charge(ctx, uint64(len(input))*CodecGasPerByte)
	out := c.Encode(input)

	p := bytesdup(ctx, out)
	codec = exec.NewCodec(ctx)
	codec.SetUint32(outputpptr, p)
	codec.SetUint32(outputLenPtr, uint32(len(out)))
	return 0
}

// _xvm_decode mirrors _xvm_encode. It returns 1 when in is not a valid encoding.
func xvmDecode(ctx *exec.Context, nameptr, inputptr, inputlen, outputpptr, outputLenPtr uint32) uint32 {
	codec := exec.NewCodec(ctx)
	name := codec.CString(nameptr)
	input := codec.Bytes(inputptr, inputlen)

	c := getCodec(name)
	if c == nil {
		exec.Raise(fmt.Sprintf("codec %s not found", name))
	}
	charge(ctx, uint64(len(input))*CodecGasPerByte)
	out, err := c.Decode(input)
	if err != nil {
		return 1
	}

	p := bytesdup(ctx, out)
	codec = exec.NewCodec(ctx)
	codec.SetUint32(outputpptr, p)
	codec.SetUint32(outputLenPtr, uint32(len(out)))
	return 0
}

// _xvm_gas_charge(amount) charges gas for work done by the host.
func xvmGasCharge(ctx *exec.Context, amount uint32) uint32 {
	charge(ctx, uint64(amount))
	return 0
}

func charge(ctx *exec.Context, n uint64) {
	if err := ctx.ChargeGas(n); err != nil {
		exec.ThrowError(err)
	}
}

// bytesdup copies b into a buffer allocated by the guest and returns its address.
func bytesdup(ctx *exec.Context, b []byte) uint32 {
	memptr := exec.Malloc(ctx, uint32(len(b)))
	exec.NewCodec(ctx).SetBytes(memptr, b)
	return memptr
}
