package wat

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/tetratelabs/wabin/wasm"
)

func parseUint(s string, bits int) (uint64, error) {
	s = strings.ReplaceAll(s, "_", "")
	if strings.HasPrefix(s, "0x") {
		return strconv.ParseUint(s[2:], 16, bits)
	}
	return strconv.ParseUint(s, 10, bits)
}

// parseInt accepts the signed and unsigned spellings of an n-bit integer
// and returns its two's complement value.
func parseInt(s string, bits int) (int64, error) {
	neg := strings.HasPrefix(s, "-")
	u, err := parseUint(strings.TrimLeft(s, "+-"), bits)
	if err != nil {
		return 0, fmt.Errorf("invalid i%d literal %q", bits, s)
	}
	if neg {
		if u > 1<<(bits-1) {
			return 0, fmt.Errorf("i%d literal %q out of range", bits, s)
		}
		return -int64(u), nil
	}
	if bits == 32 {
		return int64(int32(uint32(u))), nil
	}
	return int64(u), nil
}

func parseFloat(s string, bits int) (uint64, error) {
	s = strings.ReplaceAll(s, "_", "")
	neg := strings.HasPrefix(s, "-")
	body := strings.TrimLeft(s, "+-")
	var f float64
	switch {
	case body == "inf":
		f = math.Inf(1)
	case body == "nan" || strings.HasPrefix(body, "nan:"):
		if bits == 32 {
			bitsv := uint64(0x7fc00000)
			if neg {
				bitsv |= 1 << 31
			}
			return bitsv, nil
		}
		bitsv := uint64(0x7ff8000000000000)
		if neg {
			bitsv |= 1 << 63
		}
		return bitsv, nil
	default:
		if strings.HasPrefix(body, "0x") && !strings.ContainsAny(body, "pP") {
			body += "p0"
		}
		v, err := strconv.ParseFloat(body, bits)
		if err != nil {
			return 0, fmt.Errorf("invalid f%d literal %q", bits, s)
		}
		f = v
	}
	if neg {
		f = -f
	}
	if bits == 32 {
		return uint64(math.Float32bits(float32(f))), nil
	}
	return math.Float64bits(f), nil
}

var valueTypes = map[string]wasm.ValueType{
	"i32":       wasm.ValueTypeI32,
	"i64":       wasm.ValueTypeI64,
	"f32":       wasm.ValueTypeF32,
	"f64":       wasm.ValueTypeF64,
	"funcref":   wasm.ValueTypeFuncref,
	"externref": wasm.ValueTypeExternref,
}

func valueType(n *node) (wasm.ValueType, error) {
	if t, ok := valueTypes[n.atom]; ok && !n.isList() && !n.isStr {
		return t, nil
	}
	return 0, errAt(n, "unknown value type %s", n)
}

// naturalAlign is the default alignment exponent of each load and store,
// indexed from i32.load.
var naturalAlign = [...]uint32{
	2, 3, 2, 3, // i32 i64 f32 f64 load
	0, 0, 1, 1, // i32 load8 load16
	0, 0, 1, 1, 2, 2, // i64 load8 load16 load32
	2, 3, 2, 3, // i32 i64 f32 f64 store
	0, 1, // i32 store8 store16
	0, 1, 2, // i64 store8 store16 store32
}
