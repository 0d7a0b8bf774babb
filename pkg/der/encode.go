package der

import (
	"fmt"
	"math/bits"
)

// Encode serializes v. It panics if v is nil or not one of the package's
// value kinds; callers validate documents before they get here.
func Encode(v Value) []byte {
	return appendValue(nil, v)
}

// EncodeLength returns the length prefix for a payload of n bytes: a single
// byte below 128, otherwise 0x80|k followed by k big-endian bytes.
func EncodeLength(n int) []byte {
	return appendLength(nil, uint64(n))
}

func appendLength(out []byte, n uint64) []byte {
	if n < 0x80 {
		return append(out, byte(n))
	}
	k := byteLen(n)
	out = append(out, 0x80|byte(k))
	return appendUint(out, n, k)
}

func appendUint(out []byte, u uint64, k int) []byte {
	for shift := (k - 1) * 8; shift >= 0; shift -= 8 {
		out = append(out, byte(u>>uint(shift)))
	}
	return out
}

// byteLen is the minimal number of bytes holding u, at least one.
func byteLen(u uint64) int {
	n := (bits.Len64(u) + 7) / 8
	if n == 0 {
		n = 1
	}
	return n
}

func appendTLV(out []byte, tag byte, payload []byte) []byte {
	out = append(out, tag)
	out = appendLength(out, uint64(len(payload)))
	return append(out, payload...)
}

func appendValue(out []byte, v Value) []byte {
	switch val := v.(type) {
	case Bool:
		b := byte(0)
		if val {
			b = 1
		}
		return append(out, TagBool, 1, b)
	case Int:
		u := uint64(val)
		k := byteLen(u)
		out = append(out, TagInt)
		out = appendLength(out, uint64(k))
		return appendUint(out, u, k)
	case String:
		return appendTLV(out, TagString, []byte(val))
	case Array:
		var body []byte
		for _, item := range val {
			body = appendValue(body, item)
		}
		return appendTLV(out, TagArray, body)
	case Object:
		var body []byte
		for _, m := range val {
			var rec []byte
			rec = appendTLV(rec, TagString, []byte(m.Key))
			rec = appendValue(rec, m.Value)
			body = appendTLV(body, TagArray, rec)
		}
		return appendTLV(out, TagObject, body)
	}
	panic(fmt.Sprintf("der: unsupported value %T", v))
}
