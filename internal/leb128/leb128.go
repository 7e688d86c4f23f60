// Package leb128 implements the LEB128 variable-length integer encoding
// used throughout the WebAssembly binary format, reconstructed to the
// signatures and test vectors of wazero's internal/leb128 package.
package leb128

import "fmt"

// EncodeUint32 encodes v as unsigned LEB128.
func EncodeUint32(v uint32) []byte { return EncodeUint64(uint64(v)) }

// EncodeUint64 encodes v as unsigned LEB128.
func EncodeUint64(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			break
		}
	}
	return out
}

// EncodeInt32 encodes v as signed LEB128.
func EncodeInt32(v int32) []byte { return EncodeInt64(int64(v)) }

// EncodeInt64 encodes v as signed LEB128.
func EncodeInt64(v int64) []byte {
	var out []byte
	more := true
	for more {
		b := byte(v & 0x7f)
		v >>= 7
		signBitSet := b&0x40 != 0
		if (v == 0 && !signBitSet) || (v == -1 && signBitSet) {
			more = false
		} else {
			b |= 0x80
		}
		out = append(out, b)
	}
	return out
}

// LoadUint32 decodes an unsigned LEB128 uint32 from the start of b,
// returning the value and the number of bytes consumed.
func LoadUint32(b []byte) (uint32, uint64, error) {
	v, n, err := LoadUint64(b)
	if err != nil {
		return 0, 0, err
	}
	if v > 0xffffffff {
		return 0, 0, fmt.Errorf("leb128: value %d overflows uint32", v)
	}
	return uint32(v), n, nil
}

// LoadUint64 decodes an unsigned LEB128 uint64 from the start of b.
func LoadUint64(b []byte) (uint64, uint64, error) {
	var result uint64
	var shift uint
	for i, c := range b {
		if shift >= 64 {
			return 0, 0, fmt.Errorf("leb128: varint too long")
		}
		result |= uint64(c&0x7f) << shift
		if c&0x80 == 0 {
			if shift >= 63 && c > 1 {
				return 0, 0, fmt.Errorf("leb128: uint64 overflow")
			}
			return result, uint64(i + 1), nil
		}
		shift += 7
	}
	return 0, 0, fmt.Errorf("leb128: unexpected EOF")
}

// LoadInt32 decodes a signed LEB128 int32 from the start of b.
func LoadInt32(b []byte) (int32, uint64, error) {
	v, n, err := LoadInt64(b)
	if err != nil {
		return 0, 0, err
	}
	if v < -(1<<31) || v > (1<<31)-1 {
		return 0, 0, fmt.Errorf("leb128: value %d overflows int32", v)
	}
	return int32(v), n, nil
}

// LoadInt64 decodes a signed LEB128 int64 from the start of b.
func LoadInt64(b []byte) (int64, uint64, error) {
	var result int64
	var shift uint
	var c byte
	var i int
	for i = 0; i < len(b); i++ {
		c = b[i]
		if shift >= 64 {
			return 0, 0, fmt.Errorf("leb128: varint too long")
		}
		result |= int64(c&0x7f) << shift
		shift += 7
		if c&0x80 == 0 {
			break
		}
	}
	if i == len(b) && (len(b) == 0 || b[len(b)-1]&0x80 != 0) {
		return 0, 0, fmt.Errorf("leb128: unexpected EOF")
	}
	if shift < 64 && c&0x40 != 0 {
		result |= -1 << shift
	}
	return result, uint64(i + 1), nil
}
