package codec

import (
	"encoding/binary"
	"math"
)

// CompareBytes compares two byte ranges lexicographically as unsigned bytes.
// A shorter range that is a prefix of the longer one sorts first.
func CompareBytes(b1, b2 []byte) int {
	n := min(len(b1), len(b2))
	for i := 0; i < n; i++ {
		a, b := int(b1[i]), int(b2[i])
		if a != b {
			return a - b
		}
	}
	return len(b1) - len(b2)
}

// HashBytes hashes b with the 31-multiplier polynomial over signed bytes.
func HashBytes(b []byte) int32 {
	var h int32 = 1
	for _, c := range b {
		h = 31*h + int32(int8(c))
	}
	return h
}

// Raw readers for comparators. They read from the start of b and panic if b is
// too short, like the encoding/binary accessors they wrap.

func ReadUint16(b []byte) int {
	return int(binary.BigEndian.Uint16(b))
}

func ReadInt32(b []byte) int32 {
	return int32(binary.BigEndian.Uint32(b))
}

func ReadInt64(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

func ReadFloat32(b []byte) float32 {
	return math.Float32frombits(binary.BigEndian.Uint32(b))
}

func ReadFloat64(b []byte) float64 {
	return math.Float64frombits(binary.BigEndian.Uint64(b))
}
