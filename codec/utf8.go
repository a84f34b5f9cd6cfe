package codec

import (
	"errors"
	"unicode/utf16"
)

// MaxStringBytes is the largest encoded string the 2-byte length prefix can describe.
const MaxStringBytes = 0xffff

// maxStringUnits is the truncation point for strings that would overflow
// MaxStringBytes: every UTF-16 unit encodes to at most 3 bytes.
const maxStringUnits = MaxStringBytes / 3

var errMalformedString = errors.New("codec: malformed modified UTF-8 string")

// EncodeString returns the modified UTF-8 encoding of s. The string is handled
// as UTF-16 code units: 0x0001-0x007F take one byte, 0x0000 and 0x0080-0x07FF
// take two, everything else (surrogate halves included) takes three.
//
// A string whose encoding would exceed MaxStringBytes is cut to its first
// maxStringUnits code units before encoding, one fewer when the cut would
// separate a surrogate pair. The cut is lossy but deterministic.
func EncodeString(s string) []byte {
	units := utf16.Encode([]rune(s))
	if encodedLength(units) > MaxStringBytes {
		cut := maxStringUnits
		if c := units[cut-1]; c >= 0xD800 && c < 0xDC00 {
			cut--
		}
		units = units[:cut]
	}
	return appendUnits(make([]byte, 0, encodedLength(units)), units)
}

// EncodedLength reports how many bytes EncodeString(s) would produce.
func EncodedLength(s string) int {
	return len(EncodeString(s))
}

func encodedLength(units []uint16) int {
	n := 0
	for _, c := range units {
		switch {
		case c >= 0x0001 && c <= 0x007F:
			n++
		case c > 0x07FF:
			n += 3
		default:
			n += 2
		}
	}
	return n
}

func appendUnits(dst []byte, units []uint16) []byte {
	for _, c := range units {
		switch {
		case c >= 0x0001 && c <= 0x007F:
			dst = append(dst, byte(c))
		case c <= 0x07FF:
			dst = append(dst,
				byte(0xC0|((c>>6)&0x1F)),
				byte(0x80|(c&0x3F)))
		default:
			dst = append(dst,
				byte(0xE0|((c>>12)&0x0F)),
				byte(0x80|((c>>6)&0x3F)),
				byte(0x80|(c&0x3F)))
		}
	}
	return dst
}

// DecodeString reverses EncodeString. The leading byte of each sequence
// selects its width: top bit clear is one byte, top three bits other than 111
// is two bytes, anything else is three.
func DecodeString(b []byte) (string, error) {
	units := make([]uint16, 0, len(b))
	for i := 0; i < len(b); {
		c := b[i]
		i++
		switch {
		case c&0x80 == 0:
			units = append(units, uint16(c&0x7F))
		case c&0xE0 != 0xE0:
			if i+1 > len(b) {
				return "", errMalformedString
			}
			units = append(units, uint16(c&0x1F)<<6|uint16(b[i]&0x3F))
			i++
		default:
			if i+2 > len(b) {
				return "", errMalformedString
			}
			units = append(units, uint16(c&0x0F)<<12|uint16(b[i]&0x3F)<<6|uint16(b[i+1]&0x3F))
			i += 2
		}
	}
	return string(utf16.Decode(units)), nil
}
