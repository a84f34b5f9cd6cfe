package codec

import "bytes"

// Text is a comparable string value stored in its encoded form. Ordering and
// equality work on the modified UTF-8 bytes directly.
type Text struct {
	b []byte
}

func NewText(s string) *Text {
	t := new(Text)
	t.Set(s)
	return t
}

// Set replaces the value, truncating it the same way WriteString does.
func (t *Text) Set(s string) {
	t.b = EncodeString(s)
}

// Bytes returns the encoded bytes without the length prefix.
func (t *Text) Bytes() []byte {
	return t.b
}

func (t *Text) Len() int {
	return len(t.b)
}

func (t *Text) String() string {
	s, _ := DecodeString(t.b)
	return s
}

func (t *Text) Write(out *DataOutput) error {
	if err := out.WriteUint16(uint16(len(t.b))); err != nil {
		return err
	}
	_, err := out.Write(t.b)
	return err
}

func (t *Text) ReadFields(in *DataInput) error {
	n, err := in.ReadUint16()
	if err != nil {
		return err
	}
	if cap(t.b) < int(n) {
		t.b = make([]byte, n)
	}
	t.b = t.b[:n]
	return in.ReadFull(t.b)
}

func (t *Text) CompareTo(other WritableComparable) int {
	return CompareBytes(t.b, other.(*Text).b)
}

func (t *Text) Equal(other *Text) bool {
	return other != nil && bytes.Equal(t.b, other.b)
}

func (t *Text) Hash() int32 {
	return HashBytes(t.b)
}

// SkipText advances in past one encoded string without decoding it.
func SkipText(in *DataInput) error {
	n, err := in.ReadUint16()
	if err != nil {
		return err
	}
	return in.Skip(int(n))
}
