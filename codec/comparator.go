package codec

import (
	"bytes"
	"cmp"
	"fmt"
)

// RawComparator orders encoded values of one registered type. CompareRaw works
// on the bytes produced by Write, so keys can be sorted without decoding them.
type RawComparator interface {
	Compare(a, b WritableComparable) int
	CompareRaw(b1, b2 []byte) (int, error)
}

// decodingComparator is the fallback for comparable types registered without a
// raw comparator: it decodes both buffers into fresh instances.
type decodingComparator struct {
	reg *Registry
	id  Type
}

func (c *decodingComparator) Compare(a, b WritableComparable) int {
	return a.CompareTo(b)
}

func (c *decodingComparator) CompareRaw(b1, b2 []byte) (int, error) {
	k1, err := c.decode(b1)
	if err != nil {
		return 0, err
	}
	k2, err := c.decode(b2)
	if err != nil {
		return 0, err
	}
	return k1.CompareTo(k2), nil
}

func (c *decodingComparator) decode(b []byte) (WritableComparable, error) {
	w, err := c.reg.NewInstance(c.id)
	if err != nil {
		return nil, err
	}
	k, ok := w.(WritableComparable)
	if !ok {
		return nil, fmt.Errorf("codec: %q is not comparable", c.id)
	}
	if err := k.ReadFields(NewDataInput(bytes.NewReader(b), c.reg)); err != nil {
		return nil, fmt.Errorf("codec: decode %q key: %w", c.id, err)
	}
	return k, nil
}

func errShortKey(id Type, need, got int) error {
	return fmt.Errorf("codec: %s key needs %d bytes, got %d", id, need, got)
}

type textComparator struct{}

func (textComparator) Compare(a, b WritableComparable) int {
	return a.CompareTo(b)
}

// CompareRaw skips each 2-byte length and compares the string bytes.
func (textComparator) CompareRaw(b1, b2 []byte) (int, error) {
	if len(b1) < 2 {
		return 0, errShortKey(TypeText, 2, len(b1))
	}
	if len(b2) < 2 {
		return 0, errShortKey(TypeText, 2, len(b2))
	}
	n1, n2 := 2+ReadUint16(b1), 2+ReadUint16(b2)
	if len(b1) < n1 {
		return 0, errShortKey(TypeText, n1, len(b1))
	}
	if len(b2) < n2 {
		return 0, errShortKey(TypeText, n2, len(b2))
	}
	return CompareBytes(b1[2:n1], b2[2:n2]), nil
}

type intComparator struct{}

func (intComparator) Compare(a, b WritableComparable) int { return a.CompareTo(b) }

func (intComparator) CompareRaw(b1, b2 []byte) (int, error) {
	if len(b1) < 4 || len(b2) < 4 {
		return 0, errShortKey(TypeIntWritable, 4, min(len(b1), len(b2)))
	}
	return cmp.Compare(ReadInt32(b1), ReadInt32(b2)), nil
}

type longComparator struct{}

func (longComparator) Compare(a, b WritableComparable) int { return a.CompareTo(b) }

func (longComparator) CompareRaw(b1, b2 []byte) (int, error) {
	if len(b1) < 8 || len(b2) < 8 {
		return 0, errShortKey(TypeLongWritable, 8, min(len(b1), len(b2)))
	}
	return cmp.Compare(ReadInt64(b1), ReadInt64(b2)), nil
}

type floatComparator struct{}

func (floatComparator) Compare(a, b WritableComparable) int { return a.CompareTo(b) }

func (floatComparator) CompareRaw(b1, b2 []byte) (int, error) {
	if len(b1) < 4 || len(b2) < 4 {
		return 0, errShortKey(TypeFloatWritable, 4, min(len(b1), len(b2)))
	}
	return cmp.Compare(ReadFloat32(b1), ReadFloat32(b2)), nil
}
