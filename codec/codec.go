// Package codec implements the self-describing binary serialization framework
// carried on the wire.
//
// Every wire-carried value is a Writable: it writes itself to a DataOutput and
// populates itself from a DataInput. Scalars are fixed-width big-endian, strings
// are modified UTF-8 with a 2-byte length prefix, and arbitrary values travel
// inside an ObjectWritable which records the type identifier needed to rebuild
// them through a Registry.
//
//	ObjectWritable payload:
//	┌────────────────────┬──────────────────────────────┐
//	│ uint16 len | id    │ type-specific body           │
//	└────────────────────┴──────────────────────────────┘
package codec

import (
	"encoding/binary"
	"io"
	"math"
)

// Writable is a value that can serialize itself to and deserialize itself
// from a binary stream.
type Writable interface {
	Write(out *DataOutput) error
	ReadFields(in *DataInput) error
}

// WritableComparable is a Writable with a total ordering. The ordering must be
// consistent with the one its raw comparator derives from the encoded bytes.
type WritableComparable interface {
	Writable
	CompareTo(other WritableComparable) int
}

// DataOutput writes big-endian scalars and modified UTF-8 strings to an
// underlying writer. It carries the Registry used to name Writable values.
type DataOutput struct {
	w   io.Writer
	reg *Registry
	buf [8]byte
}

// NewDataOutput wraps w. A nil reg is replaced by a fresh NewRegistry().
func NewDataOutput(w io.Writer, reg *Registry) *DataOutput {
	if reg == nil {
		reg = NewRegistry()
	}
	return &DataOutput{w: w, reg: reg}
}

// Registry returns the type registry bound to this stream.
func (o *DataOutput) Registry() *Registry {
	return o.reg
}

// Write writes p verbatim.
func (o *DataOutput) Write(p []byte) (int, error) {
	return o.w.Write(p)
}

func (o *DataOutput) writeN(n int) error {
	_, err := o.w.Write(o.buf[:n])
	return err
}

func (o *DataOutput) WriteBool(v bool) error {
	o.buf[0] = 0
	if v {
		o.buf[0] = 1
	}
	return o.writeN(1)
}

func (o *DataOutput) WriteInt8(v int8) error {
	o.buf[0] = byte(v)
	return o.writeN(1)
}

// WriteUint16 writes a 2-byte unsigned value; it also carries char primitives.
func (o *DataOutput) WriteUint16(v uint16) error {
	binary.BigEndian.PutUint16(o.buf[:2], v)
	return o.writeN(2)
}

func (o *DataOutput) WriteInt16(v int16) error {
	return o.WriteUint16(uint16(v))
}

func (o *DataOutput) WriteInt32(v int32) error {
	binary.BigEndian.PutUint32(o.buf[:4], uint32(v))
	return o.writeN(4)
}

func (o *DataOutput) WriteInt64(v int64) error {
	binary.BigEndian.PutUint64(o.buf[:8], uint64(v))
	return o.writeN(8)
}

func (o *DataOutput) WriteFloat32(v float32) error {
	return o.WriteInt32(int32(math.Float32bits(v)))
}

func (o *DataOutput) WriteFloat64(v float64) error {
	return o.WriteInt64(int64(math.Float64bits(v)))
}

// WriteString writes s as a 2-byte length followed by its modified UTF-8
// bytes. Strings that would encode to more than MaxStringBytes are truncated
// first, see EncodeString.
func (o *DataOutput) WriteString(s string) error {
	b := EncodeString(s)
	if err := o.WriteUint16(uint16(len(b))); err != nil {
		return err
	}
	_, err := o.w.Write(b)
	return err
}

// DataInput is the reading half of DataOutput.
type DataInput struct {
	r   io.Reader
	reg *Registry
	buf [8]byte
}

// NewDataInput wraps r. A nil reg is replaced by a fresh NewRegistry().
func NewDataInput(r io.Reader, reg *Registry) *DataInput {
	if reg == nil {
		reg = NewRegistry()
	}
	return &DataInput{r: r, reg: reg}
}

// Registry returns the type registry used to construct decoded values.
func (in *DataInput) Registry() *Registry {
	return in.reg
}

// ReadFull reads exactly len(p) bytes.
func (in *DataInput) ReadFull(p []byte) error {
	_, err := io.ReadFull(in.r, p)
	return err
}

// Skip discards n bytes.
func (in *DataInput) Skip(n int) error {
	_, err := io.CopyN(io.Discard, in.r, int64(n))
	return err
}

func (in *DataInput) readN(n int) ([]byte, error) {
	if _, err := io.ReadFull(in.r, in.buf[:n]); err != nil {
		return nil, err
	}
	return in.buf[:n], nil
}

func (in *DataInput) ReadBool() (bool, error) {
	b, err := in.readN(1)
	if err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

func (in *DataInput) ReadInt8() (int8, error) {
	b, err := in.readN(1)
	if err != nil {
		return 0, err
	}
	return int8(b[0]), nil
}

func (in *DataInput) ReadUint16() (uint16, error) {
	b, err := in.readN(2)
	if err != nil {
		return 0, err
	}
	return uint16(ReadUint16(b)), nil
}

func (in *DataInput) ReadInt16() (int16, error) {
	v, err := in.ReadUint16()
	return int16(v), err
}

func (in *DataInput) ReadInt32() (int32, error) {
	b, err := in.readN(4)
	if err != nil {
		return 0, err
	}
	return ReadInt32(b), nil
}

func (in *DataInput) ReadInt64() (int64, error) {
	b, err := in.readN(8)
	if err != nil {
		return 0, err
	}
	return ReadInt64(b), nil
}

func (in *DataInput) ReadFloat32() (float32, error) {
	b, err := in.readN(4)
	if err != nil {
		return 0, err
	}
	return ReadFloat32(b), nil
}

func (in *DataInput) ReadFloat64() (float64, error) {
	b, err := in.readN(8)
	if err != nil {
		return 0, err
	}
	return ReadFloat64(b), nil
}

// ReadString reads a length-prefixed modified UTF-8 string.
func (in *DataInput) ReadString() (string, error) {
	n, err := in.ReadUint16()
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if err := in.ReadFull(b); err != nil {
		return "", err
	}
	return DecodeString(b)
}

// MaxPrealloc bounds how many elements a decoder reserves up front for a
// count read off the wire. Longer sequences grow as elements actually arrive.
const MaxPrealloc = 1024

func preallocLen(n int32) int {
	return min(int(n), MaxPrealloc)
}
