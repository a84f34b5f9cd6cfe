package codec

import "cmp"

// Int, Long and Float wrap numeric scalars as comparable Writables. Unlike the
// bare int primitive inside an ObjectWritable, an Int always carries its four
// bytes on the wire.

type Int struct {
	Value int32
}

func NewInt(v int32) *Int { return &Int{Value: v} }

func (i *Int) Write(out *DataOutput) error { return out.WriteInt32(i.Value) }

func (i *Int) ReadFields(in *DataInput) (err error) {
	i.Value, err = in.ReadInt32()
	return err
}

func (i *Int) CompareTo(other WritableComparable) int {
	return cmp.Compare(i.Value, other.(*Int).Value)
}

type Long struct {
	Value int64
}

func NewLong(v int64) *Long { return &Long{Value: v} }

func (l *Long) Write(out *DataOutput) error { return out.WriteInt64(l.Value) }

func (l *Long) ReadFields(in *DataInput) (err error) {
	l.Value, err = in.ReadInt64()
	return err
}

func (l *Long) CompareTo(other WritableComparable) int {
	return cmp.Compare(l.Value, other.(*Long).Value)
}

type Float struct {
	Value float32
}

func NewFloat(v float32) *Float { return &Float{Value: v} }

func (f *Float) Write(out *DataOutput) error { return out.WriteFloat32(f.Value) }

func (f *Float) ReadFields(in *DataInput) (err error) {
	f.Value, err = in.ReadFloat32()
	return err
}

func (f *Float) CompareTo(other WritableComparable) int {
	return cmp.Compare(f.Value, other.(*Float).Value)
}
