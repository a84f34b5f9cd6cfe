package codec

import "fmt"

// ArrayWritable is a length-prefixed sequence of Writables that all share one
// element type. The element type is not written on the wire: the reading side
// must already know it, typically through a registered constructor.
type ArrayWritable struct {
	elemType Type
	values   []Writable
}

func NewArrayWritable(elemType Type, values ...Writable) *ArrayWritable {
	return &ArrayWritable{elemType: elemType, values: values}
}

// SetElementType changes the element type. Stored values are dropped when the
// type actually changes.
func (a *ArrayWritable) SetElementType(t Type) {
	if t != a.elemType {
		a.elemType = t
		a.values = nil
	}
}

func (a *ArrayWritable) ElementType() Type {
	return a.elemType
}

func (a *ArrayWritable) Get() []Writable {
	return a.values
}

func (a *ArrayWritable) Set(values []Writable) {
	a.values = values
}

func (a *ArrayWritable) Len() int {
	return len(a.values)
}

// Strings renders every element with fmt.
func (a *ArrayWritable) Strings() []string {
	out := make([]string, len(a.values))
	for i, v := range a.values {
		out[i] = fmt.Sprint(v)
	}
	return out
}

func (a *ArrayWritable) Write(out *DataOutput) error {
	if err := out.WriteInt32(int32(len(a.values))); err != nil {
		return err
	}
	for i, v := range a.values {
		if v == nil {
			return fmt.Errorf("codec: array element %d is nil", i)
		}
		if err := v.Write(out); err != nil {
			return err
		}
	}
	return nil
}

func (a *ArrayWritable) ReadFields(in *DataInput) error {
	n, err := in.ReadInt32()
	if err != nil {
		return err
	}
	if n < 0 {
		return fmt.Errorf("codec: negative array length %d", n)
	}
	if a.elemType == "" {
		return &InstantiationError{ID: "", Reason: "array element type is not set"}
	}
	values := make([]Writable, 0, preallocLen(n))
	for range n {
		v, err := in.Registry().NewInstance(a.elemType)
		if err != nil {
			return err
		}
		if err := v.ReadFields(in); err != nil {
			return err
		}
		values = append(values, v)
	}
	a.values = values
	return nil
}

// TextArray is an ArrayWritable of Text, registered as TypeTextArray.
type TextArray struct {
	ArrayWritable
}

func NewTextArray(ss []string) *TextArray {
	a := &TextArray{ArrayWritable{elemType: TypeText}}
	if ss != nil {
		a.values = make([]Writable, len(ss))
		for i, s := range ss {
			a.values[i] = NewText(s)
		}
	}
	return a
}
