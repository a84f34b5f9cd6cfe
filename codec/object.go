package codec

import (
	"fmt"
	"reflect"
)

// ObjectWritable pairs a value with its declared type so the receiver can
// rebuild it without prior schema knowledge.
type ObjectWritable struct {
	declared Type
	instance any
}

// NewObjectWritable wraps instance, which may be nil, under the declared type.
func NewObjectWritable(declared Type, instance any) *ObjectWritable {
	return &ObjectWritable{declared: declared, instance: instance}
}

func (w *ObjectWritable) Get() any {
	return w.instance
}

func (w *ObjectWritable) DeclaredType() Type {
	return w.declared
}

// Set replaces the instance and takes its runtime type as the declared type.
func (w *ObjectWritable) Set(reg *Registry, instance any) error {
	t, err := reg.TypeOf(instance)
	if err != nil {
		return err
	}
	w.declared, w.instance = t, instance
	return nil
}

func (w *ObjectWritable) Write(out *DataOutput) error {
	return WriteObject(out, w.instance, w.declared)
}

func (w *ObjectWritable) ReadFields(in *DataInput) error {
	t, v, err := ReadObject(in)
	if err != nil {
		return err
	}
	w.declared, w.instance = t, v
	return nil
}

func (w *ObjectWritable) String() string {
	return fmt.Sprintf("%s(%v)", w.declared, w.instance)
}

// WriteObject encodes instance under its declared type:
//
//   - an absent instance is written as the null tag followed by declared;
//   - a Writable is written under its own runtime type, overriding declared;
//   - anything else is written as declared followed by an array count and
//     elements, a string, or a fixed-width primitive.
//
// The int primitive has no body on the wire; only its type identifier is written.
func WriteObject(out *DataOutput, instance any, declared Type) error {
	if isAbsent(instance) {
		if err := out.WriteString(string(typeNull)); err != nil {
			return err
		}
		return out.WriteString(string(declared))
	}
	if w, ok := instance.(Writable); ok {
		id, err := out.Registry().TypeOf(w)
		if err != nil {
			return err
		}
		if err := out.WriteString(string(id)); err != nil {
			return err
		}
		return w.Write(out)
	}
	if err := out.WriteString(string(declared)); err != nil {
		return err
	}

	switch {
	case declared.IsArray():
		v := reflect.ValueOf(instance)
		if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
			return fmt.Errorf("codec: cannot write %T as %s", instance, declared)
		}
		if err := out.WriteInt32(int32(v.Len())); err != nil {
			return err
		}
		elem := declared.Elem()
		for i := 0; i < v.Len(); i++ {
			if err := WriteObject(out, v.Index(i).Interface(), elem); err != nil {
				return err
			}
		}
		return nil
	case declared == TypeString:
		s, ok := instance.(string)
		if !ok {
			return fmt.Errorf("codec: cannot write %T as %s", instance, declared)
		}
		return out.WriteString(s)
	case declared.IsPrimitive():
		return writePrimitive(out, instance, declared)
	}
	return fmt.Errorf("codec: cannot write %T as %s", instance, declared)
}

func writePrimitive(out *DataOutput, instance any, declared Type) error {
	var err error
	ok := true
	switch declared {
	case TypeBoolean:
		var v bool
		if v, ok = instance.(bool); ok {
			err = out.WriteBool(v)
		}
	case TypeChar:
		var v uint16
		if v, ok = instance.(uint16); ok {
			err = out.WriteUint16(v)
		}
	case TypeByte:
		var v int8
		if v, ok = instance.(int8); ok {
			err = out.WriteInt8(v)
		}
	case TypeShort:
		var v int16
		if v, ok = instance.(int16); ok {
			err = out.WriteInt16(v)
		}
	case TypeInt:
		// Known gap: the int body is never written. ReadObject mirrors it.
		_, ok = instance.(int32)
	case TypeLong:
		var v int64
		if v, ok = instance.(int64); ok {
			err = out.WriteInt64(v)
		}
	case TypeFloat:
		var v float32
		if v, ok = instance.(float32); ok {
			err = out.WriteFloat32(v)
		}
	case TypeDouble:
		var v float64
		if v, ok = instance.(float64); ok {
			err = out.WriteFloat64(v)
		}
	case TypeVoid:
	}
	if !ok {
		return fmt.Errorf("codec: cannot write %T as %s", instance, declared)
	}
	return err
}

// ReadObject decodes one value written by WriteObject and returns it with its
// resolved type. For a null tag the declared type is returned with a nil value.
func ReadObject(in *DataInput) (Type, any, error) {
	id, err := in.ReadString()
	if err != nil {
		return "", nil, err
	}
	t := Type(id)

	switch {
	case t == typeNull:
		declared, err := in.ReadString()
		if err != nil {
			return "", nil, err
		}
		if err := in.Registry().resolve(Type(declared)); err != nil {
			return "", nil, err
		}
		return Type(declared), nil, nil
	case t.IsPrimitive():
		v, err := readPrimitive(in, t)
		return t, v, err
	case t.IsArray():
		v, err := readArray(in, t)
		return t, v, err
	case t == TypeString:
		s, err := in.ReadString()
		return t, s, err
	}

	w, err := in.Registry().NewInstance(t)
	if err != nil {
		return "", nil, err
	}
	if err := w.ReadFields(in); err != nil {
		return "", nil, fmt.Errorf("codec: decode %s: %w", t, err)
	}
	return t, w, nil
}

func readPrimitive(in *DataInput, t Type) (any, error) {
	switch t {
	case TypeBoolean:
		return in.ReadBool()
	case TypeChar:
		return in.ReadUint16()
	case TypeByte:
		return in.ReadInt8()
	case TypeShort:
		return in.ReadInt16()
	case TypeInt:
		// Nothing was written for it; yield the zero value.
		return int32(0), nil
	case TypeLong:
		return in.ReadInt64()
	case TypeFloat:
		return in.ReadFloat32()
	case TypeDouble:
		return in.ReadFloat64()
	}
	return nil, nil
}

// readArray builds a slice of the component type's Go representation, so a
// []string decodes as []string and an array of registered values as []Writable.
func readArray(in *DataInput, t Type) (any, error) {
	n, err := in.ReadInt32()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("codec: negative array length %d", n)
	}
	elemType := in.Registry().GoType(t.Elem())
	slice := reflect.MakeSlice(reflect.SliceOf(elemType), 0, preallocLen(n))
	for i := 0; i < int(n); i++ {
		_, v, err := ReadObject(in)
		if err != nil {
			return nil, err
		}
		if v == nil {
			slice = reflect.Append(slice, reflect.Zero(elemType))
			continue
		}
		rv := reflect.ValueOf(v)
		if !rv.Type().AssignableTo(elemType) {
			return nil, fmt.Errorf("codec: %s element %d has type %T", t, i, v)
		}
		slice = reflect.Append(slice, rv)
	}
	return slice.Interface(), nil
}

// resolve checks that id names a known type without constructing it.
func (r *Registry) resolve(id Type) error {
	switch {
	case id.IsPrimitive(), id == TypeString:
		return nil
	case id.IsArray():
		return r.resolve(id.Elem())
	}
	r.mu.RLock()
	_, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return &UnknownTypeError{ID: string(id)}
	}
	return nil
}

func isAbsent(v any) bool {
	if v == nil {
		return true
	}
	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Pointer, reflect.Slice, reflect.Map, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
