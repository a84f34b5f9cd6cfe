package codec

import (
	"reflect"
	"strings"
)

// Type is a wire type identifier. Primitive kinds, strings and arrays have
// fixed identifiers; every other type is named by its Registry entry.
type Type string

// Primitive and built-in type identifiers.
const (
	TypeBoolean Type = "boolean"
	TypeChar    Type = "char"
	TypeByte    Type = "byte"
	TypeShort   Type = "short"
	TypeInt     Type = "int"
	TypeLong    Type = "long"
	TypeFloat   Type = "float"
	TypeDouble  Type = "double"
	TypeVoid    Type = "void"
	TypeString  Type = "string"

	TypeText           Type = "io.Text"
	TypeIntWritable    Type = "io.IntWritable"
	TypeLongWritable   Type = "io.LongWritable"
	TypeFloatWritable  Type = "io.FloatWritable"
	TypeObjectWritable Type = "io.ObjectWritable"
	TypeTextArray      Type = "io.TextArray"

	// typeNull tags an absent instance; the declared type follows it.
	typeNull Type = "io.NullInstance"
)

const arrayPrefix = "["

var (
	writableType = reflect.TypeFor[Writable]()
	anyType      = reflect.TypeFor[any]()
)

// primitives maps each primitive identifier to the Go type carrying it.
var primitives = map[Type]reflect.Type{
	TypeBoolean: reflect.TypeFor[bool](),
	TypeChar:    reflect.TypeFor[uint16](),
	TypeByte:    reflect.TypeFor[int8](),
	TypeShort:   reflect.TypeFor[int16](),
	TypeInt:     reflect.TypeFor[int32](),
	TypeLong:    reflect.TypeFor[int64](),
	TypeFloat:   reflect.TypeFor[float32](),
	TypeDouble:  reflect.TypeFor[float64](),
	TypeVoid:    nil,
}

var primitiveNames = func() map[reflect.Type]Type {
	m := make(map[reflect.Type]Type, len(primitives))
	for id, t := range primitives {
		if t != nil {
			m[t] = id
		}
	}
	return m
}()

// ArrayOf returns the identifier of an array whose elements have type elem.
func ArrayOf(elem Type) Type {
	return Type(arrayPrefix + string(elem))
}

func (t Type) IsArray() bool {
	return strings.HasPrefix(string(t), arrayPrefix)
}

// Elem returns the component type of an array type, or "" for non-arrays.
func (t Type) Elem() Type {
	if !t.IsArray() {
		return ""
	}
	return Type(strings.TrimPrefix(string(t), arrayPrefix))
}

func (t Type) IsPrimitive() bool {
	_, ok := primitives[t]
	return ok
}

func (t Type) String() string {
	return string(t)
}
