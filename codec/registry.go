package codec

import (
	"fmt"
	"reflect"
	"sync"
)

// entry is one registered type.
type entry struct {
	ctor func() Writable // nil means default construction from typ
	typ  reflect.Type    // Go type produced by ctor
	cmp  RawComparator   // nil means the default decoding comparator
}

// Registry maps type identifiers to constructors and comparators. It is used
// by DataInput to instantiate the right concrete type while decoding, and by
// DataOutput to name the runtime type of a Writable while encoding.
//
// A Registry is safe for concurrent registration and lookup. Create one at
// process start and hand it to every client and server that shares a wire
// vocabulary.
type Registry struct {
	mu      sync.RWMutex
	entries map[Type]*entry
	names   map[reflect.Type]Type
}

// NewRegistry returns a Registry with the built-in value types registered.
func NewRegistry() *Registry {
	r := &Registry{
		entries: make(map[Type]*entry),
		names:   make(map[reflect.Type]Type),
	}
	r.Register(TypeText, func() Writable { return new(Text) }, textComparator{})
	r.Register(TypeIntWritable, func() Writable { return new(Int) }, intComparator{})
	r.Register(TypeLongWritable, func() Writable { return new(Long) }, longComparator{})
	r.Register(TypeFloatWritable, func() Writable { return new(Float) }, floatComparator{})
	r.Register(TypeObjectWritable, func() Writable { return new(ObjectWritable) }, nil)
	r.Register(TypeTextArray, func() Writable { return NewTextArray(nil) }, nil)
	return r
}

// Register binds id to a constructor and an optional raw comparator. It
// panics on an empty id, a nil constructor or an identifier reserved for
// primitives, strings and arrays.
func (r *Registry) Register(id Type, ctor func() Writable, cmp RawComparator) {
	if ctor == nil {
		panic(fmt.Sprintf("codec: registering %q: nil constructor", id))
	}
	r.add(id, &entry{ctor: ctor, typ: reflect.TypeOf(ctor()), cmp: cmp})
}

// RegisterType binds id to the Go type of prototype. Instances are built by
// allocating a fresh zero value of that type, which requires prototype to be a
// pointer; other kinds fail at NewInstance with an InstantiationError.
func (r *Registry) RegisterType(id Type, prototype Writable) {
	if prototype == nil {
		panic(fmt.Sprintf("codec: registering %q: nil prototype", id))
	}
	r.add(id, &entry{typ: reflect.TypeOf(prototype)})
}

// SetComparator replaces the raw comparator of a registered type.
func (r *Registry) SetComparator(id Type, cmp RawComparator) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return &UnknownTypeError{ID: string(id)}
	}
	e.cmp = cmp
	return nil
}

func (r *Registry) add(id Type, e *entry) {
	if id == "" || id == TypeString || id == typeNull || id.IsPrimitive() || id.IsArray() {
		panic(fmt.Sprintf("codec: registering %q: reserved type identifier", id))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = e
	r.names[e.typ] = id
}

// Lookup returns the constructor registered for id.
func (r *Registry) Lookup(id Type) (func() Writable, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	if e.ctor != nil {
		return e.ctor, true
	}
	return func() Writable {
		w, _ := newDefault(id, e.typ)
		return w
	}, true
}

// NewInstance returns a fresh value of the type registered under id.
func (r *Registry) NewInstance(id Type) (Writable, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownTypeError{ID: string(id)}
	}
	if e.ctor != nil {
		w := e.ctor()
		if w == nil {
			return nil, &InstantiationError{ID: string(id), Reason: "constructor returned nil"}
		}
		return w, nil
	}
	return newDefault(id, e.typ)
}

func newDefault(id Type, t reflect.Type) (Writable, error) {
	if t.Kind() != reflect.Pointer {
		return nil, &InstantiationError{ID: string(id), Reason: fmt.Sprintf("%s has no zero-argument constructor", t)}
	}
	w, ok := reflect.New(t.Elem()).Interface().(Writable)
	if !ok {
		return nil, &InstantiationError{ID: string(id), Reason: fmt.Sprintf("%s does not implement Writable", t)}
	}
	return w, nil
}

// ComparatorFor returns the raw comparator registered for id, falling back to
// one that decodes both sides and calls CompareTo.
func (r *Registry) ComparatorFor(id Type) (RawComparator, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownTypeError{ID: string(id)}
	}
	if e.cmp != nil {
		return e.cmp, nil
	}
	if !e.typ.Implements(reflect.TypeFor[WritableComparable]()) {
		return nil, fmt.Errorf("codec: %q is not comparable", id)
	}
	return &decodingComparator{reg: r, id: id}, nil
}

// TypeOf returns the wire identifier for the runtime type of v.
func (r *Registry) TypeOf(v any) (Type, error) {
	if v == nil {
		return "", fmt.Errorf("codec: cannot name the type of nil")
	}
	return r.TypeFor(reflect.TypeOf(v))
}

// TypeFor maps a Go type onto its wire identifier: primitive Go kinds to the
// primitive identifiers, string to TypeString, slices to arrays, and
// registered Writable types to their registered identifier.
func (r *Registry) TypeFor(t reflect.Type) (Type, error) {
	r.mu.RLock()
	id, ok := r.names[t]
	r.mu.RUnlock()
	switch {
	case ok:
		return id, nil
	case t.Kind() == reflect.String:
		return TypeString, nil
	case t.Kind() == reflect.Slice:
		elem, err := r.TypeFor(t.Elem())
		if err != nil {
			return "", err
		}
		return ArrayOf(elem), nil
	}
	if id, ok := primitiveNames[t]; ok {
		return id, nil
	}
	return "", &UnknownTypeError{ID: t.String()}
}

// GoType returns the Go type decoded values of id are stored in. Registered
// types decode into Writable so subtypes stay assignable.
func (r *Registry) GoType(id Type) reflect.Type {
	switch {
	case id == TypeString:
		return reflect.TypeFor[string]()
	case id.IsArray():
		return reflect.SliceOf(r.GoType(id.Elem()))
	case id.IsPrimitive():
		if t := primitives[id]; t != nil {
			return t
		}
		return anyType
	}
	return writableType
}
