package proxy

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"track-rpc/codec"
	"track-rpc/message"
)

var (
	errorType   = reflect.TypeFor[error]()
	contextType = reflect.TypeFor[context.Context]()
)

type methodType struct {
	method     reflect.Method
	withCtx    bool
	params     []reflect.Type
	paramTypes []codec.Type
	returnType codec.Type // TypeVoid for methods without a result
	returnsErr bool
}

// Dispatcher resolves incoming Invocations against the exported methods of
// an implementation and calls them. It is a server.Handler.
type Dispatcher struct {
	name   string
	rcvr   reflect.Value
	reg    *codec.Registry
	method map[string]*methodType
}

// NewDispatcher scans impl for exported methods of the form
//
//	func (T) Name([ctx context.Context,] p1 P1, ...) ([R] [, error])
//
// whose parameter and result types all have a wire type in reg. Other
// methods are ignored.
func NewDispatcher(impl any, reg *codec.Registry) (*Dispatcher, error) {
	if impl == nil {
		return nil, fmt.Errorf("proxy: nil implementation")
	}
	if reg == nil {
		reg = codec.NewRegistry()
	}
	typ := reflect.TypeOf(impl)
	d := &Dispatcher{
		name:   typ.String(),
		rcvr:   reflect.ValueOf(impl),
		reg:    reg,
		method: make(map[string]*methodType),
	}
	for i := 0; i < typ.NumMethod(); i++ {
		if mt, ok := d.scan(typ.Method(i)); ok {
			d.method[mt.method.Name] = mt
		}
	}
	if len(d.method) == 0 {
		return nil, fmt.Errorf("proxy: %s has no callable methods", d.name)
	}
	return d, nil
}

func (d *Dispatcher) scan(m reflect.Method) (*methodType, bool) {
	ft := m.Type
	if ft.IsVariadic() {
		return nil, false
	}
	mt := &methodType{method: m, returnType: codec.TypeVoid}

	first := 1 // In(0) is the receiver
	if ft.NumIn() > 1 && ft.In(1) == contextType {
		mt.withCtx = true
		first = 2
	}
	for i := first; i < ft.NumIn(); i++ {
		id, err := d.reg.TypeFor(ft.In(i))
		if err != nil {
			return nil, false
		}
		mt.params = append(mt.params, ft.In(i))
		mt.paramTypes = append(mt.paramTypes, id)
	}

	outs := ft.NumOut()
	if outs > 0 && ft.Out(outs-1) == errorType {
		mt.returnsErr = true
		outs--
	}
	switch outs {
	case 0:
	case 1:
		id, err := d.reg.TypeFor(ft.Out(0))
		if err != nil {
			return nil, false
		}
		mt.returnType = id
	default:
		return nil, false
	}
	return mt, true
}

// Methods lists the callable method names in order.
func (d *Dispatcher) Methods() []string {
	names := make([]string, 0, len(d.method))
	for name := range d.method {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Call invokes the method an Invocation names and wraps its result, a void
// result included, in an ObjectWritable under the method's declared return
// type. An error returned by the method is returned as is, so the caller sees
// its text as a remote error.
func (d *Dispatcher) Call(ctx context.Context, req codec.Writable) (codec.Writable, error) {
	inv, ok := req.(*message.Invocation)
	if !ok {
		return nil, fmt.Errorf("proxy: unexpected request %T", req)
	}
	mt, err := d.resolve(inv)
	if err != nil {
		return nil, err
	}

	args := make([]reflect.Value, 0, len(mt.params)+2)
	args = append(args, d.rcvr)
	if mt.withCtx {
		args = append(args, reflect.ValueOf(ctx))
	}
	for i, t := range mt.params {
		v, err := convert(reflect.ValueOf(inv.Params[i]), t)
		if err != nil {
			return nil, fmt.Errorf("proxy: %s parameter %d: %w", inv.Method, i, err)
		}
		args = append(args, v)
	}

	results := mt.method.Func.Call(args)
	if mt.returnsErr {
		if errv := results[len(results)-1]; !errv.IsNil() {
			return nil, errv.Interface().(error)
		}
	}
	if mt.returnType == codec.TypeVoid {
		return codec.NewObjectWritable(codec.TypeVoid, nil), nil
	}
	return codec.NewObjectWritable(mt.returnType, results[0].Interface()), nil
}

// resolve matches the method name and the declared parameter types.
func (d *Dispatcher) resolve(inv *message.Invocation) (*methodType, error) {
	mt, ok := d.method[inv.Method]
	if !ok || !slices.Equal(mt.paramTypes, inv.ParamTypes) || len(inv.Params) != len(inv.ParamTypes) {
		return nil, fmt.Errorf("%w: %s.%s(%s)", ErrNoSuchMethod, d.name, inv.Method, joinTypes(inv.ParamTypes))
	}
	return mt, nil
}

func joinTypes(types []codec.Type) string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}

// convert makes a decoded value usable as t. Decoded arrays of registered
// types arrive as []codec.Writable and are rebuilt element by element.
func convert(rv reflect.Value, t reflect.Type) (reflect.Value, error) {
	if rv.IsValid() && rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			rv = reflect.Value{}
		} else {
			rv = rv.Elem()
		}
	}
	if !rv.IsValid() {
		switch t.Kind() {
		case reflect.Pointer, reflect.Interface, reflect.Slice, reflect.Map:
			return reflect.Zero(t), nil
		}
		return reflect.Value{}, fmt.Errorf("nil cannot be used as %s", t)
	}
	if rv.Type().AssignableTo(t) {
		return rv, nil
	}
	if rv.Kind() == reflect.Slice && t.Kind() == reflect.Slice {
		out := reflect.MakeSlice(t, rv.Len(), rv.Len())
		for i := 0; i < rv.Len(); i++ {
			ev, err := convert(rv.Index(i), t.Elem())
			if err != nil {
				return reflect.Value{}, fmt.Errorf("element %d: %w", i, err)
			}
			out.Index(i).Set(ev)
		}
		return out, nil
	}
	return reflect.Value{}, fmt.Errorf("%s cannot be used as %s", rv.Type(), t)
}
