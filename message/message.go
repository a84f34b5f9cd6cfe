// Package message defines the Invocation exchanged between a procedure proxy
// and the server it calls.
//
// An Invocation is the request body of every proxied call. It is written with
// codec.WriteObject per parameter, so the receiving side recovers the declared
// parameter types from the wire alone, without a shared interface definition.
package message

import (
	"fmt"
	"strings"

	"track-rpc/codec"
)

// TypeInvocation is the registry identifier of Invocation.
const TypeInvocation codec.Type = "rpc.Invocation"

// Invocation carries one remote method call.
//
//   - Method is the operation name, e.g. "Echo".
//   - ParamTypes holds the declared wire type of each parameter.
//   - Params holds the values; nil entries are sent as typed nulls.
type Invocation struct {
	Method     string
	ParamTypes []codec.Type
	Params     []any
}

// NewInvocation builds an Invocation. types and params must have equal length.
func NewInvocation(method string, types []codec.Type, params []any) *Invocation {
	return &Invocation{Method: method, ParamTypes: types, Params: params}
}

// Register adds Invocation to reg so servers can decode it as their request type.
func Register(reg *codec.Registry) {
	reg.Register(TypeInvocation, func() codec.Writable { return new(Invocation) }, nil)
}

// MethodName names the call for logs and spans.
func (inv *Invocation) MethodName() string {
	return inv.Method
}

func (inv *Invocation) Write(out *codec.DataOutput) error {
	if len(inv.Params) != len(inv.ParamTypes) {
		return fmt.Errorf("message: %s has %d parameter types but %d values", inv.Method, len(inv.ParamTypes), len(inv.Params))
	}
	if err := out.WriteString(inv.Method); err != nil {
		return err
	}
	if err := out.WriteInt32(int32(len(inv.ParamTypes))); err != nil {
		return err
	}
	for i, t := range inv.ParamTypes {
		if err := codec.WriteObject(out, inv.Params[i], t); err != nil {
			return fmt.Errorf("message: %s parameter %d: %w", inv.Method, i, err)
		}
	}
	return nil
}

func (inv *Invocation) ReadFields(in *codec.DataInput) error {
	method, err := in.ReadString()
	if err != nil {
		return err
	}
	n, err := in.ReadInt32()
	if err != nil {
		return err
	}
	if n < 0 {
		return fmt.Errorf("message: negative parameter count %d", n)
	}
	types := make([]codec.Type, 0, min(int(n), codec.MaxPrealloc))
	params := make([]any, 0, cap(types))
	for i := range int(n) {
		t, v, err := codec.ReadObject(in)
		if err != nil {
			return fmt.Errorf("message: %s parameter %d: %w", method, i, err)
		}
		types, params = append(types, t), append(params, v)
	}
	inv.Method, inv.ParamTypes, inv.Params = method, types, params
	return nil
}

// String renders the call as method(arg, arg).
func (inv *Invocation) String() string {
	var b strings.Builder
	b.WriteString(inv.Method)
	b.WriteByte('(')
	for i, p := range inv.Params {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprint(&b, p)
	}
	b.WriteByte(')')
	return b.String()
}
