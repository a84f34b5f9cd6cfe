package codec

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownType matches any *UnknownTypeError via errors.Is.
	ErrUnknownType = errors.New("codec: unknown type")
	// ErrInstantiation matches any *InstantiationError via errors.Is.
	ErrInstantiation = errors.New("codec: cannot instantiate type")
)

// UnknownTypeError reports a type identifier that could not be resolved.
type UnknownTypeError struct {
	ID string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("codec: unknown type %q", e.ID)
}

func (e *UnknownTypeError) Is(target error) bool {
	return target == ErrUnknownType
}

// InstantiationError reports a registered type that could not be constructed.
type InstantiationError struct {
	ID     string
	Reason string
}

func (e *InstantiationError) Error() string {
	return fmt.Sprintf("codec: cannot instantiate %q: %s", e.ID, e.Reason)
}

func (e *InstantiationError) Is(target error) bool {
	return target == ErrInstantiation
}
