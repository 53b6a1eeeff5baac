package submit

import (
	"github.com/cmatc13/txqueue/internal/extrinsic"
)

// Source says what a submission sends: a prebuilt extrinsic, or an
// operation to resolve through the registry.
type Source struct {
	prebuilt  *extrinsic.Extrinsic
	operation string
	args      []any
	construct func() ([]any, error)
}

// Prebuilt submits x as is. The registry is not consulted.
func Prebuilt(x *extrinsic.Extrinsic) Source {
	return Source{prebuilt: x}
}

// Call resolves operation ("section.method") with args.
func Call(operation string, args ...any) Source {
	return Source{operation: operation, args: args}
}

// CallFn resolves operation with the arguments fn returns at submit time.
func CallFn(operation string, fn func() ([]any, error)) Source {
	return Source{operation: operation, construct: fn}
}

// Operation returns the operation name, or the prebuilt extrinsic's name.
func (s Source) Operation() string {
	if s.prebuilt != nil {
		return s.prebuilt.Name()
	}
	return s.operation
}

func (s Source) empty() bool {
	return s.prebuilt == nil && s.operation == ""
}
