package extrinsic

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	apperrors "github.com/cmatc13/txqueue/pkg/errors"
)

// ErrUnknownOperation is wrapped when a name is not in the registry.
var ErrUnknownOperation = errors.New("unknown operation")

// Builder turns positional arguments into a typed call value.
type Builder func(args Args) (any, error)

// Registry is a closed table of "section.method" names to builders.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

func splitName(name string) (section, method string, ok bool) {
	section, method, ok = strings.Cut(name, ".")
	if !ok || section == "" || method == "" || strings.Contains(method, ".") {
		return "", "", false
	}
	return section, method, true
}

// Register adds a builder. Names must have the form "section.method" and
// may only be registered once.
func (r *Registry) Register(name string, b Builder) error {
	if _, _, ok := splitName(name); !ok {
		return fmt.Errorf("invalid operation name %q: expected section.method", name)
	}
	if b == nil {
		return fmt.Errorf("nil builder for %s", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.builders[name]; exists {
		return fmt.Errorf("operation %s is already registered", name)
	}
	r.builders[name] = b
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(name string, b Builder) {
	if err := r.Register(name, b); err != nil {
		panic(err)
	}
}

// Has reports whether name resolves.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[name]
	return ok
}

// Operations lists the registered names in sorted order.
func (r *Registry) Operations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve builds the extrinsic for name. Unknown or malformed names fail
// with SUBMISSION_UNKNOWN_OPERATION, bad arguments with
// SUBMISSION_INVALID_ARGUMENTS.
func (r *Registry) Resolve(name string, args []any) (*Extrinsic, error) {
	section, method, ok := splitName(name)
	r.mu.RLock()
	b := r.builders[name]
	r.mu.RUnlock()
	if !ok || b == nil {
		return nil, apperrors.WrapWithField(
			apperrors.NewBuilderError(apperrors.SubmissionErrUnknownOperation,
				fmt.Sprintf("no builder for %q", name), ErrUnknownOperation),
			"operation", name)
	}

	call, err := b(Args(args))
	if err != nil {
		if !errors.Is(err, ErrInvalidArguments) {
			err = fmt.Errorf("%w: %v", ErrInvalidArguments, err)
		}
		return nil, apperrors.WrapWithField(
			apperrors.NewBuilderError(apperrors.SubmissionErrInvalidArguments, fmt.Sprintf("building %s", name), err),
			"operation", name)
	}

	return New(section, method, call)
}
