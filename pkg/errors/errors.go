// Package errors provides the domain error type shared by all txqueue packages.
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Sprintf is a convenience function for fmt.Sprintf
func Sprintf(format string, args ...interface{}) string {
	return fmt.Sprintf(format, args...)
}

// Sentinel errors
var (
	ErrNotFound      = errors.New("resource not found")
	ErrAlreadyExists = errors.New("resource already exists")
	ErrInvalidInput  = errors.New("invalid input")
	ErrUnauthorized  = errors.New("unauthorized access")
	ErrInternal      = errors.New("internal error")
	ErrUnavailable   = errors.New("service unavailable")
	ErrTimeout       = errors.New("operation timed out")
)

// Unwrap provides compatibility with the standard errors package
func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// Is provides compatibility with the standard errors package
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As provides compatibility with the standard errors package
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New creates a new error with the given message
func New(message string) error {
	return errors.New(message)
}

// Error represents a domain error with additional context
type Error struct {
	// Original is the wrapped cause, reachable through errors.Is/As.
	Original error
	// Domain is the domain of the error (e.g., "submission", "queue", "transport")
	Domain string
	// Code is a machine-readable error code
	Code string
	// Message is a human-readable error message
	Message string
	// Operation is the operation that failed (e.g., "Submit", "UpdateStatus")
	Operation string
	// Fields contains additional context about the error
	Fields map[string]interface{}
	// Stack contains the stack trace
	Stack string
}

// Error implements the error interface.
// Format: [Domain.Operation] Code=CODE: Message: Original
func (e *Error) Error() string {
	var sb strings.Builder

	sb.WriteString("[")
	switch {
	case e.Domain != "" && e.Operation != "":
		sb.WriteString(e.Domain + "." + e.Operation)
	case e.Domain != "":
		sb.WriteString(e.Domain)
	default:
		sb.WriteString(e.Operation)
	}
	sb.WriteString("] ")

	if e.Code != "" {
		sb.WriteString("Code=")
		sb.WriteString(e.Code)
		sb.WriteString(": ")
	}

	sb.WriteString(e.Message)

	if e.Original != nil {
		if e.Message != "" {
			sb.WriteString(": ")
		}
		sb.WriteString(e.Original.Error())
	}

	return sb.String()
}

// Unwrap implements the errors.Unwrapper interface
func (e *Error) Unwrap() error {
	return e.Original
}

// clone copies e so wrappers never mutate an error someone else holds.
func (e *Error) clone() *Error {
	c := *e
	if e.Fields != nil {
		c.Fields = make(map[string]interface{}, len(e.Fields))
		for k, v := range e.Fields {
			c.Fields[k] = v
		}
	}
	return &c
}

// asDomain returns a copy of err's domain error, or a fresh one wrapping err.
func asDomain(err error) *Error {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.clone()
	}
	return &Error{Original: err}
}

// WithStack adds a stack trace to the error
func WithStack(err error) error {
	if err == nil {
		return nil
	}

	var domainErr *Error
	if errors.As(err, &domainErr) && domainErr.Stack != "" {
		return err
	}

	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var stackBuilder strings.Builder
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "runtime/") {
			fmt.Fprintf(&stackBuilder, "%s:%d %s\n", frame.File, frame.Line, frame.Function)
		}
		if !more {
			break
		}
	}

	e := asDomain(err)
	e.Stack = stackBuilder.String()
	return e
}

// Wrap wraps an error with a message
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	e := asDomain(err)
	e.Message = message
	return e
}

// WrapWithDomain wraps an error with a domain
func WrapWithDomain(err error, domain string) error {
	if err == nil {
		return nil
	}
	e := asDomain(err)
	e.Domain = domain
	return e
}

// WrapWithOperation wraps an error with an operation
func WrapWithOperation(err error, operation string) error {
	if err == nil {
		return nil
	}
	e := asDomain(err)
	e.Operation = operation
	return e
}

// WrapWithCode wraps an error with a code
func WrapWithCode(err error, code string) error {
	if err == nil {
		return nil
	}
	e := asDomain(err)
	e.Code = code
	return e
}

// WrapWithField wraps an error with a field
func WrapWithField(err error, key string, value interface{}) error {
	if err == nil {
		return nil
	}
	e := asDomain(err)
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

// CodeOf returns the code of the outermost domain error in err's chain.
func CodeOf(err error) string {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return ""
}

// E is a convenience function for creating domain errors.
// Strings fill Message, Domain, Operation and Code in that order.
func E(args ...interface{}) error {
	if len(args) == 0 {
		return nil
	}

	e := &Error{}

	for _, arg := range args {
		switch a := arg.(type) {
		case string:
			switch {
			case e.Message == "":
				e.Message = a
			case e.Domain == "":
				e.Domain = a
			case e.Operation == "":
				e.Operation = a
			case e.Code == "":
				e.Code = a
			}
		case error:
			e.Original = a
		case map[string]interface{}:
			e.Fields = a
		}
	}

	return e
}

// domainError builds the per-domain constructors below.
func domainError(domain, operation, code, message string, err error) *Error {
	return &Error{
		Domain:    domain,
		Operation: operation,
		Code:      code,
		Message:   message,
		Original:  err,
	}
}

// isDomainError reports whether any domain error in err's chain has domain and code.
func isDomainError(err error, domain, code string) bool {
	for err != nil {
		var domainErr *Error
		if !errors.As(err, &domainErr) {
			return false
		}
		if domainErr.Domain == domain && domainErr.Code == code {
			return true
		}
		err = domainErr.Original
	}
	return false
}
