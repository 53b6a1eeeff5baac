package extrinsic

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidArguments is wrapped by every argument error a builder returns.
var ErrInvalidArguments = errors.New("invalid arguments")

// Args are the positional arguments of a call. Values may come straight
// out of encoding/json, so numbers can be float64, json.Number or strings.
type Args []any

func argError(i int, name, format string, a ...any) error {
	return fmt.Errorf("%w: argument %d (%s): %s", ErrInvalidArguments, i, name, fmt.Sprintf(format, a...))
}

// Len returns the number of arguments.
func (a Args) Len() int { return len(a) }

// Expect fails unless exactly n arguments are present.
func (a Args) Expect(n int) error {
	if len(a) != n {
		return fmt.Errorf("%w: expected %d arguments, got %d", ErrInvalidArguments, n, len(a))
	}
	return nil
}

func (a Args) at(i int, name string) (any, error) {
	if i < 0 || i >= len(a) {
		return nil, argError(i, name, "missing")
	}
	if a[i] == nil {
		return nil, argError(i, name, "is null")
	}
	return a[i], nil
}

// String returns argument i as a non-empty string.
func (a Args) String(i int, name string) (string, error) {
	v, err := a.at(i, name)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", argError(i, name, "expected string, got %T", v)
	}
	if s == "" {
		return "", argError(i, name, "is empty")
	}
	return s, nil
}

// Uint64 returns argument i as an unsigned integer.
func (a Args) Uint64(i int, name string) (uint64, error) {
	v, err := a.at(i, name)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case uint64:
		return n, nil
	case uint:
		return uint64(n), nil
	case uint32:
		return uint64(n), nil
	case int:
		if n < 0 {
			return 0, argError(i, name, "negative value %d", n)
		}
		return uint64(n), nil
	case int64:
		if n < 0 {
			return 0, argError(i, name, "negative value %d", n)
		}
		return uint64(n), nil
	case float64:
		if n < 0 || n != math.Trunc(n) || n > math.MaxUint64 {
			return 0, argError(i, name, "%v is not an unsigned integer", n)
		}
		return uint64(n), nil
	case json.Number:
		return parseUint(i, name, n.String())
	case string:
		return parseUint(i, name, n)
	default:
		return 0, argError(i, name, "expected unsigned integer, got %T", v)
	}
}

func parseUint(i int, name, s string) (uint64, error) {
	u, err := strconv.ParseUint(strings.ReplaceAll(s, "_", ""), 10, 64)
	if err != nil {
		return 0, argError(i, name, "%q is not an unsigned integer", s)
	}
	return u, nil
}

// Bytes returns argument i as raw bytes. Strings must be 0x-prefixed hex.
func (a Args) Bytes(i int, name string) ([]byte, error) {
	v, err := a.at(i, name)
	if err != nil {
		return nil, err
	}
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		if !strings.HasPrefix(b, "0x") {
			return nil, argError(i, name, "expected 0x-prefixed hex")
		}
		out, err := hex.DecodeString(b[2:])
		if err != nil {
			return nil, argError(i, name, "bad hex: %v", err)
		}
		return out, nil
	default:
		return nil, argError(i, name, "expected bytes, got %T", v)
	}
}

// Strings returns argument i as a non-empty list of non-empty strings.
func (a Args) Strings(i int, name string) ([]string, error) {
	v, err := a.at(i, name)
	if err != nil {
		return nil, err
	}
	var out []string
	switch l := v.(type) {
	case []string:
		out = append(out, l...)
	case []any:
		for j, e := range l {
			s, ok := e.(string)
			if !ok {
				return nil, argError(i, name, "element %d: expected string, got %T", j, e)
			}
			out = append(out, s)
		}
	default:
		return nil, argError(i, name, "expected list of strings, got %T", v)
	}
	if len(out) == 0 {
		return nil, argError(i, name, "is empty")
	}
	for j, s := range out {
		if s == "" {
			return nil, argError(i, name, "element %d is empty", j)
		}
	}
	return out, nil
}
