// Package tableerr defines the typed errors surfaced by table operations.
//
// Every error carries a Code. Sentinel values such as ErrSchemaViolation match any *Error with the
// same code through errors.Is, including errors wrapped with fmt.Errorf("...: %w", err).
package tableerr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

type Code int

const (
	CodeUnknown Code = iota
	CodeSchemaViolation
	CodeIncompatibleSchemas
	CodeSortOrderViolation
	CodeUniqueKeyViolation
	CodeLockConflict
	CodeNotFound
	CodeAlreadyExists
	CodeInvalidArgument
)

func (c Code) String() string {
	switch c {
	case CodeSchemaViolation:
		return "schema_violation"
	case CodeIncompatibleSchemas:
		return "incompatible_schemas"
	case CodeSortOrderViolation:
		return "sort_order_violation"
	case CodeUniqueKeyViolation:
		return "unique_key_violation"
	case CodeLockConflict:
		return "lock_conflict"
	case CodeNotFound:
		return "not_found"
	case CodeAlreadyExists:
		return "already_exists"
	case CodeInvalidArgument:
		return "invalid_argument"
	default:
		return "unknown"
	}
}

var (
	ErrSchemaViolation     = &Error{Code: CodeSchemaViolation}
	ErrIncompatibleSchemas = &Error{Code: CodeIncompatibleSchemas}
	ErrSortOrderViolation  = &Error{Code: CodeSortOrderViolation}
	ErrUniqueKeyViolation  = &Error{Code: CodeUniqueKeyViolation}
	ErrLockConflict        = &Error{Code: CodeLockConflict}
	ErrNotFound            = &Error{Code: CodeNotFound}
	ErrAlreadyExists       = &Error{Code: CodeAlreadyExists}
	ErrInvalidArgument     = &Error{Code: CodeInvalidArgument}
)

// Error is a coded table error.
type Error struct {
	Code       Code
	Message    string
	Attributes map[string]any

	// Also lists extra codes this error matches. Schema-level unique key rejections match both
	// CodeUniqueKeyViolation and CodeSchemaViolation.
	Also []Code

	Inner error
}

func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns a coded error that keeps err as its cause.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Inner: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if b.Len() == 0 {
		b.WriteString(e.Code.String())
	}
	if len(e.Attributes) > 0 {
		keys := make([]string, 0, len(e.Attributes))
		for k := range e.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%v", k, e.Attributes[k])
		}
		b.WriteString(")")
	}
	if e.Inner != nil {
		b.WriteString(": ")
		b.WriteString(e.Inner.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Inner
}

// Is reports whether target is a coded error whose code this error carries.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.HasCode(t.Code)
}

func (e *Error) HasCode(code Code) bool {
	if e.Code == code {
		return true
	}
	for _, c := range e.Also {
		if c == code {
			return true
		}
	}
	return false
}

// With returns a copy of the error with the attribute set.
func (e *Error) With(key string, value any) *Error {
	cp := *e
	cp.Attributes = make(map[string]any, len(e.Attributes)+1)
	for k, v := range e.Attributes {
		cp.Attributes[k] = v
	}
	cp.Attributes[key] = value
	return &cp
}

// CodeOf returns the code of the outermost coded error in err's chain.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}
