package regulator

import "errors"

var (
	// ErrFailure is reserved. No code path in this package returns it.
	ErrFailure       = errors.New("regulator failure")
	ErrNullReference = errors.New("regulator: required reference is nil")
	ErrDivideByZero  = errors.New("regulator: delta time is zero")
)

// Code is the return-code view of the regulator errors, for callers that
// branch on a closed set of outcomes instead of error values.
type Code int

const (
	CodeOK Code = iota
	CodeFailure
	CodeNullReference
	CodeDivideByZero
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeFailure:
		return "failure"
	case CodeNullReference:
		return "null_reference"
	case CodeDivideByZero:
		return "divide_by_zero"
	default:
		return "unknown"
	}
}

// CodeOf maps err to its Code. Errors not produced by this package map to
// CodeFailure.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrNullReference):
		return CodeNullReference
	case errors.Is(err, ErrDivideByZero):
		return CodeDivideByZero
	default:
		return CodeFailure
	}
}
