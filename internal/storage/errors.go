package storage

import (
	"errors"
	"fmt"
)

// Code is a stable string identifying a failure class. Codes are part of the
// public surface; hosts switch on them to decide how to react.
type Code string

const (
	CodeConnection    Code = "CONNECTION_ERROR"
	CodeNotFound      Code = "NOT_FOUND"
	CodeDuplicateKey  Code = "DUPLICATE_KEY"
	CodeTransaction   Code = "TRANSACTION_ERROR"
	CodeNotSupported  Code = "NOT_SUPPORTED"
	CodeTableNotFound Code = "TABLE_NOT_FOUND"
	CodeValidation    Code = "VALIDATION_ERROR"
)

// Error is a typed storage failure carrying a stable code and the operation
// context it occurred in. It wraps an underlying cause when one exists.
type Error struct {
	Code  Code
	Op    string // operation name, e.g. "create"
	Table string
	ID    string // offending entity id, when relevant
	Err   error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("storage: %s %s", e.Op, e.Code)
	if e.Table != "" {
		msg += fmt.Sprintf(" table=%s", e.Table)
	}
	if e.ID != "" {
		msg += fmt.Sprintf(" id=%s", e.ID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a typed error with an underlying cause.
func NewError(code Code, op, table string, err error) *Error {
	return &Error{Code: code, Op: op, Table: table, Err: err}
}

// NotFound reports a missing update/delete target.
func NotFound(op, table, id string) *Error {
	return &Error{Code: CodeNotFound, Op: op, Table: table, ID: id}
}

// DuplicateKey reports a create colliding with an existing id.
func DuplicateKey(op, table, id string) *Error {
	return &Error{Code: CodeDuplicateKey, Op: op, Table: table, ID: id}
}

// NotConnected reports an operation against a disconnected adapter.
func NotConnected(op string) *Error {
	return &Error{Code: CodeConnection, Op: op, Err: errors.New("adapter not connected")}
}

// NotSupported reports an operation the adapter does not implement.
func NotSupported(op, backend string) *Error {
	return &Error{Code: CodeNotSupported, Op: op, Err: fmt.Errorf("not supported by %s backend", backend)}
}

// Internal causes used by Base.
var (
	errNilTx            = errors.New("nil transaction handle")
	errUnknownTx        = errors.New("unknown or already ended transaction")
	errNilSnapshot      = errors.New("nil snapshot")
	errChecksumMismatch = errors.New("snapshot checksum mismatch")
)

// CodeOf extracts the storage code from err, or "" when err carries none.
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// HasCode reports whether err carries the given storage code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}
