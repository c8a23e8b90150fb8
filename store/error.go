package store

import (
	"errors"
	"fmt"
)

// ResultCode classifies a store failure. The numeric values follow the wire
// protocol's result codes so adapter mappings are direct.
type ResultCode int

const (
	ResultOK              ResultCode = 0
	ResultKeyNotFound     ResultCode = 2
	ResultGenerationError ResultCode = 3
	ResultParameterError  ResultCode = 4
	ResultKeyExists       ResultCode = 5
	ResultTimeout         ResultCode = 9
	ResultElementNotFound ResultCode = 23
	ResultElementExists   ResultCode = 24
)

// Error is a store failure carrying its result code. Backends wrap their
// native errors in it; everything the index cannot interpret propagates
// unchanged through errors.Unwrap.
type Error struct {
	Code ResultCode
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("store error %d: %s", e.Code, e.Msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("store error %d: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("store error %d", e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError returns an Error with the given code and message.
func NewError(code ResultCode, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// WrapError returns an Error with the given code wrapping err.
func WrapError(code ResultCode, err error) *Error {
	return &Error{Code: code, Err: err}
}

// CodeOf extracts the result code from err, or ResultOK when err is nil and
// -1 when err is not a store error.
func CodeOf(err error) ResultCode {
	if err == nil {
		return ResultOK
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return -1
}
