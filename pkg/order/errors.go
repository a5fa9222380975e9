package order

import (
	"errors"
	"fmt"
)

type ErrorCode int

const (
	MissingField ErrorCode = iota + 1
	InvalidNumber
	InvalidEnum
	InvalidRange
)

var (
	ErrMissingField  = errors.New("missing field")
	ErrInvalidNumber = errors.New("invalid number")
	ErrInvalidEnum   = errors.New("invalid enum value")
	ErrInvalidRange  = errors.New("invalid range")
)

func (c ErrorCode) sentinel() error {
	switch c {
	case MissingField:
		return ErrMissingField
	case InvalidNumber:
		return ErrInvalidNumber
	case InvalidEnum:
		return ErrInvalidEnum
	case InvalidRange:
		return ErrInvalidRange
	default:
		return errors.New("unknown decode error")
	}
}

// DecodeError names the offending tag. It matches its sentinel with errors.Is.
type DecodeError struct {
	Code  ErrorCode
	Field string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("order: %s %q", e.Code.sentinel(), e.Field)
}

func (e *DecodeError) Unwrap() error { return e.Code.sentinel() }
