package driver

import (
	"errors"
	"fmt"
)

var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrRejected           = errors.New("counterparty rejected the request")
	ErrMalformedResponse  = errors.New("malformed response")
	ErrNoResponse         = errors.New("no response")
	ErrTransport          = errors.New("transport failure")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrNoCounterparty     = errors.New("no counterparty to send to")
	ErrUnsupportedOrderOp = errors.New("order kind cannot be taken")
)

// DriverError records which operation failed for which order.
type DriverError struct {
	Op      string
	OrderID string
	Err     error
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.OrderID, e.Err)
}

func (e *DriverError) Unwrap() error { return e.Err }
