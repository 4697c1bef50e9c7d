// File: binance/errors.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package binance

import (
	"errors"
	"fmt"
)

// Error kinds of the adapter.
var (
	ErrWebSocket     = errors.New("websocket error")
	ErrSerialization = errors.New("serialization error")
)

// Error wraps a failure of an adapter operation with its kind.
type Error struct {
	Op   string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("binance %s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("binance %s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func wsErr(op string, err error) error {
	return &Error{Op: op, Kind: ErrWebSocket, Err: err}
}
