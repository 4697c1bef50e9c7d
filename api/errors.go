// Package api
// Author: momentics <momentics@gmail.com>
//
// Error taxonomy for the websocket client core.
//
// Each family carries a Kind sentinel, so callers match with errors.Is on the
// kind and errors.As on the concrete struct when they need the details.

package api

import (
	"errors"
	"fmt"
)

// Connect-time error kinds.
var (
	ErrConnectTimeout   = errors.New("connect timeout")
	ErrConnectRefused   = errors.New("connection refused")
	ErrTLSFailure       = errors.New("tls handshake failed")
	ErrProtocolMismatch = errors.New("websocket upgrade rejected")
	ErrInvalidURL       = errors.New("invalid websocket url")
)

// Codec error kinds.
var (
	ErrMalformedFrame   = errors.New("malformed frame")
	ErrOversizedPayload = errors.New("payload exceeds configured maximum")
)

// Channel and run error kinds.
var (
	ErrWouldBlock      = errors.New("operation would block")
	ErrClosed          = errors.New("closed")
	ErrAlreadyStarted  = errors.New("run loop already started")
	ErrSendUnavailable = errors.New("direct send not available while run loop owns the connection")
	ErrHandlerPanic    = errors.New("handler panicked")
)

// ConnectError reports a failure to establish a connection. The core never
// retries it.
type ConnectError struct {
	Kind error
	URL  string
	Err  error
}

func (e *ConnectError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connect %s: %v", e.URL, e.Kind)
	}
	return fmt.Sprintf("connect %s: %v: %v", e.URL, e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// CodecError reports a frame the decoder refused, or an outbound payload the
// encoder could not frame. Always fatal to the connection.
type CodecError struct {
	Kind   error
	Detail string
}

func (e *CodecError) Error() string {
	if e.Detail == "" {
		return "codec: " + e.Kind.Error()
	}
	return fmt.Sprintf("codec: %v: %s", e.Kind, e.Detail)
}

func (e *CodecError) Unwrap() error { return e.Kind }

// NewCodecError builds a CodecError with a formatted detail.
func NewCodecError(kind error, format string, args ...any) *CodecError {
	return &CodecError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// ChannelError reports a full or closed control/event channel.
type ChannelError struct {
	Kind    error
	Channel string
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("%s channel: %v", e.Channel, e.Kind)
}

func (e *ChannelError) Unwrap() error { return e.Kind }

// IoError reports a socket read or write failure.
type IoError struct {
	Op  string
	Err error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("io %s: %v", e.Op, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }

// ErrorCode represents argument and setup error conditions.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeInvalidArgument
	ErrCodeInternal
)

// Error represents a structured setup error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Context) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (context: %+v)", e.Message, e.Context)
}

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}
