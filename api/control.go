// File: api/control.go
// Package api defines outbound control directives.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

// ControlKind tags a ControlMessage.
type ControlKind uint8

const (
	ControlSendText ControlKind = iota + 1
	ControlSendBinary
	ControlPing
	ControlClose
)

func (k ControlKind) String() string {
	switch k {
	case ControlSendText:
		return "send_text"
	case ControlSendBinary:
		return "send_binary"
	case ControlPing:
		return "ping"
	case ControlClose:
		return "close"
	default:
		return "unknown"
	}
}

// ControlMessage is a caller-issued instruction to the Run Loop.
// It is consumed exactly once and must not be mutated after it is sent.
type ControlMessage struct {
	Kind      ControlKind
	Data      []byte // text or binary payload, ping application data
	CloseCode uint16 // only for ControlClose, 0 means 1000
	Reason    string // only for ControlClose
}

// SendText queues a text frame.
func SendText(text string) ControlMessage {
	return ControlMessage{Kind: ControlSendText, Data: []byte(text)}
}

// SendBinary queues a binary frame. The slice is owned by the loop afterwards.
func SendBinary(data []byte) ControlMessage {
	return ControlMessage{Kind: ControlSendBinary, Data: data}
}

// Ping queues a ping frame with optional application data.
func Ping(data []byte) ControlMessage {
	return ControlMessage{Kind: ControlPing, Data: data}
}

// Close starts a normal close handshake.
func Close() ControlMessage {
	return ControlMessage{Kind: ControlClose}
}

// CloseWith starts a close handshake with an explicit status code and reason.
func CloseWith(code uint16, reason string) ControlMessage {
	return ControlMessage{Kind: ControlClose, CloseCode: code, Reason: reason}
}
