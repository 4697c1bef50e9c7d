// File: api/types.go
// Author: momentics <momentics@gmail.com>
//
// Shared API-level type declarations and constants.

package api

// State enumerates the lifecycle of a client connection as seen by its Run Loop.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFaulted
}

// Backpressure selects what a bounded channel does when it is full.
//
// On the control channel BackpressureReject makes the sender fail with
// ErrWouldBlock. On the event channel it drops the event and signals the
// number of dropped events on the next delivered one.
type Backpressure int

const (
	BackpressureBlock Backpressure = iota
	BackpressureReject
)

func (b Backpressure) String() string {
	switch b {
	case BackpressureBlock:
		return "block"
	case BackpressureReject:
		return "reject"
	default:
		return "unknown"
	}
}

// ParseBackpressure maps a config string onto a policy.
func ParseBackpressure(s string) (Backpressure, error) {
	switch s {
	case "", "block":
		return BackpressureBlock, nil
	case "reject", "drop":
		return BackpressureReject, nil
	}
	return 0, NewError(ErrCodeInvalidArgument, "unknown backpressure policy").WithContext("policy", s)
}

// MessageType distinguishes data message payloads.
type MessageType int

const (
	TextMessage MessageType = iota + 1
	BinaryMessage
)

func (m MessageType) String() string {
	switch m {
	case TextMessage:
		return "text"
	case BinaryMessage:
		return "binary"
	default:
		return "unknown"
	}
}

// Stats is a point-in-time snapshot of connection counters.
type Stats struct {
	State          State
	FramesIn       uint64
	FramesOut      uint64
	BytesIn        uint64
	BytesOut       uint64
	EventsDropped  uint64
	SendsDiscarded uint64
}
