// File: api/events.go
// Package api defines the inbound event types.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

import "fmt"

// EventKind tags an Event.
type EventKind uint8

const (
	EventMessage EventKind = iota + 1
	EventClosed
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventClosed:
		return "closed"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// CloseReason is the status carried by a Close frame, or synthesized when the
// close handshake did not complete.
type CloseReason struct {
	Code uint16
	Text string
}

func (r CloseReason) String() string {
	if r.Text == "" {
		return fmt.Sprintf("%d", r.Code)
	}
	return fmt.Sprintf("%d %s", r.Code, r.Text)
}

// Event is a Run-Loop-issued notification to the caller.
type Event struct {
	Kind    EventKind
	Type    MessageType // EventMessage only
	Payload []byte      // EventMessage only
	Reason  CloseReason // EventClosed only
	Err     error       // EventError only

	// Dropped counts events discarded by the drop policy right before this one.
	Dropped uint64
}

// Terminal reports whether the event ends the connection.
func (e Event) Terminal() bool {
	return e.Kind == EventClosed || e.Kind == EventError
}

// MessageEvent builds a data event.
func MessageEvent(t MessageType, payload []byte) Event {
	return Event{Kind: EventMessage, Type: t, Payload: payload}
}

// ClosedEvent builds a terminal close event.
func ClosedEvent(reason CloseReason) Event {
	return Event{Kind: EventClosed, Reason: reason}
}

// ErrorEvent builds a terminal error event.
func ErrorEvent(err error) Event {
	return Event{Kind: EventError, Err: err}
}
