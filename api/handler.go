// File: api/handler.go
// Package api defines Handler interface.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

// Handler receives events in blocking mode.
//
// All methods run synchronously on the Run Loop goroutine, one at a time.
// A method that blocks stalls reading from the network and draining the
// control channel. Exactly one of OnClose or OnError is called, last.
type Handler interface {
	OnMessage(t MessageType, payload []byte)
	OnClose(reason CloseReason)
	OnError(err error)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are ignored.
type HandlerFuncs struct {
	Message func(t MessageType, payload []byte)
	Closed  func(reason CloseReason)
	Error   func(err error)
}

func (h HandlerFuncs) OnMessage(t MessageType, payload []byte) {
	if h.Message != nil {
		h.Message(t, payload)
	}
}

func (h HandlerFuncs) OnClose(reason CloseReason) {
	if h.Closed != nil {
		h.Closed(reason)
	}
}

func (h HandlerFuncs) OnError(err error) {
	if h.Error != nil {
		h.Error(err)
	}
}

// Dispatch routes an event to the matching Handler method.
func Dispatch(h Handler, ev Event) {
	switch ev.Kind {
	case EventMessage:
		h.OnMessage(ev.Type, ev.Payload)
	case EventClosed:
		h.OnClose(ev.Reason)
	case EventError:
		h.OnError(ev.Err)
	}
}
