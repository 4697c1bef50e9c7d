// File: client/channel.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Bounded, ordered control and event channels between the caller and the
// Run Loop. Both ends may be closed from either side without panics.

package client

import (
	"context"
	"sync"

	"github.com/momentics/binance-ws/api"
	"github.com/momentics/binance-ws/protocol"
)

const (
	controlChannelName = "control"
	eventChannelName   = "event"
)

type controlChan struct {
	ch     chan api.ControlMessage
	policy api.Backpressure

	mu        sync.RWMutex
	closed    bool
	closing   chan struct{}
	closeOnce sync.Once

	gone     chan struct{}
	goneOnce sync.Once
}

// ControlSender is the caller end of the control channel. Safe for
// concurrent use.
type ControlSender struct{ c *controlChan }

// ControlReceiver is the Run Loop end of the control channel. It is handed to
// RunBlocking, or created internally by RunNonBlocking.
type ControlReceiver struct{ c *controlChan }

// NewControlChannel creates a control channel holding up to capacity pending
// messages. Capacities below one are raised to one.
func NewControlChannel(capacity int, policy api.Backpressure) (*ControlSender, *ControlReceiver) {
	if capacity < 1 {
		capacity = 1
	}
	c := &controlChan{
		ch:      make(chan api.ControlMessage, capacity),
		policy:  policy,
		closing: make(chan struct{}),
		gone:    make(chan struct{}),
	}
	return &ControlSender{c}, &ControlReceiver{c}
}

func controlErr(kind error) error {
	return &api.ChannelError{Kind: kind, Channel: controlChannelName}
}

// checkControl rejects a Ping the loop could never put on the wire. Close
// reasons are truncated by the encoder instead.
func checkControl(msg api.ControlMessage) error {
	if msg.Kind == api.ControlPing && len(msg.Data) > protocol.MaxControlPayloadLen {
		return api.NewCodecError(api.ErrMalformedFrame,
			"ping payload of %d bytes exceeds %d", len(msg.Data), protocol.MaxControlPayloadLen)
	}
	return nil
}

// Send queues msg according to the channel policy: BackpressureBlock waits
// for room, BackpressureReject fails with ErrWouldBlock. Sending on a closed
// channel, or after the Run Loop exited, fails with ErrClosed. A Ping with
// more than 125 bytes of payload fails with ErrMalformedFrame and is not
// queued.
func (s *ControlSender) Send(msg api.ControlMessage) error {
	if s.c.policy == api.BackpressureReject {
		return s.TrySend(msg)
	}
	return s.SendContext(context.Background(), msg)
}

// SendContext blocks until msg is queued, the channel is closed, or ctx ends.
func (s *ControlSender) SendContext(ctx context.Context, msg api.ControlMessage) error {
	if err := checkControl(msg); err != nil {
		return err
	}
	c := s.c
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return controlErr(api.ErrClosed)
	}
	select {
	case <-c.gone:
		return controlErr(api.ErrClosed)
	default:
	}
	select {
	case c.ch <- msg:
		return nil
	case <-c.closing:
		return controlErr(api.ErrClosed)
	case <-c.gone:
		return controlErr(api.ErrClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend queues msg without waiting.
func (s *ControlSender) TrySend(msg api.ControlMessage) error {
	if err := checkControl(msg); err != nil {
		return err
	}
	c := s.c
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return controlErr(api.ErrClosed)
	}
	select {
	case <-c.gone:
		return controlErr(api.ErrClosed)
	default:
	}
	select {
	case c.ch <- msg:
		return nil
	default:
		return controlErr(api.ErrWouldBlock)
	}
}

// Close closes the channel, which asks the Run Loop to close the connection
// gracefully once the messages already queued are written. Idempotent.
func (s *ControlSender) Close() {
	c := s.c
	c.closeOnce.Do(func() {
		close(c.closing)
		c.mu.Lock()
		c.closed = true
		close(c.ch)
		c.mu.Unlock()
	})
}

// Len returns the number of queued messages.
func (s *ControlSender) Len() int { return len(s.c.ch) }

// Done is closed when the Run Loop stopped consuming the channel.
func (s *ControlSender) Done() <-chan struct{} { return s.c.gone }

// poll takes one message without waiting. closed reports a closed channel
// with nothing left to drain.
func (r *ControlReceiver) poll() (msg api.ControlMessage, ok, closed bool) {
	select {
	case msg, ok = <-r.c.ch:
		return msg, ok, !ok
	default:
		return msg, false, false
	}
}

// release tells senders the Run Loop will not read anymore.
func (r *ControlReceiver) release() {
	r.c.goneOnce.Do(func() { close(r.c.gone) })
}

type eventChan struct {
	ch      chan api.Event
	policy  api.Backpressure
	pending uint64 // dropped since the last delivery, loop-owned

	gone     chan struct{}
	goneOnce sync.Once
}

func newEventChan(capacity int, policy api.Backpressure) *eventChan {
	return &eventChan{
		ch:     make(chan api.Event, capacity),
		policy: policy,
		gone:   make(chan struct{}),
	}
}

// deliver hands ev to the reader. With BackpressureReject a data event that
// does not fit is dropped; terminal events always wait for room.
func (e *eventChan) deliver(ev api.Event) (delivered, readerGone bool) {
	ev.Dropped = e.pending
	if e.policy == api.BackpressureReject && !ev.Terminal() {
		select {
		case e.ch <- ev:
			e.pending = 0
			return true, false
		case <-e.gone:
			return false, true
		default:
			e.pending++
			return false, false
		}
	}
	select {
	case e.ch <- ev:
		e.pending = 0
		return true, false
	case <-e.gone:
		return false, true
	}
}

func (e *eventChan) readerGone() bool {
	select {
	case <-e.gone:
		return true
	default:
		return false
	}
}

// finish closes the channel after the terminal event.
func (e *eventChan) finish() { close(e.ch) }

// EventReceiver is the caller end of the event channel. Events arrive in
// network order; the last one is terminal, after which Recv reports ErrClosed.
type EventReceiver struct{ e *eventChan }

func eventErr(kind error) error {
	return &api.ChannelError{Kind: kind, Channel: eventChannelName}
}

// Recv blocks for the next event.
func (r *EventReceiver) Recv() (api.Event, error) {
	return r.RecvContext(context.Background())
}

// RecvContext blocks for the next event or until ctx ends.
func (r *EventReceiver) RecvContext(ctx context.Context) (api.Event, error) {
	select {
	case ev, ok := <-r.e.ch:
		if !ok {
			return api.Event{}, eventErr(api.ErrClosed)
		}
		return ev, nil
	case <-r.e.gone:
		return api.Event{}, eventErr(api.ErrClosed)
	case <-ctx.Done():
		return api.Event{}, ctx.Err()
	}
}

// TryRecv returns the next event without waiting, or ErrWouldBlock.
func (r *EventReceiver) TryRecv() (api.Event, error) {
	select {
	case ev, ok := <-r.e.ch:
		if !ok {
			return api.Event{}, eventErr(api.ErrClosed)
		}
		return ev, nil
	default:
		return api.Event{}, eventErr(api.ErrWouldBlock)
	}
}

// C exposes the raw channel for select statements. It is closed after the
// terminal event.
func (r *EventReceiver) C() <-chan api.Event { return r.e.ch }

// Len returns the number of undelivered events.
func (r *EventReceiver) Len() int { return len(r.e.ch) }

// Close signals that the caller is no longer interested. The Run Loop stops
// producing and closes the connection. Idempotent.
func (r *EventReceiver) Close() {
	r.e.goneOnce.Do(func() { close(r.e.gone) })
}
