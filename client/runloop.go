// File: client/runloop.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Run Loop: the single owner of a connection's socket. Each iteration drains
// the control channel without waiting, flushes queued frames in order, then
// performs one bounded-wait read and dispatches what the decoder produced.
// Blocking and non-blocking modes differ only in the dispatcher.

package client

import (
	"errors"
	"fmt"
	"time"

	"github.com/eapache/queue"
	"go.uber.org/zap"

	"github.com/momentics/binance-ws/api"
	"github.com/momentics/binance-ws/protocol"
)

// maxDrainPerTick bounds control messages applied per iteration so a flood of
// sends cannot starve reads.
const maxDrainPerTick = 64

// dispatcher is the scheduling strategy of a run mode.
type dispatcher interface {
	// deliver hands a data event over. stop reports that the consumer is
	// gone; err is a consumer failure that faults the connection.
	deliver(ev api.Event) (stop bool, err error)
	// finish hands over the terminal event; nothing is delivered afterwards.
	finish(ev api.Event)
	// abandoned reports that the consumer went away between deliveries.
	abandoned() bool
}

type outFrame struct {
	data   []byte
	opcode byte
}

type runLoop struct {
	c        *Client
	control  *ControlReceiver
	dispatch dispatcher
	dec      *protocol.Decoder
	pending  *queue.Queue // outFrame, written in FIFO order
	log      *zap.Logger

	closeSent     bool
	closingSince  time.Time
	closeDeadline time.Time
	lastPing      time.Time
}

func newRunLoop(c *Client, control *ControlReceiver, d dispatcher) *runLoop {
	return &runLoop{
		c:        c,
		control:  control,
		dispatch: d,
		dec:      protocol.NewDecoder(c.cfg.MaxPayload),
		pending:  queue.New(),
		log:      c.log,
		lastPing: time.Now(),
	}
}

func (l *runLoop) run() {
	defer l.releaseControl()
	l.log.Debug("run loop started")
	for {
		if err := l.drainControl(); err != nil {
			l.fault(err)
			return
		}
		if !l.closeSent && l.dispatch.abandoned() {
			l.log.Debug("event reader closed")
			if err := l.startClose(protocol.CloseGoingAway, "client is no longer reading"); err != nil {
				l.fault(err)
				return
			}
		}
		l.collectDirect()
		if err := l.flush(); err != nil {
			l.fault(err)
			return
		}
		now := time.Now()
		if l.closeSent && !now.Before(l.closeDeadline) {
			l.closed(api.CloseReason{Code: protocol.CloseAbnormalClosure, Text: "close handshake timed out"})
			return
		}
		l.heartbeat(now)

		data, err := l.c.transport.recv(l.readDeadline(now))
		if len(data) > 0 {
			l.c.bytesIn.Add(uint64(len(data)))
			l.dec.Feed(data)
			if l.processFrames() {
				return
			}
		}
		if err != nil {
			if l.closeSent {
				l.closed(api.CloseReason{Code: protocol.CloseAbnormalClosure, Text: "connection lost during close handshake"})
				return
			}
			l.fault(err)
			return
		}
	}
}

func (l *runLoop) readDeadline(now time.Time) time.Time {
	d := now.Add(l.c.cfg.PollInterval)
	if l.closeSent && l.closeDeadline.Before(d) {
		return l.closeDeadline
	}
	return d
}

// drainControl applies queued control messages without waiting.
func (l *runLoop) drainControl() error {
	if l.control == nil {
		return nil
	}
	for i := 0; i < maxDrainPerTick; i++ {
		msg, ok, closed := l.control.poll()
		if closed {
			l.control.release()
			l.control = nil
			l.log.Debug("control channel closed")
			if !l.closeSent {
				return l.startClose(protocol.CloseNormalClosure, "")
			}
			return nil
		}
		if !ok {
			return nil
		}
		if err := l.apply(msg); err != nil {
			return err
		}
	}
	return nil
}

func (l *runLoop) apply(msg api.ControlMessage) error {
	if msg.Kind == api.ControlClose {
		if l.closeSent {
			return nil
		}
		code := msg.CloseCode
		if code == 0 {
			code = protocol.CloseNormalClosure
		}
		return l.startClose(code, msg.Reason)
	}
	if l.closeSent {
		// Nothing but Close may follow our Close frame.
		l.discard(msg.Kind.String())
		return nil
	}
	frame, err := protocol.Encode(msg, l.c.cfg.MaxPayload)
	if err != nil {
		return err
	}
	l.pending.Add(outFrame{data: frame, opcode: opcodeOf(msg.Kind)})
	return nil
}

// collectDirect moves frames sent through SendTextMessage and
// SendBinaryMessage during a Handler callback behind the queued ones.
func (l *runLoop) collectDirect() {
	for _, f := range l.c.takeOutbox() {
		if l.closeSent {
			l.discard(protocol.OpcodeName(f.opcode))
			continue
		}
		l.pending.Add(f)
	}
}

func (l *runLoop) discard(kind string) {
	l.c.sendsDiscarded.Add(1)
	l.c.cfg.Metrics.IncDiscarded()
	l.log.Debug("send discarded while closing", zap.String("kind", kind))
}

// startClose queues our Close frame and enters Closing.
func (l *runLoop) startClose(code uint16, reason string) error {
	frame, err := protocol.AppendControlFrame(nil, protocol.OpcodeClose, protocol.ClosePayload(code, reason))
	if err != nil {
		return err
	}
	l.pending.Add(outFrame{data: frame, opcode: protocol.OpcodeClose})
	l.closeSent = true
	l.closingSince = time.Now()
	l.closeDeadline = l.closingSince.Add(l.c.cfg.CloseTimeout)
	l.c.setState(api.StateClosing)
	l.log.Debug("close handshake started", zap.Uint16("code", code))
	return nil
}

func (l *runLoop) flush() error {
	for l.pending.Length() > 0 {
		f := l.pending.Remove().(outFrame)
		if err := l.c.write(f.data, f.opcode); err != nil {
			return err
		}
	}
	return nil
}

func (l *runLoop) heartbeat(now time.Time) {
	every := l.c.cfg.HeartbeatInterval
	if every <= 0 || l.closeSent || now.Sub(l.lastPing) < every {
		return
	}
	l.lastPing = now
	frame, err := protocol.AppendControlFrame(nil, protocol.OpcodePing, nil)
	if err != nil {
		return
	}
	l.pending.Add(outFrame{data: frame, opcode: protocol.OpcodePing})
}

// processFrames dispatches every complete frame. It returns true when the
// loop has reached a terminal state.
func (l *runLoop) processFrames() bool {
	for {
		f, err := l.dec.Next()
		if err != nil {
			l.codecFault(err)
			return true
		}
		if f == nil {
			return false
		}
		l.c.framesIn.Add(1)
		l.c.cfg.Metrics.ObserveFrame("in", protocol.OpcodeName(f.Opcode), protocol.FrameSize(len(f.Payload), f.Masked))

		switch f.Opcode {
		case protocol.OpcodeText, protocol.OpcodeBinary:
			t := api.TextMessage
			if f.Opcode == protocol.OpcodeBinary {
				t = api.BinaryMessage
			}
			stop, err := l.dispatch.deliver(api.MessageEvent(t, f.Payload))
			l.collectDirect()
			if err != nil {
				l.fault(err)
				return true
			}
			if stop {
				if !l.closeSent {
					l.log.Debug("event reader closed")
					if err := l.startClose(protocol.CloseGoingAway, "client is no longer reading"); err != nil {
						l.fault(err)
						return true
					}
				}
			}

		case protocol.OpcodePing:
			if l.closeSent {
				continue
			}
			frame, err := protocol.AppendControlFrame(nil, protocol.OpcodePong, f.Payload)
			if err != nil {
				l.fault(err)
				return true
			}
			l.pending.Add(outFrame{data: frame, opcode: protocol.OpcodePong})

		case protocol.OpcodePong:
			l.log.Debug("pong received", zap.Int("len", len(f.Payload)))

		case protocol.OpcodeClose:
			reason, _ := protocol.ParseClosePayload(f.Payload)
			if !l.closeSent {
				// Echo the peer's status, then the handshake is complete.
				l.closingSince = time.Now()
				l.c.setState(api.StateClosing)
				var payload []byte
				if reason.Code != protocol.CloseNoStatusRcvd {
					payload = protocol.ClosePayload(reason.Code, "")
				}
				if frame, err := protocol.AppendControlFrame(nil, protocol.OpcodeClose, payload); err == nil {
					l.pending.Add(outFrame{data: frame, opcode: protocol.OpcodeClose})
				}
				if err := l.flush(); err != nil {
					l.log.Debug("close reply not written", zap.Error(err))
				}
			}
			l.closed(reason)
			return true
		}
	}
}

// codecFault tells the peer why before faulting. Frames already queued,
// such as Pong replies, go out ahead of the Close.
func (l *runLoop) codecFault(err error) {
	code := uint16(protocol.CloseProtocolError)
	if errors.Is(err, api.ErrOversizedPayload) {
		code = protocol.CloseMessageTooBig
	}
	if !l.closeSent {
		if frame, ferr := protocol.AppendControlFrame(nil, protocol.OpcodeClose, protocol.ClosePayload(code, "")); ferr == nil {
			l.pending.Add(outFrame{data: frame, opcode: protocol.OpcodeClose})
		}
	}
	if ferr := l.flush(); ferr != nil {
		l.log.Debug("close after codec error not written", zap.Error(ferr))
	}
	l.fault(err)
}

// closed completes Closing -> Closed and emits the terminal Closed event.
func (l *runLoop) closed(reason api.CloseReason) {
	if l.c.State() == api.StateOpen {
		l.c.setState(api.StateClosing)
	}
	l.c.setState(api.StateClosed)
	if !l.closingSince.IsZero() {
		l.c.cfg.Metrics.ObserveCloseHandshake(time.Since(l.closingSince))
	}
	l.c.release()
	l.c.log.Info("websocket closed", zap.Uint16("code", reason.Code), zap.String("reason", reason.Text))
	l.dispatch.finish(api.ClosedEvent(reason))
}

// fault moves to Faulted and emits the terminal Error event.
func (l *runLoop) fault(err error) {
	l.c.setState(api.StateFaulted)
	l.c.release()
	l.c.log.Warn("websocket faulted", zap.Error(err))
	l.dispatch.finish(api.ErrorEvent(err))
}

func (l *runLoop) releaseControl() {
	if l.control != nil {
		l.control.release()
	}
}

// handlerDispatch runs Handler callbacks on the loop goroutine.
type handlerDispatch struct {
	c *Client
	h api.Handler
}

func (d *handlerDispatch) deliver(ev api.Event) (stop bool, err error) {
	return false, d.call(ev)
}

func (d *handlerDispatch) abandoned() bool { return false }

func (d *handlerDispatch) finish(ev api.Event) {
	if err := d.call(ev); err != nil {
		d.c.log.Error("terminal handler callback failed", zap.Error(err))
	}
}

func (d *handlerDispatch) call(ev api.Event) (err error) {
	d.c.inHandler.Store(true)
	defer func() {
		d.c.inHandler.Store(false)
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", api.ErrHandlerPanic, r)
		}
	}()
	api.Dispatch(d.h, ev)
	return nil
}

// channelDispatch feeds the event channel of non-blocking mode.
type channelDispatch struct {
	c      *Client
	events *eventChan
}

func (d *channelDispatch) deliver(ev api.Event) (stop bool, err error) {
	delivered, gone := d.events.deliver(ev)
	if !delivered && !gone {
		d.c.eventsDropped.Add(1)
		d.c.cfg.Metrics.IncDropped()
	}
	return gone, nil
}

func (d *channelDispatch) abandoned() bool { return d.events.readerGone() }

func (d *channelDispatch) finish(ev api.Event) {
	d.events.deliver(ev)
	d.events.finish()
}
