// File: client/client.go
// Package client provides the websocket client runtime: connection
// establishment, a single-owner Run Loop and the channels around it.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A Client owns exactly one socket. It is driven either by RunBlocking, which
// invokes a Handler on the caller goroutine, or by RunNonBlocking, which moves
// the loop to its own goroutine and exposes control/event channels. Once a run
// mode is started, only the loop goroutine touches the socket.

package client

import (
	"bufio"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/momentics/binance-ws/api"
	"github.com/momentics/binance-ws/protocol"
)

// Client is one open websocket connection.
type Client struct {
	id  string
	url *url.URL
	cfg *Config
	log *zap.Logger

	transport *connTransport
	header    http.Header

	state     atomic.Int32
	started   atomic.Bool
	inHandler atomic.Bool
	done      chan struct{}

	// outMu orders direct sends against start and Close. Once started,
	// direct sends land in outbox and the loop writes them.
	outMu  sync.Mutex
	outbox []outFrame

	framesIn       atomic.Uint64
	framesOut      atomic.Uint64
	bytesIn        atomic.Uint64
	bytesOut       atomic.Uint64
	eventsDropped  atomic.Uint64
	sendsDiscarded atomic.Uint64
}

func newClient(u *url.URL, conn net.Conn, br *bufio.Reader, header http.Header, cfg *Config) *Client {
	c := &Client{
		url:       u,
		cfg:       cfg,
		log:       cfg.Logger,
		transport: newConnTransport(conn, br, cfg.ReadBufferSize),
		header:    header,
		done:      make(chan struct{}),
	}
	c.state.Store(int32(api.StateConnecting))
	return c
}

// ID returns the connection id used in logs.
func (c *Client) ID() string { return c.id }

// URL returns the dialed URL without credentials.
func (c *Client) URL() string { return c.url.Redacted() }

// ResponseHeader returns the headers of the server's 101 response.
func (c *Client) ResponseHeader() http.Header { return c.header }

// State returns the current lifecycle state.
func (c *Client) State() api.State { return api.State(c.state.Load()) }

// Done is closed once the connection has been released.
func (c *Client) Done() <-chan struct{} { return c.done }

// Stats returns a snapshot of the connection counters.
func (c *Client) Stats() api.Stats {
	return api.Stats{
		State:          c.State(),
		FramesIn:       c.framesIn.Load(),
		FramesOut:      c.framesOut.Load(),
		BytesIn:        c.bytesIn.Load(),
		BytesOut:       c.bytesOut.Load(),
		EventsDropped:  c.eventsDropped.Load(),
		SendsDiscarded: c.sendsDiscarded.Load(),
	}
}

// SendTextMessage writes a text frame directly on the socket before a run
// mode starts. In blocking mode it is also allowed while a Handler callback
// runs; the frame is then queued and the loop writes it once the callback
// returns. Everywhere else outbound traffic must go through the control
// channel and ErrSendUnavailable is returned.
func (c *Client) SendTextMessage(text string) error {
	return c.sendDirect(api.SendText(text))
}

// SendBinaryMessage is SendTextMessage for binary frames.
func (c *Client) SendBinaryMessage(data []byte) error {
	return c.sendDirect(api.SendBinary(data))
}

func (c *Client) sendDirect(msg api.ControlMessage) error {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	if c.State() != api.StateOpen {
		return &api.ChannelError{Kind: api.ErrClosed, Channel: "direct"}
	}
	started := c.started.Load()
	if started && !c.inHandler.Load() {
		return api.ErrSendUnavailable
	}
	frame, err := protocol.Encode(msg, c.cfg.MaxPayload)
	if err != nil {
		return err
	}
	if started {
		c.outbox = append(c.outbox, outFrame{data: frame, opcode: opcodeOf(msg.Kind)})
		return nil
	}
	return c.write(frame, opcodeOf(msg.Kind))
}

// takeOutbox hands the queued direct sends over to the loop.
func (c *Client) takeOutbox() []outFrame {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	frames := c.outbox
	c.outbox = nil
	return frames
}

// RunBlocking drives the connection on the calling goroutine until it
// reaches a terminal state, dispatching events to h. control may be nil when
// the caller never needs to send through the loop. Returns only start errors;
// connection failures reach h.OnError.
func (c *Client) RunBlocking(h api.Handler, control *ControlReceiver) error {
	if h == nil {
		return api.NewError(api.ErrCodeInvalidArgument, "handler is required")
	}
	if err := c.start(); err != nil {
		return err
	}
	newRunLoop(c, control, &handlerDispatch{c: c, h: h}).run()
	return nil
}

// RunNonBlocking starts the loop on its own goroutine and returns the caller
// ends of the control and event channels.
func (c *Client) RunNonBlocking(opts NonBlockingOptions) (*ControlSender, *EventReceiver, error) {
	if err := opts.validate(); err != nil {
		return nil, nil, err
	}
	if err := c.start(); err != nil {
		return nil, nil, err
	}
	sender, receiver := NewControlChannel(opts.ControlCapacity, opts.ControlPolicy)
	events := newEventChan(opts.EventCapacity, opts.EventPolicy)
	loop := newRunLoop(c, receiver, &channelDispatch{c: c, events: events})
	go loop.run()
	return sender, &EventReceiver{events}, nil
}

// start hands the socket to a run mode. A client that is no longer Open is
// not marked started, so Close can still release it.
func (c *Client) start() error {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	if c.started.Load() {
		return api.ErrAlreadyStarted
	}
	if c.State() != api.StateOpen {
		return &api.ChannelError{Kind: api.ErrClosed, Channel: "direct"}
	}
	c.started.Store(true)
	return nil
}

// Close shuts down a connection that was never run: it sends a Close frame
// without waiting for the reply and releases the socket. A running loop is
// stopped through its control channel instead, and Close returns
// ErrAlreadyStarted.
func (c *Client) Close() error {
	c.outMu.Lock()
	if c.started.Load() {
		c.outMu.Unlock()
		return api.ErrAlreadyStarted
	}
	c.started.Store(true)
	c.outMu.Unlock()

	if c.State() == api.StateOpen {
		if frame, err := protocol.Encode(api.Close(), c.cfg.MaxPayload); err == nil {
			_ = c.write(frame, protocol.OpcodeClose)
		}
	}
	c.setState(api.StateClosing)
	c.setState(api.StateClosed)
	c.release()
	return nil
}

func (c *Client) write(frame []byte, opcode byte) error {
	if err := c.transport.send(frame, c.cfg.WriteTimeout); err != nil {
		return err
	}
	c.framesOut.Add(1)
	c.bytesOut.Add(uint64(len(frame)))
	c.cfg.Metrics.ObserveFrame("out", protocol.OpcodeName(opcode), len(frame))
	return nil
}

func (c *Client) setState(s api.State) {
	if api.State(c.state.Swap(int32(s))) == s {
		return
	}
	c.cfg.Metrics.IncState(s)
	c.log.Debug("state transition", zap.Stringer("state", s))
}

func (c *Client) release() {
	if err := c.transport.close(); err != nil {
		c.log.Debug("socket close", zap.Error(err))
	}
	if c.cfg.Probes != nil {
		c.cfg.Probes.UnregisterProbe(c.probeName())
	}
	close(c.done)
}

func (c *Client) probeName() string { return "ws." + c.id }

func opcodeOf(k api.ControlKind) byte {
	switch k {
	case api.ControlSendText:
		return protocol.OpcodeText
	case api.ControlSendBinary:
		return protocol.OpcodeBinary
	case api.ControlPing:
		return protocol.OpcodePing
	default:
		return protocol.OpcodeClose
	}
}
