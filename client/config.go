// File: client/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package client

import (
	"crypto/tls"
	"time"

	"go.uber.org/zap"

	"github.com/momentics/binance-ws/api"
	"github.com/momentics/binance-ws/control"
	"github.com/momentics/binance-ws/protocol"
)

// Config holds all configurable parameters for a client connection.
type Config struct {
	ConnectTimeout    time.Duration // DNS, TCP, TLS and upgrade together
	TLSConfig         *tls.Config   // wss only; nil uses system roots
	MaxPayload        int64         // per frame and per reassembled message
	ReadBufferSize    int           // bytes requested per socket read
	PollInterval      time.Duration // bounded wait of a single socket read
	WriteTimeout      time.Duration // deadline for every frame write
	CloseTimeout      time.Duration // wait for the peer's Close after ours
	HeartbeatInterval time.Duration // send Ping every interval (0 = disabled)
	SocketReadBuffer  int           // SO_RCVBUF, 0 keeps the OS default
	SocketWriteBuffer int           // SO_SNDBUF, 0 keeps the OS default

	Logger  *zap.Logger      // nil disables logging
	Metrics *control.Metrics // nil disables metrics
	Probes  api.Debug        // optional; the client registers a stats probe
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ConnectTimeout: 10 * time.Second,
		MaxPayload:     protocol.DefaultMaxPayload,
		ReadBufferSize: 32 * 1024,
		PollInterval:   50 * time.Millisecond,
		WriteTimeout:   10 * time.Second,
		CloseTimeout:   5 * time.Second,
	}
}

// withDefaults returns a copy with zero fields filled from DefaultConfig.
func (c *Config) withDefaults() *Config {
	d := DefaultConfig()
	if c == nil {
		d.Logger = zap.NewNop()
		return d
	}
	out := *c
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = d.ConnectTimeout
	}
	if out.MaxPayload <= 0 {
		out.MaxPayload = d.MaxPayload
	}
	if out.ReadBufferSize <= 0 {
		out.ReadBufferSize = d.ReadBufferSize
	}
	if out.PollInterval <= 0 {
		out.PollInterval = d.PollInterval
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = d.WriteTimeout
	}
	if out.CloseTimeout <= 0 {
		out.CloseTimeout = d.CloseTimeout
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return &out
}

// NonBlockingOptions configures the channels created by RunNonBlocking.
type NonBlockingOptions struct {
	ControlCapacity int
	EventCapacity   int
	ControlPolicy   api.Backpressure // Reject: Send returns ErrWouldBlock when full
	EventPolicy     api.Backpressure // Reject: drop data events and signal the count
}

// DefaultNonBlockingOptions never blocks the caller on the control side and
// never loses events on the event side.
func DefaultNonBlockingOptions() NonBlockingOptions {
	return NonBlockingOptions{
		ControlCapacity: 64,
		EventCapacity:   256,
		ControlPolicy:   api.BackpressureReject,
		EventPolicy:     api.BackpressureBlock,
	}
}

func (o NonBlockingOptions) validate() error {
	switch {
	case o.ControlCapacity < 1:
		return api.NewError(api.ErrCodeInvalidArgument, "control capacity must be positive").
			WithContext("capacity", o.ControlCapacity)
	case o.EventCapacity < 1:
		return api.NewError(api.ErrCodeInvalidArgument, "event capacity must be positive").
			WithContext("capacity", o.EventCapacity)
	case o.ControlPolicy != api.BackpressureBlock && o.ControlPolicy != api.BackpressureReject:
		return api.NewError(api.ErrCodeInvalidArgument, "unknown control policy").
			WithContext("policy", int(o.ControlPolicy))
	case o.EventPolicy != api.BackpressureBlock && o.EventPolicy != api.BackpressureReject:
		return api.NewError(api.ErrCodeInvalidArgument, "unknown event policy").
			WithContext("policy", int(o.EventPolicy))
	}
	return nil
}
