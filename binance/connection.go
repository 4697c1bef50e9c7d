// File: binance/connection.go
// Package binance is a thin Binance market-stream adapter over the client
// package: connection addressing, subscription requests and request ids.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package binance

import (
	"fmt"
	"net/url"
)

// Default endpoint of the public market streams.
const (
	DefaultProtocol = "wss"
	DefaultHost     = "stream.binance.com"
	DefaultPort     = 9443
	DefaultPath     = "/ws"
	DefaultTimeUnit = "MICROSECOND"
)

// Connection addresses a stream endpoint.
type Connection struct {
	Protocol string
	Host     string
	Port     uint16
	Path     string
	Headers  map[string]string
	// TimeUnit is appended as the timeUnit query parameter; empty omits it.
	TimeUnit string
}

// DefaultConnection returns the public endpoint with microsecond timestamps.
func DefaultConnection() Connection {
	return Connection{
		Protocol: DefaultProtocol,
		Host:     DefaultHost,
		Port:     DefaultPort,
		Path:     DefaultPath,
		TimeUnit: DefaultTimeUnit,
	}
}

// String renders the websocket URL, e.g.
// wss://stream.binance.com:9443/ws?timeUnit=MICROSECOND.
func (c Connection) String() string {
	s := fmt.Sprintf("%s://%s:%d%s", c.Protocol, c.Host, c.Port, c.Path)
	if c.TimeUnit != "" {
		s += "?timeUnit=" + url.QueryEscape(c.TimeUnit)
	}
	return s
}
