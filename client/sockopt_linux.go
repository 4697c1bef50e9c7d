//go:build linux

// File: client/sockopt_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Socket tuning applied by the dialer before connect.

package client

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func socketControl(cfg *Config) func(network, address string, rc syscall.RawConn) error {
	return func(network, address string, rc syscall.RawConn) error {
		var serr error
		err := rc.Control(func(fd uintptr) {
			s := int(fd)
			if serr = unix.SetsockoptInt(s, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); serr != nil {
				return
			}
			// Ack market data promptly instead of waiting for delayed-ack timers.
			if serr = unix.SetsockoptInt(s, unix.IPPROTO_TCP, unix.TCP_QUICKACK, 1); serr != nil {
				return
			}
			if cfg.SocketReadBuffer > 0 {
				if serr = unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_RCVBUF, cfg.SocketReadBuffer); serr != nil {
					return
				}
			}
			if cfg.SocketWriteBuffer > 0 {
				serr = unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_SNDBUF, cfg.SocketWriteBuffer)
			}
		})
		if err != nil {
			return err
		}
		return serr
	}
}
