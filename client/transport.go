// File: client/transport.go
// Package client implements the socket owner used by the Run Loop,
// with deadline support around a buffered net.Conn.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package client

import (
	"bufio"
	"errors"
	"net"
	"os"
	"time"

	"github.com/momentics/binance-ws/api"
	"github.com/momentics/binance-ws/pool"
)

// connTransport owns the socket of one connection. The bufio.Reader is the one
// used for the handshake, so frame bytes already buffered there are not lost.
type connTransport struct {
	conn    net.Conn
	br      *bufio.Reader
	bufPool *pool.BytePool
	buf     []byte
}

func newConnTransport(conn net.Conn, br *bufio.Reader, bufSize int) *connTransport {
	return &connTransport{conn: conn, br: br, bufPool: pool.ForSize(bufSize)}
}

// recv waits until deadline for inbound bytes. The returned slice is only
// valid until the next call. A deadline expiry returns (nil, nil).
func (t *connTransport) recv(deadline time.Time) ([]byte, error) {
	if t.buf == nil {
		t.buf = t.bufPool.GetBuffer()
	}
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return nil, &api.IoError{Op: "read", Err: err}
	}
	n, err := t.br.Read(t.buf)
	if n > 0 {
		// Bytes first; an error accompanying them surfaces on the next call.
		return t.buf[:n], nil
	}
	if err != nil {
		if isTimeout(err) {
			return nil, nil
		}
		return nil, &api.IoError{Op: "read", Err: err}
	}
	return nil, nil
}

// send writes one encoded frame with a write deadline.
func (t *connTransport) send(frame []byte, timeout time.Duration) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return &api.IoError{Op: "write", Err: err}
	}
	if _, err := t.conn.Write(frame); err != nil {
		return &api.IoError{Op: "write", Err: err}
	}
	return nil
}

func (t *connTransport) close() error {
	if t.buf != nil {
		t.bufPool.PutBuffer(t.buf)
		t.buf = nil
	}
	return t.conn.Close()
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
