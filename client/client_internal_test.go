// Copyright 2025 momentics@gmail.com
// License: Apache 2.0

package client

import (
	"bufio"
	"io"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/binance-ws/api"
)

// pipeClient builds a Client over an in-memory connection whose far end
// discards everything written to it.
func pipeClient(t *testing.T) (*Client, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	go func() { _, _ = io.Copy(io.Discard, remote) }()
	t.Cleanup(func() { _ = remote.Close() })
	u, err := url.Parse("ws://pipe/")
	require.NoError(t, err)
	c := newClient(u, local, bufio.NewReader(local), nil, (&Config{}).withDefaults())
	c.setState(api.StateOpen)
	return c, remote
}

func TestFailedStartKeepsCloseUsable(t *testing.T) {
	c, _ := pipeClient(t)
	c.setState(api.StateFaulted)

	_, _, err := c.RunNonBlocking(DefaultNonBlockingOptions())
	assert.ErrorIs(t, err, api.ErrClosed)
	assert.ErrorIs(t, c.RunBlocking(api.HandlerFuncs{}, nil), api.ErrClosed)

	require.NoError(t, c.Close())
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("socket not released")
	}
	assert.Equal(t, api.StateClosed, c.State())
	assert.ErrorIs(t, c.Close(), api.ErrAlreadyStarted)
}

func TestDirectSendAfterStartIsQueued(t *testing.T) {
	c, _ := pipeClient(t)
	require.NoError(t, c.start())

	assert.ErrorIs(t, c.SendTextMessage("outside"), api.ErrSendUnavailable)

	c.inHandler.Store(true)
	require.NoError(t, c.SendTextMessage("inside"))
	c.inHandler.Store(false)

	assert.Zero(t, c.Stats().FramesOut)
	frames := c.takeOutbox()
	require.Len(t, frames, 1)
	assert.Empty(t, c.takeOutbox())

	// Once the loop is closing, handed-over sends are counted as discarded.
	l := newRunLoop(c, nil, &handlerDispatch{c: c, h: api.HandlerFuncs{}})
	l.closeSent = true
	c.outbox = frames
	l.collectDirect()
	assert.Zero(t, l.pending.Length())
	assert.Equal(t, uint64(1), c.Stats().SendsDiscarded)
	c.release()
}
