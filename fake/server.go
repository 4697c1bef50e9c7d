// Package fake
// Author: momentics <momentics@gmail.com>
//
// Scripted websocket peers for tests. A Server accepts loopback connections,
// completes the upgrade, then hands the raw socket to a script that decides
// exactly which frames go out and when. Useful where a conforming server
// library would hide the behavior under test (stray frames, silence, abrupt
// disconnects).

package fake

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/momentics/binance-ws/protocol"
)

// Script drives one accepted connection. The connection is closed when the
// script returns.
type Script func(p *Peer)

// Server is a loopback listener running a Script per connection.
type Server struct {
	ln     net.Listener
	script Script
	status int

	mu       sync.Mutex
	requests []*http.Request
	peers    []*Peer

	wg     sync.WaitGroup
	closed chan struct{}
}

// NewServer starts a server that upgrades every connection and runs script.
func NewServer(script Script) *Server {
	return start(script, http.StatusSwitchingProtocols)
}

// NewRejectingServer starts a server answering every upgrade with status.
func NewRejectingServer(status int) *Server {
	return start(nil, status)
}

func start(script Script, status int) *Server {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(fmt.Sprintf("fake: listen: %v", err))
	}
	s := &Server{ln: ln, script: script, status: status, closed: make(chan struct{})}
	s.wg.Add(1)
	go s.acceptLoop()
	return s
}

// URL returns the ws:// address of the server with path appended.
func (s *Server) URL(path string) string {
	return "ws://" + s.ln.Addr().String() + path
}

// Addr returns the listener address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Requests returns the upgrade requests seen so far.
func (s *Server) Requests() []*http.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*http.Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Close stops accepting, drops open connections and waits for scripts.
func (s *Server) Close() {
	select {
	case <-s.closed:
		return
	default:
		close(s.closed)
	}
	_ = s.ln.Close()
	s.mu.Lock()
	for _, p := range s.peers {
		p.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	br := bufio.NewReader(conn)
	req, hdr, err := protocol.ReadClientHandshake(br)
	if req != nil {
		s.mu.Lock()
		s.requests = append(s.requests, req)
		s.mu.Unlock()
	}
	if err != nil {
		_, _ = fmt.Fprintf(conn, "HTTP/1.1 400 Bad Request\r\nContent-Length: 0\r\n\r\n")
		return
	}
	if s.status != http.StatusSwitchingProtocols {
		_, _ = fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nContent-Length: 0\r\n\r\n", s.status, http.StatusText(s.status))
		return
	}
	if err := protocol.WriteHandshakeResponse(conn, hdr); err != nil {
		return
	}

	p := &Peer{conn: conn, br: br, dec: protocol.NewDecoder(0), Request: req}
	s.mu.Lock()
	s.peers = append(s.peers, p)
	s.mu.Unlock()
	if s.script != nil {
		s.script(p)
	}
}

// Peer is the server side of one upgraded connection. Frames it writes are
// unmasked, as a server's must be.
type Peer struct {
	Request *http.Request

	conn net.Conn
	br   *bufio.Reader
	dec  *protocol.Decoder

	wmu sync.Mutex
}

// WriteFrame writes a single frame.
func (p *Peer) WriteFrame(fin bool, opcode byte, payload []byte) error {
	return p.WriteRaw(protocol.AppendFrame(nil, fin, opcode, payload, nil))
}

// WriteText writes a complete text message.
func (p *Peer) WriteText(s string) error {
	return p.WriteFrame(true, protocol.OpcodeText, []byte(s))
}

// WriteClose writes a Close frame carrying code and reason.
func (p *Peer) WriteClose(code uint16, reason string) error {
	return p.WriteFrame(true, protocol.OpcodeClose, protocol.ClosePayload(code, reason))
}

// WriteRaw writes bytes as they are.
func (p *Peer) WriteRaw(b []byte) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	_, err := p.conn.Write(b)
	return err
}

// ReadFrame returns the next frame from the client, waiting up to timeout.
func (p *Peer) ReadFrame(timeout time.Duration) (*protocol.WSFrame, error) {
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 4096)
	for {
		f, err := p.dec.Next()
		if err != nil || f != nil {
			return f, err
		}
		if err := p.conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		n, err := p.br.Read(buf)
		if n > 0 {
			p.dec.Feed(buf[:n])
			continue
		}
		if err != nil {
			return nil, err
		}
	}
}

// ReadUntilClose reads frames until the client's Close frame arrives and
// returns everything read, the Close frame last.
func (p *Peer) ReadUntilClose(timeout time.Duration) ([]*protocol.WSFrame, error) {
	var frames []*protocol.WSFrame
	for {
		f, err := p.ReadFrame(timeout)
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
		if f.Opcode == protocol.OpcodeClose {
			return frames, nil
		}
	}
}

// WaitDisconnect blocks until the client drops the TCP connection or timeout
// passes. Frames arriving meanwhile are discarded.
func (p *Peer) WaitDisconnect(timeout time.Duration) error {
	for {
		_, err := p.ReadFrame(timeout)
		if err == nil {
			continue
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return err
		}
		return nil
	}
}

// Close drops the TCP connection without a close handshake.
func (p *Peer) Close() { _ = p.conn.Close() }
