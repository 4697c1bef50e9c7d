// File: protocol/handshake.go
// Package protocol implements the RFC 6455 opening handshake.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Provides both client-side and server-side handshake routines so the client
// and the test peer share a single implementation of HTTP Upgrade processing,
// Sec-WebSocket-Key/Accept negotiation, and header serialization. Readers are
// passed as *bufio.Reader and kept by the caller: bytes the server sends right
// after the 101 response belong to the first frames.

package protocol

import (
	"bufio"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/momentics/binance-ws/api"
)

// Constants used for handshake processing.
const (
	WebSocketGUID            = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	HeaderConnection         = "Connection"
	HeaderUpgrade            = "Upgrade"
	HeaderSecWebSocketKey    = "Sec-WebSocket-Key"
	HeaderSecWebSocketVer    = "Sec-WebSocket-Version"
	HeaderSecWebSocketAccept = "Sec-WebSocket-Accept"
	HeaderSecWebSocketExt    = "Sec-WebSocket-Extensions"
	RequiredWebSocketVersion = "13"
	MaxHandshakeHeadersSize  = 8192
)

// Errors for server-side handshake validation.
var (
	ErrInvalidUpgradeHeaders = fmt.Errorf("invalid WebSocket upgrade headers")
	ErrMissingWebSocketKey   = fmt.Errorf("missing Sec-WebSocket-Key header")
	ErrBadWebSocketVersion   = fmt.Errorf("unsupported WebSocket version; only '13' is supported")
)

// reservedHeaders are owned by the handshake and cannot be overridden.
// Extensions are never negotiated, so RSV bits stay illegal.
var reservedHeaders = map[string]bool{
	http.CanonicalHeaderKey(HeaderConnection):         true,
	http.CanonicalHeaderKey(HeaderUpgrade):            true,
	http.CanonicalHeaderKey(HeaderSecWebSocketKey):    true,
	http.CanonicalHeaderKey(HeaderSecWebSocketVer):    true,
	http.CanonicalHeaderKey(HeaderSecWebSocketAccept): true,
	http.CanonicalHeaderKey(HeaderSecWebSocketExt):    true,
}

// NewChallengeKey returns a base64-encoded random 16-byte nonce.
func NewChallengeKey() (string, error) {
	var p [16]byte
	if _, err := rand.Read(p[:]); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(p[:]), nil
}

// ComputeAcceptKey derives Sec-WebSocket-Accept from a challenge key.
func ComputeAcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key + WebSocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// NewHandshakeRequest builds the GET Upgrade request for u. Extra headers are
// passed through verbatim except the ones the handshake owns; "Host" replaces
// the request host.
func NewHandshakeRequest(u *url.URL, key string, headers map[string]string) *http.Request {
	reqURL := *u
	switch reqURL.Scheme {
	case "ws":
		reqURL.Scheme = "http"
	case "wss":
		reqURL.Scheme = "https"
	}
	req := &http.Request{
		Method:     http.MethodGet,
		URL:        &reqURL,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
		Host:       u.Host,
	}
	for k, v := range headers {
		ck := http.CanonicalHeaderKey(k)
		switch {
		case reservedHeaders[ck]:
			continue
		case ck == "Host":
			req.Host = v
		default:
			req.Header.Set(k, v)
		}
	}
	req.Header.Set(HeaderUpgrade, "websocket")
	req.Header.Set(HeaderConnection, "Upgrade")
	req.Header.Set(HeaderSecWebSocketKey, key)
	req.Header.Set(HeaderSecWebSocketVer, RequiredWebSocketVersion)
	return req
}

// WriteHandshakeRequest serializes the HTTP GET Upgrade request into w.
func WriteHandshakeRequest(w io.Writer, req *http.Request) error {
	req.RequestURI = ""
	if err := req.Write(w); err != nil {
		return fmt.Errorf("handshake write request: %w", err)
	}
	return nil
}

// ReadHandshakeResponse reads the server reply from br and validates it
// against the challenge key. Rejections wrap api.ErrProtocolMismatch; transport
// failures are returned wrapped as they are.
func ReadHandshakeResponse(br *bufio.Reader, req *http.Request, key string) (*http.Response, error) {
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, fmt.Errorf("handshake read response: %w", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		return resp, fmt.Errorf("%w: status %s", api.ErrProtocolMismatch, resp.Status)
	}
	if !headerContainsToken(resp.Header, HeaderUpgrade, "websocket") ||
		!headerContainsToken(resp.Header, HeaderConnection, "upgrade") {
		return resp, fmt.Errorf("%w: missing Upgrade/Connection headers", api.ErrProtocolMismatch)
	}
	if got, want := resp.Header.Get(HeaderSecWebSocketAccept), ComputeAcceptKey(key); got != want {
		return resp, fmt.Errorf("%w: Sec-WebSocket-Accept %q does not match", api.ErrProtocolMismatch, got)
	}
	return resp, nil
}

// ReadClientHandshake reads and validates an HTTP/1.1 Upgrade request from br.
// Returns the request and the headers to include in the 101 response.
func ReadClientHandshake(br *bufio.Reader) (*http.Request, http.Header, error) {
	req, err := http.ReadRequest(br)
	if err != nil {
		return nil, nil, fmt.Errorf("handshake read request: %w", err)
	}

	// Enforce a maximum total header size to prevent abuse.
	total := 0
	for k, vs := range req.Header {
		total += len(k)
		for _, v := range vs {
			total += len(v)
			if total > MaxHandshakeHeadersSize {
				return req, nil, fmt.Errorf("handshake headers too large")
			}
		}
	}

	if !headerContainsToken(req.Header, HeaderConnection, "Upgrade") ||
		!headerContainsToken(req.Header, HeaderUpgrade, "websocket") {
		return req, nil, ErrInvalidUpgradeHeaders
	}
	if req.Header.Get(HeaderSecWebSocketVer) != RequiredWebSocketVersion {
		return req, nil, ErrBadWebSocketVersion
	}
	key := req.Header.Get(HeaderSecWebSocketKey)
	if key == "" {
		return req, nil, ErrMissingWebSocketKey
	}

	hdr := make(http.Header)
	hdr.Set(HeaderUpgrade, "websocket")
	hdr.Set(HeaderConnection, "Upgrade")
	hdr.Set(HeaderSecWebSocketAccept, ComputeAcceptKey(key))
	return req, hdr, nil
}

// WriteHandshakeResponse writes a 101 Switching Protocols response with hdr.
func WriteHandshakeResponse(w io.Writer, hdr http.Header) error {
	if _, err := fmt.Fprintf(w, "HTTP/1.1 101 Switching Protocols\r\n"); err != nil {
		return err
	}
	if err := hdr.Write(w); err != nil {
		return err
	}
	_, err := fmt.Fprint(w, "\r\n")
	return err
}

// headerContainsToken checks if headerName contains the given token (case-insensitive).
func headerContainsToken(h http.Header, headerName, token string) bool {
	vals := h[http.CanonicalHeaderKey(headerName)]
	for _, v := range vals {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}
