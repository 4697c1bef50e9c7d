// File: client/dial.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Connection Establisher: DNS and TCP connect, optional TLS, HTTP Upgrade.

package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/url"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/momentics/binance-ws/api"
	"github.com/momentics/binance-ws/protocol"
)

var tracer = otel.Tracer("binance-ws/client")

// Connect is ConnectWithHeaders without extra headers.
func Connect(ctx context.Context, rawURL string, cfg *Config) (*Client, error) {
	return ConnectWithHeaders(ctx, rawURL, nil, cfg)
}

// ConnectWithHeaders opens a websocket connection to rawURL (ws or wss),
// sending headers with the upgrade request. It blocks until the handshake
// completes, fails, or cfg.ConnectTimeout elapses. Failures are *api.ConnectError
// and are never retried here.
func ConnectWithHeaders(ctx context.Context, rawURL string, headers map[string]string, cfg *Config) (*Client, error) {
	cfg = cfg.withDefaults()
	id := uuid.NewString()
	log := cfg.Logger.With(zap.String("conn_id", id))

	ctx, span := tracer.Start(ctx, "ws.connect", trace.WithAttributes(attribute.String("ws.conn_id", id)))
	defer span.End()

	c, err := establish(ctx, rawURL, headers, cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "connect failed")
		cfg.Metrics.IncConnect(connectStatus(err))
		log.Warn("websocket connect failed", zap.String("url", redactURL(rawURL)), zap.Error(err))
		return nil, err
	}
	span.SetAttributes(attribute.String("ws.host", c.url.Host))
	cfg.Metrics.IncConnect("ok")

	c.id = id
	c.log = log.With(zap.String("url", redactURL(rawURL)))
	c.setState(api.StateOpen)
	if cfg.Probes != nil {
		cfg.Probes.RegisterProbe(c.probeName(), func() any { return c.Stats() })
	}
	c.log.Info("websocket connected")
	return c, nil
}

func establish(ctx context.Context, rawURL string, headers map[string]string, cfg *Config) (*Client, error) {
	u, err := parseURL(rawURL)
	if err != nil {
		return nil, &api.ConnectError{Kind: api.ErrInvalidURL, URL: rawURL, Err: err}
	}
	fail := func(kind, cause error) error {
		return &api.ConnectError{Kind: kind, URL: redactURL(rawURL), Err: cause}
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	dialer := &net.Dialer{Control: socketControl(cfg)}
	conn, err := dialer.DialContext(ctx, "tcp", hostPort(u))
	if err != nil {
		return nil, fail(classifyDial(ctx, err), err)
	}
	ok := false
	defer func() {
		if !ok {
			_ = conn.Close()
		}
	}()

	// Bound every later step by the same deadline; cancellation interrupts
	// blocked reads by moving the deadline to now.
	if deadline, has := ctx.Deadline(); has {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if u.Scheme == "wss" {
		tconn := tls.Client(conn, tlsConfigFor(cfg.TLSConfig, u))
		if err := tconn.HandshakeContext(ctx); err != nil {
			if isTimeout(err) || ctx.Err() != nil {
				return nil, fail(api.ErrConnectTimeout, err)
			}
			return nil, fail(api.ErrTLSFailure, err)
		}
		conn = tconn
	}

	key, err := protocol.NewChallengeKey()
	if err != nil {
		return nil, fail(api.ErrProtocolMismatch, err)
	}
	req := protocol.NewHandshakeRequest(u, key, headers)
	if err := protocol.WriteHandshakeRequest(conn, req); err != nil {
		return nil, fail(classifyHandshake(ctx, err), err)
	}
	br := bufio.NewReaderSize(conn, cfg.ReadBufferSize)
	resp, err := protocol.ReadHandshakeResponse(br, req, key)
	if err != nil {
		return nil, fail(classifyHandshake(ctx, err), err)
	}
	if resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, fail(api.ErrConnectRefused, err)
	}

	ok = true
	return newClient(u, conn, br, resp.Header, cfg), nil
}

func parseURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, errors.New("scheme must be ws or wss")
	}
	if u.Hostname() == "" {
		return nil, errors.New("missing host")
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u, nil
}

func hostPort(u *url.URL) string {
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "wss" {
			port = "443"
		}
	}
	return net.JoinHostPort(u.Hostname(), port)
}

func tlsConfigFor(base *tls.Config, u *url.URL) *tls.Config {
	var cfg *tls.Config
	if base != nil {
		cfg = base.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = u.Hostname()
	}
	return cfg
}

// classifyDial maps a TCP dial failure onto a connect error kind. Resolution
// and routing failures count as refused.
func classifyDial(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), isTimeout(err):
		return api.ErrConnectTimeout
	case errors.Is(err, context.Canceled):
		return api.ErrConnectTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		return api.ErrConnectRefused
	}
	if ctx.Err() != nil {
		return api.ErrConnectTimeout
	}
	return api.ErrConnectRefused
}

func classifyHandshake(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, api.ErrProtocolMismatch):
		return api.ErrProtocolMismatch
	case isTimeout(err), ctx.Err() != nil:
		return api.ErrConnectTimeout
	}
	return api.ErrProtocolMismatch
}

func connectStatus(err error) string {
	switch {
	case errors.Is(err, api.ErrConnectTimeout):
		return "timeout"
	case errors.Is(err, api.ErrConnectRefused):
		return "refused"
	case errors.Is(err, api.ErrTLSFailure):
		return "tls"
	case errors.Is(err, api.ErrProtocolMismatch):
		return "protocol"
	default:
		return "invalid"
	}
}

// redactURL strips credentials before a URL reaches logs or errors.
func redactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Redacted()
}
