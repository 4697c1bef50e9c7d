// Copyright 2025 momentics@gmail.com
// License: Apache 2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/momentics/binance-ws/api"
	"github.com/momentics/binance-ws/control"
	"github.com/momentics/binance-ws/fake"
	"github.com/momentics/binance-ws/internal/backoff"
	"github.com/momentics/binance-ws/internal/config"
	"github.com/momentics/binance-ws/protocol"
)

func TestDiffStreams(t *testing.T) {
	cases := []struct {
		name           string
		prev, next     []string
		added, removed []string
	}{
		{"same", []string{"a", "b"}, []string{"b", "a"}, nil, nil},
		{"grow", []string{"a"}, []string{"a", "b", "c"}, []string{"b", "c"}, nil},
		{"shrink", []string{"a", "b"}, []string{"b"}, nil, []string{"a"}},
		{"swap", []string{"a", "b"}, []string{"a", "c"}, []string{"c"}, []string{"b"}},
		{"empty", nil, []string{"a"}, []string{"a"}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			added, removed := diffStreams(tc.prev, tc.next)
			assert.Equal(t, tc.added, added)
			assert.Equal(t, tc.removed, removed)
		})
	}
}

// exchange answers every request with an ack and follows the first one
// with a trade; received text payloads are reported on the returned channel.
func exchange() (*fake.Server, chan string) {
	requests := make(chan string, 16)
	srv := fake.NewServer(func(p *fake.Peer) {
		for {
			f, err := p.ReadFrame(5 * time.Second)
			if err != nil {
				return
			}
			switch f.Opcode {
			case protocol.OpcodeText:
				requests <- string(f.Payload)
				var req struct {
					ID uint64 `json:"id"`
				}
				if json.Unmarshal(f.Payload, &req) != nil {
					return
				}
				_ = p.WriteText(`{"result":null,"id":` + strconv.FormatUint(req.ID, 10) + `}`)
				if req.ID == 0 {
					_ = p.WriteText(`{"e":"trade","s":"BTCUSDT","p":"1.0"}`)
				}
			case protocol.OpcodeClose:
				_ = p.WriteClose(protocol.CloseNormalClosure, "")
				return
			}
		}
	})
	return srv, requests
}

func testStreamConfig(t *testing.T, addr, mode string) *config.Config {
	t.Helper()
	cfg, err := config.NewLoader("").Load()
	require.NoError(t, err)
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	cfg.Binance.Protocol = "ws"
	cfg.Binance.Host = host
	cfg.Binance.Port, err = strconv.Atoi(port)
	require.NoError(t, err)
	cfg.Binance.TimeUnit = ""
	cfg.Binance.RequestsPerSecond = 100
	cfg.Client.PollInterval = 10 * time.Millisecond
	cfg.Client.CloseTimeout = time.Second
	cfg.Stream.Mode = mode
	cfg.Stream.Streams = []string{"a@trade", "b@trade"}
	cfg.Reconnect.InitialInterval = 10 * time.Millisecond
	return cfg
}

func newTestStreamer(cfg *config.Config) (*streamer, *control.ConfigStore[*config.Config], chan api.Event) {
	store := control.NewConfigStore(cfg)
	s := newStreamer(store, zap.NewNop(), control.NewMetrics(prometheus.NewRegistry()), control.NewDebugProbes())
	events := make(chan api.Event, 64)
	s.onEvent = func(ev api.Event) { events <- ev }
	return s, store, events
}

func waitEvent(t *testing.T, events chan api.Event, match func(api.Event) bool) api.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("event not observed")
			return api.Event{}
		}
	}
}

func isPayload(s string) func(api.Event) bool {
	return func(ev api.Event) bool {
		return ev.Kind == api.EventMessage && string(ev.Payload) == s
	}
}

func TestStreamerSessions(t *testing.T) {
	for _, mode := range []string{config.ModeNonBlocking, config.ModeBlocking} {
		t.Run(mode, func(t *testing.T) {
			srv, requests := exchange()
			defer srv.Close()

			s, _, events := newTestStreamer(testStreamConfig(t, srv.Addr(), mode))
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- s.run(ctx) }()

			assert.Equal(t, `{"method":"SUBSCRIBE","params":["a@trade","b@trade"],"id":0}`, <-requests)
			waitEvent(t, events, isPayload(`{"result":null,"id":0}`))
			waitEvent(t, events, isPayload(`{"e":"trade","s":"BTCUSDT","p":"1.0"}`))

			cancel()
			ev := waitEvent(t, events, func(ev api.Event) bool { return ev.Terminal() })
			assert.Equal(t, api.EventClosed, ev.Kind)
			assert.Equal(t, uint16(protocol.CloseNormalClosure), ev.Reason.Code)

			select {
			case err := <-done:
				assert.ErrorIs(t, err, context.Canceled)
			case <-time.After(5 * time.Second):
				t.Fatal("streamer did not stop")
			}
			require.Len(t, srv.Requests(), 1)
			assert.Equal(t, "/ws", srv.Requests()[0].URL.Path)
		})
	}
}

func TestStreamerReconcilesOnReload(t *testing.T) {
	srv, requests := exchange()
	defer srv.Close()

	cfg := testStreamConfig(t, srv.Addr(), config.ModeNonBlocking)
	s, store, events := newTestStreamer(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.run(ctx) }()

	<-requests
	waitEvent(t, events, isPayload(`{"result":null,"id":0}`))
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.live != nil
	}, 2*time.Second, 5*time.Millisecond)

	next := *cfg
	next.Stream.Streams = []string{"a@trade", "c@trade"}
	store.Update(&next)

	assert.Equal(t, `{"method":"UNSUBSCRIBE","params":["b@trade"],"id":1}`, <-requests)
	assert.Equal(t, `{"method":"SUBSCRIBE","params":["c@trade"],"id":2}`, <-requests)
	waitEvent(t, events, isPayload(`{"result":null,"id":2}`))

	// An unchanged list sends nothing.
	store.Update(&next)
	select {
	case r := <-requests:
		t.Fatalf("unexpected request %s", r)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("streamer did not stop")
	}
}

func TestStreamerGivesUpAfterMaxRetries(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := testStreamConfig(t, addr, config.ModeNonBlocking)
	cfg.Reconnect.InitialInterval = time.Millisecond
	cfg.Reconnect.MaxRetries = 2
	s, _, _ := newTestStreamer(cfg)

	err = s.run(context.Background())
	var mr *backoff.ErrMaxRetries
	require.True(t, errors.As(err, &mr), "got %v", err)
	assert.ErrorIs(t, err, api.ErrConnectRefused)
}

func TestAdminMux(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := control.NewMetrics(reg)
	m.IncConnect("ok")
	probes := control.NewDebugProbes()
	probes.RegisterProbe("session", func() any { return "open" })

	srv := httptest.NewServer(adminMux("/metrics", reg, probes))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), `wsclient_connects_total{status="ok"} 1`)

	resp, err = http.Get(srv.URL + "/debug/probes")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var dump map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&dump))
	assert.Equal(t, "open", dump["session"])
}
