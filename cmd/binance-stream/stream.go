// File: cmd/binance-stream/stream.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/momentics/binance-ws/api"
	"github.com/momentics/binance-ws/binance"
	"github.com/momentics/binance-ws/client"
	"github.com/momentics/binance-ws/control"
	"github.com/momentics/binance-ws/internal/backoff"
	"github.com/momentics/binance-ws/internal/config"
)

// shutdownGrace bounds the wait for the terminal event after asking the
// connection to close.
const shutdownGrace = 10 * time.Second

// streamer runs one session after another until its context ends.
type streamer struct {
	store   *control.ConfigStore[*config.Config]
	log     *zap.Logger
	metrics *control.Metrics
	probes  *control.DebugProbes

	// onEvent observes every delivered event; tests hook in here.
	onEvent func(api.Event)

	mu   sync.Mutex
	live *binance.NonBlockingWebSocket
	subs []string
}

func newStreamer(store *control.ConfigStore[*config.Config], log *zap.Logger, m *control.Metrics, probes *control.DebugProbes) *streamer {
	s := &streamer{store: store, log: log, metrics: m, probes: probes}
	store.OnReload(s.reconcileStreams)
	return s
}

func (s *streamer) run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		cfg := s.store.Snapshot()
		var err error
		if cfg.Stream.Mode == config.ModeBlocking {
			err = s.blockingSession(ctx, cfg)
		} else {
			err = s.nonBlockingSession(ctx, cfg)
		}
		if err != nil {
			var mr *backoff.ErrMaxRetries
			if errors.As(err, &mr) || ctx.Err() != nil {
				return err
			}
			s.log.Warn("session ended", zap.Error(err))
			pause(ctx, cfg.Reconnect.InitialInterval)
		}
	}
}

func pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func (s *streamer) binanceConfig(cfg *config.Config) binance.Config {
	cc := cfg.ClientConfig()
	cc.Logger = s.log
	cc.Metrics = s.metrics
	cc.Probes = s.probes
	return cfg.BinanceConfig(cc, s.log)
}

// connect dials with back-off; a session always starts from a fresh
// connection and therefore from request id 0.
func connect[T any](ctx context.Context, s *streamer, cfg *config.Config, dial func(context.Context, binance.Config) (T, error)) (T, error) {
	var ws T
	bcfg := s.binanceConfig(cfg)
	err := backoff.Execute(ctx, cfg.Reconnect, s.log, nil, func(ctx context.Context) error {
		var err error
		ws, err = dial(ctx, bcfg)
		if errors.Is(err, api.ErrInvalidURL) {
			return backoff.Permanent(err)
		}
		return err
	})
	return ws, err
}

func (s *streamer) nonBlockingSession(ctx context.Context, cfg *config.Config) error {
	opts, err := cfg.NonBlockingOptions()
	if err != nil {
		return err
	}
	ws, err := connect(ctx, s, cfg, binance.ConnectNonBlocking)
	if err != nil {
		return err
	}
	sender, events, err := ws.RunNonBlocking(opts)
	if err != nil {
		_ = ws.Close()
		return err
	}
	defer events.Close()

	if err := ws.SubscribeToStreams(ctx, cfg.Stream.Streams...); err != nil {
		sender.Close()
		return s.drain(events, err)
	}
	s.setLive(ws, cfg.Stream.Streams)
	defer s.setLive(nil, nil)

	for {
		select {
		case ev, ok := <-events.C():
			if !ok {
				return nil
			}
			s.handle(ev)
			if ev.Terminal() {
				return terminalErr(ev)
			}
		case <-ctx.Done():
			sender.Close()
			return s.drain(events, ctx.Err())
		}
	}
}

// drain waits for the terminal event after a close was requested.
func (s *streamer) drain(events *client.EventReceiver, cause error) error {
	dctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	for {
		ev, err := events.RecvContext(dctx)
		if err != nil {
			if errors.Is(err, api.ErrClosed) {
				return cause
			}
			return fmt.Errorf("waiting for close: %w", err)
		}
		s.handle(ev)
		if ev.Terminal() {
			return cause
		}
	}
}

func (s *streamer) blockingSession(ctx context.Context, cfg *config.Config) error {
	ws, err := connect(ctx, s, cfg, binance.ConnectBlocking)
	if err != nil {
		return err
	}
	if err := ws.SubscribeToStreams(ctx, cfg.Stream.Streams...); err != nil {
		_ = ws.Client().Close()
		return err
	}

	sender, receiver := client.NewControlChannel(cfg.Stream.ControlCapacity, api.BackpressureBlock)
	stop := context.AfterFunc(ctx, sender.Close)
	defer stop()

	var terminal error
	h := api.HandlerFuncs{
		Message: func(t api.MessageType, payload []byte) { s.handle(api.MessageEvent(t, payload)) },
		Closed: func(r api.CloseReason) {
			ev := api.ClosedEvent(r)
			s.handle(ev)
			terminal = terminalErr(ev)
		},
		Error: func(err error) {
			s.handle(api.ErrorEvent(err))
			terminal = err
		},
	}
	if err := ws.RunBlocking(h, receiver); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return terminal
}

func terminalErr(ev api.Event) error {
	if ev.Kind == api.EventError {
		return ev.Err
	}
	return fmt.Errorf("connection closed: %s", ev.Reason)
}

func (s *streamer) handle(ev api.Event) {
	if s.onEvent != nil {
		s.onEvent(ev)
	}
	if ev.Dropped > 0 {
		s.log.Warn("events dropped", zap.Uint64("count", ev.Dropped))
	}
	switch ev.Kind {
	case api.EventMessage:
		if resp, ok := binance.DecodeResponse(ev.Payload); ok {
			if resp.Error != nil {
				s.log.Error("request rejected", zap.Uint64("id", *resp.ID),
					zap.Int("code", resp.Error.Code), zap.String("msg", resp.Error.Msg))
				return
			}
			s.log.Info("request acknowledged", zap.Uint64("id", *resp.ID))
			return
		}
		s.log.Debug("market data", zap.ByteString("payload", ev.Payload))
	case api.EventClosed:
		s.log.Info("stream closed", zap.Stringer("reason", ev.Reason))
	case api.EventError:
		s.log.Warn("stream failed", zap.Error(ev.Err))
	}
}

func (s *streamer) setLive(ws *binance.NonBlockingWebSocket, streams []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live = ws
	s.subs = append([]string(nil), streams...)
}

// reconcileStreams applies a changed stream list to the live non-blocking
// session. Blocking sessions pick it up on their next connect.
func (s *streamer) reconcileStreams(_, cur *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live == nil {
		return
	}
	added, removed := diffStreams(s.subs, cur.Stream.Streams)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if len(removed) > 0 {
		if err := s.live.UnsubscribeFromStreams(ctx, removed...); err != nil {
			s.log.Warn("unsubscribe failed", zap.Error(err))
			return
		}
	}
	if len(added) > 0 {
		if err := s.live.SubscribeToStreams(ctx, added...); err != nil {
			s.log.Warn("subscribe failed", zap.Error(err))
			return
		}
	}
	s.subs = append([]string(nil), cur.Stream.Streams...)
}

// diffStreams returns the names in next but not in prev, and the reverse,
// keeping the order of the input lists.
func diffStreams(prev, next []string) (added, removed []string) {
	in := func(list []string, v string) bool {
		for _, x := range list {
			if x == v {
				return true
			}
		}
		return false
	}
	for _, n := range next {
		if !in(prev, n) {
			added = append(added, n)
		}
	}
	for _, p := range prev {
		if !in(next, p) {
			removed = append(removed, p)
		}
	}
	return added, removed
}
