// Copyright 2025 momentics@gmail.com
// License: Apache 2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/momentics/binance-ws/api"
	"github.com/momentics/binance-ws/control"
)

func writeFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := NewLoader("").Load()
	require.NoError(t, err)

	assert.Equal(t, "wss", cfg.Binance.Protocol)
	assert.Equal(t, 9443, cfg.Binance.Port)
	assert.Equal(t, "MICROSECOND", cfg.Binance.TimeUnit)
	assert.Equal(t, ModeNonBlocking, cfg.Stream.Mode)
	assert.Equal(t, []string{"btcusdt@trade"}, cfg.Stream.Streams)
	assert.Equal(t, 10*time.Second, cfg.Client.ConnectTimeout)

	opts, err := cfg.NonBlockingOptions()
	require.NoError(t, err)
	assert.Equal(t, api.BackpressureReject, opts.ControlPolicy)
	assert.Equal(t, api.BackpressureBlock, opts.EventPolicy)

	bc := cfg.BinanceConfig(cfg.ClientConfig(), zap.NewNop())
	assert.Equal(t, "wss://stream.binance.com:9443/ws?timeUnit=MICROSECOND", bc.Connection.String())
	assert.Nil(t, bc.Connection.Headers)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeFile(t, t.TempDir(), `
logging:
  level: debug
binance:
  api_key: secret
stream:
  mode: blocking
  streams: [ethusdt@depth, bnbusdt@trade]
  event_policy: drop
client:
  close_timeout: 2s
`)
	t.Setenv("BINANCE_WS_CLIENT_POLL_INTERVAL", "20ms")
	t.Setenv("BINANCE_WS_LOGGING_DEV_MODE", "true")
	t.Setenv("BINANCE_WS_BINANCE_PORT", "9999")
	t.Setenv("BINANCE_WS_BINANCE_REQUESTS_PER_SECOND", "2.5")
	t.Setenv("BINANCE_WS_STREAM_EVENT_CAPACITY", "8")
	t.Setenv("BINANCE_WS_RECONNECT_MAX_RETRIES", "3")

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.DevMode)
	assert.Equal(t, ModeBlocking, cfg.Stream.Mode)
	assert.Equal(t, []string{"ethusdt@depth", "bnbusdt@trade"}, cfg.Stream.Streams)
	assert.Equal(t, 2*time.Second, cfg.Client.CloseTimeout)
	assert.Equal(t, 20*time.Millisecond, cfg.Client.PollInterval)
	assert.Equal(t, 9999, cfg.Binance.Port)
	assert.Equal(t, 2.5, cfg.Binance.RequestsPerSecond)
	assert.Equal(t, uint64(3), cfg.Reconnect.MaxRetries)

	opts, err := cfg.NonBlockingOptions()
	require.NoError(t, err)
	assert.Equal(t, api.BackpressureReject, opts.EventPolicy)
	assert.Equal(t, 8, opts.EventCapacity)

	bc := cfg.BinanceConfig(cfg.ClientConfig(), nil)
	assert.Equal(t, "secret", bc.Connection.Headers["X-MBX-APIKEY"])
	assert.Equal(t, 2*time.Second, bc.Client.CloseTimeout)
}

func TestLoadFlagsOverride(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.StringSlice("streams", nil, "")
	fs.String("mode", "", "")
	require.NoError(t, fs.Parse([]string{"--streams=a@trade,b@trade", "--mode=blocking"}))

	l := NewLoader("")
	require.NoError(t, l.BindFlags(fs, map[string]string{"streams": "stream.streams", "mode": "stream.mode"}))
	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"a@trade", "b@trade"}, cfg.Stream.Streams)
	assert.Equal(t, ModeBlocking, cfg.Stream.Mode)

	assert.Error(t, l.BindFlags(fs, map[string]string{"missing": "x"}))
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"level":    "logging:\n  level: loud\n",
		"protocol": "binance:\n  protocol: http\n",
		"port":     "binance:\n  port: 70000\n",
		"mode":     "stream:\n  mode: sideways\n",
		"policy":   "stream:\n  control_policy: maybe\n",
		"backoff":  "reconnect:\n  multiplier: 0.5\n",
		"timeout":  "client:\n  write_timeout: -1s\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewLoader(writeFile(t, t.TempDir(), body)).Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := NewLoader(filepath.Join(t.TempDir(), "absent.yaml")).Load()
	assert.Error(t, err)
}

func TestWatchPublishesValidReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "logging:\n  level: info\n")
	l := NewLoader(path)
	cfg, err := l.Load()
	require.NoError(t, err)

	store := control.NewConfigStore(cfg)
	levels := make(chan string, 16)
	store.OnReload(func(_, cur *Config) { levels <- cur.Logging.Level })
	l.Watch(store, zap.NewNop())

	writeFile(t, dir, "logging:\n  level: loud\n")
	writeFile(t, dir, "logging:\n  level: debug\n")

	require.Eventually(t, func() bool {
		return store.Snapshot().Logging.Level == "debug"
	}, 3*time.Second, 10*time.Millisecond)
	for len(levels) > 0 {
		assert.NotEqual(t, "loud", <-levels, "invalid config published")
	}
}
