// File: internal/config/config.go
// Package config loads the binance-stream configuration from defaults, an
// optional YAML file, BINANCE_WS_* environment variables and command-line
// flags, in increasing priority.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/momentics/binance-ws/api"
	"github.com/momentics/binance-ws/binance"
	"github.com/momentics/binance-ws/client"
	"github.com/momentics/binance-ws/control"
	"github.com/momentics/binance-ws/internal/backoff"
	"github.com/momentics/binance-ws/internal/logger"
)

// EnvPrefix prefixes environment overrides, e.g. BINANCE_WS_LOGGING_LEVEL.
const EnvPrefix = "BINANCE_WS"

// Stream modes.
const (
	ModeBlocking    = "blocking"
	ModeNonBlocking = "nonblocking"
)

// Config is the full process configuration.
type Config struct {
	Logging   logger.Config  `mapstructure:"logging"`
	Binance   BinanceConfig  `mapstructure:"binance"`
	Client    ClientConfig   `mapstructure:"client"`
	Stream    StreamConfig   `mapstructure:"stream"`
	Reconnect backoff.Config `mapstructure:"reconnect"`
	Metrics   MetricsConfig  `mapstructure:"metrics"`
}

// BinanceConfig addresses the stream endpoint.
type BinanceConfig struct {
	Protocol          string  `mapstructure:"protocol"`
	Host              string  `mapstructure:"host"`
	Port              int     `mapstructure:"port"`
	Path              string  `mapstructure:"path"`
	TimeUnit          string  `mapstructure:"time_unit"`
	APIKey            string  `mapstructure:"api_key"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// ClientConfig mirrors the tunables of client.Config.
type ClientConfig struct {
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	MaxPayload        int64         `mapstructure:"max_payload"`
	ReadBufferSize    int           `mapstructure:"read_buffer_size"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	CloseTimeout      time.Duration `mapstructure:"close_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	SocketReadBuffer  int           `mapstructure:"socket_read_buffer"`
	SocketWriteBuffer int           `mapstructure:"socket_write_buffer"`
}

// StreamConfig selects what to subscribe to and how events are consumed.
type StreamConfig struct {
	Mode            string   `mapstructure:"mode"`
	Streams         []string `mapstructure:"streams"`
	ControlCapacity int      `mapstructure:"control_capacity"`
	EventCapacity   int      `mapstructure:"event_capacity"`
	ControlPolicy   string   `mapstructure:"control_policy"`
	EventPolicy     string   `mapstructure:"event_policy"`
}

// MetricsConfig configures the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
	Path string `mapstructure:"path"`
}

func setDefaults(v *viper.Viper) {
	cc := client.DefaultConfig()
	nb := client.DefaultNonBlockingOptions()

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.dev_mode", false)

	v.SetDefault("binance.protocol", binance.DefaultProtocol)
	v.SetDefault("binance.host", binance.DefaultHost)
	v.SetDefault("binance.port", binance.DefaultPort)
	v.SetDefault("binance.path", binance.DefaultPath)
	v.SetDefault("binance.time_unit", binance.DefaultTimeUnit)
	v.SetDefault("binance.api_key", "")
	v.SetDefault("binance.requests_per_second", binance.DefaultRequestsPerSecond)

	v.SetDefault("client.connect_timeout", cc.ConnectTimeout.String())
	v.SetDefault("client.max_payload", cc.MaxPayload)
	v.SetDefault("client.read_buffer_size", cc.ReadBufferSize)
	v.SetDefault("client.poll_interval", cc.PollInterval.String())
	v.SetDefault("client.write_timeout", cc.WriteTimeout.String())
	v.SetDefault("client.close_timeout", cc.CloseTimeout.String())
	v.SetDefault("client.heartbeat_interval", "0s")
	v.SetDefault("client.socket_read_buffer", 0)
	v.SetDefault("client.socket_write_buffer", 0)

	v.SetDefault("stream.mode", ModeNonBlocking)
	v.SetDefault("stream.streams", []string{"btcusdt@trade"})
	v.SetDefault("stream.control_capacity", nb.ControlCapacity)
	v.SetDefault("stream.event_capacity", nb.EventCapacity)
	v.SetDefault("stream.control_policy", nb.ControlPolicy.String())
	v.SetDefault("stream.event_policy", nb.EventPolicy.String())

	v.SetDefault("reconnect.initial_interval", "500ms")
	v.SetDefault("reconnect.max_interval", "30s")
	v.SetDefault("reconnect.multiplier", 2.0)
	v.SetDefault("reconnect.randomization_factor", 0.5)
	v.SetDefault("reconnect.max_elapsed_time", "0s")
	v.SetDefault("reconnect.max_retries", 0)

	v.SetDefault("metrics.addr", "")
	v.SetDefault("metrics.path", "/metrics")
}

// Loader owns the viper instance so a loaded configuration can be watched.
type Loader struct {
	v    *viper.Viper
	path string
	mu   sync.Mutex
}

// NewLoader prepares defaults and environment overrides. path may be empty.
func NewLoader(path string) *Loader {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Loader{v: v, path: path}
}

// BindFlags lets set command-line flags override the keys they are mapped
// to, e.g. {"streams": "stream.streams"}.
func (l *Loader) BindFlags(fs *pflag.FlagSet, keys map[string]string) error {
	for flag, key := range keys {
		f := fs.Lookup(flag)
		if f == nil {
			return fmt.Errorf("config: unknown flag %q", flag)
		}
		if err := l.v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("config: bind flag %q: %w", flag, err)
		}
	}
	return nil
}

// Load reads the file, if any, then decodes and validates the result.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.path != "" {
		l.v.SetConfigFile(l.path)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", l.path, err)
		}
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "mapstructure",
		Result:  &cfg,
		// Environment overrides arrive as strings for every field type.
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			stringToBoolHook,
		),
	})
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}
	if err := dec.Decode(l.v.AllSettings()); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// Watch reloads the file on change and publishes valid results to store.
// Invalid edits are logged and the previous configuration stays in effect.
// No-op without a config file.
func (l *Loader) Watch(store *control.ConfigStore[*Config], log *zap.Logger) {
	if l.path == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		log.Info("config file changed", zap.String("file", e.Name), zap.Stringer("op", e.Op))
		l.mu.Lock()
		cfg, err := l.decode()
		l.mu.Unlock()
		if err != nil {
			log.Error("config reload rejected", zap.Error(err))
			return
		}
		store.Update(cfg)
	})
	l.v.WatchConfig()
}

// stringToBoolHook parses true/false strings coming from the environment.
func stringToBoolHook(f, t reflect.Kind, data interface{}) (interface{}, error) {
	if f == reflect.String && t == reflect.Bool {
		return strconv.ParseBool(data.(string))
	}
	return data, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error]")
	}

	b := c.Binance
	if b.Protocol != "ws" && b.Protocol != "wss" {
		return fmt.Errorf("binance.protocol must be ws or wss")
	}
	if b.Host == "" {
		return fmt.Errorf("binance.host is required")
	}
	if b.Port <= 0 || b.Port > 65535 {
		return fmt.Errorf("binance.port must be between 1 and 65535")
	}
	if !strings.HasPrefix(b.Path, "/") {
		return fmt.Errorf("binance.path must start with /")
	}
	if b.RequestsPerSecond <= 0 {
		return fmt.Errorf("binance.requests_per_second must be > 0")
	}

	durations := map[string]time.Duration{
		"client.connect_timeout": c.Client.ConnectTimeout,
		"client.poll_interval":   c.Client.PollInterval,
		"client.write_timeout":   c.Client.WriteTimeout,
		"client.close_timeout":   c.Client.CloseTimeout,
	}
	for k, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", k)
		}
	}
	if c.Client.HeartbeatInterval < 0 {
		return fmt.Errorf("client.heartbeat_interval must be >= 0")
	}
	if c.Client.MaxPayload <= 0 || c.Client.ReadBufferSize <= 0 {
		return fmt.Errorf("client.max_payload and client.read_buffer_size must be > 0")
	}

	switch c.Stream.Mode {
	case ModeBlocking, ModeNonBlocking:
	default:
		return fmt.Errorf("stream.mode must be %s or %s", ModeBlocking, ModeNonBlocking)
	}
	if len(c.Stream.Streams) == 0 {
		return fmt.Errorf("stream.streams must contain at least one entry")
	}
	if _, err := c.NonBlockingOptions(); err != nil {
		return err
	}
	if err := c.Reconnect.Validate(); err != nil {
		return err
	}
	if c.Metrics.Addr != "" && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}
	return nil
}

// ClientConfig builds the client configuration. Observability hooks are left
// to the caller.
func (c *Config) ClientConfig() *client.Config {
	return &client.Config{
		ConnectTimeout:    c.Client.ConnectTimeout,
		MaxPayload:        c.Client.MaxPayload,
		ReadBufferSize:    c.Client.ReadBufferSize,
		PollInterval:      c.Client.PollInterval,
		WriteTimeout:      c.Client.WriteTimeout,
		CloseTimeout:      c.Client.CloseTimeout,
		HeartbeatInterval: c.Client.HeartbeatInterval,
		SocketReadBuffer:  c.Client.SocketReadBuffer,
		SocketWriteBuffer: c.Client.SocketWriteBuffer,
	}
}

// BinanceConfig builds the adapter configuration around cc.
func (c *Config) BinanceConfig(cc *client.Config, log *zap.Logger) binance.Config {
	conn := binance.Connection{
		Protocol: c.Binance.Protocol,
		Host:     c.Binance.Host,
		Port:     uint16(c.Binance.Port),
		Path:     c.Binance.Path,
		TimeUnit: c.Binance.TimeUnit,
	}
	if c.Binance.APIKey != "" {
		conn.Headers = map[string]string{"X-MBX-APIKEY": c.Binance.APIKey}
	}
	return binance.Config{
		Connection:        conn,
		Client:            cc,
		RequestsPerSecond: c.Binance.RequestsPerSecond,
		Logger:            log,
	}
}

// NonBlockingOptions converts the stream section.
func (c *Config) NonBlockingOptions() (client.NonBlockingOptions, error) {
	cp, err := api.ParseBackpressure(c.Stream.ControlPolicy)
	if err != nil {
		return client.NonBlockingOptions{}, fmt.Errorf("stream.control_policy: %w", err)
	}
	ep, err := api.ParseBackpressure(c.Stream.EventPolicy)
	if err != nil {
		return client.NonBlockingOptions{}, fmt.Errorf("stream.event_policy: %w", err)
	}
	if c.Stream.ControlCapacity < 1 || c.Stream.EventCapacity < 1 {
		return client.NonBlockingOptions{}, fmt.Errorf("stream.control_capacity and stream.event_capacity must be > 0")
	}
	return client.NonBlockingOptions{
		ControlCapacity: c.Stream.ControlCapacity,
		EventCapacity:   c.Stream.EventCapacity,
		ControlPolicy:   cp,
		EventPolicy:     ep,
	}, nil
}
