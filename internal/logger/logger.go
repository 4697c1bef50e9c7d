// File: internal/logger/logger.go
// Package logger builds the process zap logger with a level that can be
// changed at runtime.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the level and the encoder.
// Level is one of debug, info, warn, error (default info). DevMode switches
// from sampled JSON to console output.
type Config struct {
	Level   string `mapstructure:"level"`
	DevMode bool   `mapstructure:"dev_mode"`
}

// Logger wraps *zap.Logger together with its atomic level.
type Logger struct {
	raw   *zap.Logger
	level zap.AtomicLevel
}

// New builds a Logger from cfg.
func New(cfg Config) (*Logger, error) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	lvl, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zcfg := buildZapConfig(cfg.DevMode)
	zcfg.Level = zap.NewAtomicLevelAt(lvl)

	zl, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logger: build zap: %w", err)
	}
	return &Logger{raw: zl, level: zcfg.Level}, nil
}

// NewNop returns a Logger discarding everything.
func NewNop() *Logger {
	return &Logger{raw: zap.NewNop(), level: zap.NewAtomicLevel()}
}

func buildZapConfig(dev bool) zap.Config {
	var cfg zap.Config
	if dev {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Sampling = &zap.SamplingConfig{Initial: 100, Thereafter: 100}
		cfg.EncoderConfig.StacktraceKey = "stacktrace"
	}
	ec := &cfg.EncoderConfig
	ec.TimeKey = "ts"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.CallerKey = "caller"
	ec.EncodeCaller = zapcore.ShortCallerEncoder
	return cfg
}

func parseLevel(level string) (zapcore.Level, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return lvl, fmt.Errorf("logger: invalid level %q: %w", level, err)
	}
	return lvl, nil
}

// Zap returns the underlying logger handed to library packages.
func (l *Logger) Zap() *zap.Logger { return l.raw }

// Level returns the current level.
func (l *Logger) Level() zapcore.Level { return l.level.Level() }

// SetLevel changes the level of this logger and every logger derived from it.
func (l *Logger) SetLevel(level string) error {
	lvl, err := parseLevel(level)
	if err != nil {
		return err
	}
	l.level.SetLevel(lvl)
	return nil
}

// Named creates a sub-logger sharing the level.
func (l *Logger) Named(name string) *Logger {
	return &Logger{raw: l.raw.Named(name), level: l.level}
}

// Sync flushes buffered entries; errors are ignored.
func (l *Logger) Sync() { _ = l.raw.Sync() }
