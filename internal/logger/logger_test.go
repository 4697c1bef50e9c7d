// Copyright 2025 momentics@gmail.com
// License: Apache 2.0

package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewDefaultsToInfo(t *testing.T) {
	l, err := New(Config{})
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, l.Level())
	assert.NotNil(t, l.Zap())
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestSetLevelPropagates(t *testing.T) {
	l, err := New(Config{Level: "warn", DevMode: true})
	require.NoError(t, err)
	sub := l.Named("ws")
	assert.False(t, sub.Zap().Core().Enabled(zapcore.DebugLevel))

	require.NoError(t, l.SetLevel("debug"))
	assert.True(t, sub.Zap().Core().Enabled(zapcore.DebugLevel))
	assert.Error(t, l.SetLevel("nope"))
	assert.Equal(t, zapcore.DebugLevel, l.Level())
}
