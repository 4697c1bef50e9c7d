// Copyright 2025 momentics@gmail.com
// License: Apache 2.0

package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fast = Config{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}

func TestExecuteRetriesUntilSuccess(t *testing.T) {
	calls := 0
	var notified []int
	err := Execute(context.Background(), fast, nil,
		func(attempt int, _ error, _ time.Duration) { notified = append(notified, attempt) },
		func(context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("not yet")
			}
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, notified)
}

func TestExecutePermanentStops(t *testing.T) {
	sentinel := errors.New("bad request")
	calls := 0
	err := Execute(context.Background(), fast, nil, nil, func(context.Context) error {
		calls++
		return Permanent(sentinel)
	})
	var mr *ErrMaxRetries
	require.ErrorAs(t, err, &mr)
	assert.Equal(t, 1, mr.Attempts)
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}

func TestExecuteMaxRetries(t *testing.T) {
	cfg := fast
	cfg.MaxRetries = 2
	calls := 0
	err := Execute(context.Background(), cfg, nil, nil, func(context.Context) error {
		calls++
		return errors.New("down")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestExecuteContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{InitialInterval: time.Hour, MaxInterval: time.Hour}
	done := make(chan error, 1)
	go func() {
		done <- Execute(ctx, cfg, nil, nil, func(context.Context) error { return errors.New("down") })
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Execute ignored cancellation")
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.Error(t, Config{RandomizationFactor: 2}.Validate())
	assert.Error(t, Config{Multiplier: 0.5}.Validate())
	assert.Error(t, Config{InitialInterval: time.Second, MaxInterval: time.Millisecond}.Validate())
}
