package retry

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Timeout:        time.Second,
	}
}

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), testLogger(), fastConfig(), "dial", func(context.Context) (int, error) {
		calls++
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, got)
	require.Equal(t, 1, calls)
}

func TestDoRetriesTransientErrors(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), testLogger(), fastConfig(), "dial", func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("dial tcp 127.0.0.1:4002: connection refused")
		}
		return "connected", nil
	})
	require.NoError(t, err)
	require.Equal(t, "connected", got)
	require.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	permanent := errors.New("bad client id")
	_, err := Do(context.Background(), testLogger(), fastConfig(), "dial", func(context.Context) (int, error) {
		calls++
		return 0, permanent
	})
	require.ErrorIs(t, err, permanent)
	require.Equal(t, 1, calls, "non-transient errors must not be retried")
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), testLogger(), fastConfig(), "dial", func(context.Context) (int, error) {
		calls++
		return 0, errors.New("read tcp: i/o timeout")
	})
	require.Error(t, err)
	require.Equal(t, 3, calls)
}

func TestDoHonorsCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	_, err := Do(ctx, testLogger(), fastConfig(), "dial", func(context.Context) (int, error) {
		calls++
		return 0, nil
	})
	require.Error(t, err)
	require.Zero(t, calls)
}

func TestTransientClassification(t *testing.T) {
	cases := []struct {
		err       error
		transient bool
	}{
		{nil, false},
		{errors.New("connection refused"), true},
		{errors.New("gateway handshake failed: EOF"), true},
		{errors.New("context deadline exceeded"), true},
		{errors.New("api error 200 for req 5: No security definition"), false},
		{errors.New("invalid config"), false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.transient, Transient(tc.err), "%v", tc.err)
	}
}
