// Package retry provides bounded retries with jittered exponential backoff
// for operations against the gateway, which refuses connections for a short
// window after a session (re)start.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"
)

type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

var DefaultConfig = Config{
	MaxAttempts:    4,
	InitialBackoff: 2 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// Do runs op until it succeeds, fails with a non-transient error, or the
// attempt budget runs out. Only errors that look like connectivity hiccups
// are retried; anything else is surfaced immediately.
func Do[T any](ctx context.Context, logger *log.Logger, cfg Config, what string, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig.MaxAttempts
	}
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	backoff := cfg.InitialBackoff
	if backoff <= 0 {
		backoff = DefaultConfig.InitialBackoff
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("%s canceled: %w", what, err)
		}

		result, err := op(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Printf("%s succeeded on attempt %d", what, attempt)
			}
			return result, nil
		}
		lastErr = err

		if !Transient(err) || attempt == cfg.MaxAttempts {
			break
		}
		logger.Printf("%s attempt %d/%d failed (%v), retrying in %v", what, attempt, cfg.MaxAttempts, err, backoff)

		select {
		case <-time.After(backoff):
			backoff = nextBackoff(backoff, cfg.MaxBackoff)
		case <-ctx.Done():
			return zero, fmt.Errorf("%s canceled during backoff: %w", what, ctx.Err())
		}
	}
	return zero, fmt.Errorf("%s failed after retries: %w", what, lastErr)
}

func nextBackoff(current, max time.Duration) time.Duration {
	if max <= 0 {
		max = DefaultConfig.MaxBackoff
	}
	backoff := time.Duration(float64(current) * 1.5)
	if backoff > max {
		backoff = max
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			log.Printf("Failed to generate jitter: %v", err)
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}
	return backoff
}

// Transient reports whether the error looks like a connectivity problem
// worth retrying. A gateway that has just relaunched refuses connections
// and drops handshakes until the API server is up.
func Transient(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	patterns := []string{
		"timeout",
		"deadline exceeded",
		"connection refused",
		"connection reset",
		"broken pipe",
		"handshake",
		"temporary failure",
		"network",
		"dns",
		"tcp",
		"eof",
	}
	for _, pattern := range patterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
