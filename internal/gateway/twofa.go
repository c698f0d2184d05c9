package gateway

import (
	"context"
	"time"
)

// TwoFAState is the retry monitor's state. Pending and Retried are
// intermediate; Completed and TimedOut are terminal.
type TwoFAState string

const (
	TwoFAPending   TwoFAState = "pending"
	TwoFARetried   TwoFAState = "retried"
	TwoFACompleted TwoFAState = "completed"
	TwoFATimedOut  TwoFAState = "timed_out"
)

// Monitor2FAWithRetry waits for the live session's second-factor challenge
// to be approved, re-prompting when the challenge appears to have lapsed.
//
// While under the ceiling: a live session running with its port up means
// the factor was approved (Completed). A live session neither running nor
// pending means the challenge expired, so a scoped restart of the live
// session alone is issued to provoke a fresh prompt - a best-effort
// heuristic, the broker does not guarantee a re-prompt. Otherwise the
// challenge is still pending and the monitor sleeps the retry interval.
//
// Returns the terminal state and the number of restart retries issued.
func (m *Manager) Monitor2FAWithRetry(ctx context.Context, maxWait, retryInterval time.Duration) (TwoFAState, int) {
	m.logger.Printf("Monitoring 2FA: retry every %s, ceiling %s", retryInterval, maxWait)

	deadline := time.Now().Add(maxWait)
	state := TwoFAPending
	retries := 0
	defer func() { m.twoFARetries = retries }()

	for time.Now().Before(deadline) {
		st, err := m.CheckIndividualStatus(ctx)
		if err != nil {
			m.logger.Printf("Status check failed during 2FA monitoring: %v", err)
		} else {
			if st.LiveRunning && !st.Live2FAPending {
				m.logger.Printf("2FA authentication completed")
				return TwoFACompleted, retries
			}

			if !st.Live2FAPending {
				// Challenge lapsed without a live session: restart
				// live only to trigger a fresh prompt.
				m.logger.Printf("Live gateway not in 2FA state - restarting live session for a new challenge")
				if err := m.restartUnconditionally(ctx, SessionLive); err != nil {
					m.logger.Printf("Live restart for 2FA retry failed: %v", err)
					return TwoFATimedOut, retries
				}
				retries++
				state = TwoFARetried

				select {
				case <-ctx.Done():
					return TwoFATimedOut, retries
				case <-time.After(m.RestartSettle):
				}
			} else {
				m.logger.Printf("2FA still pending (retry %d)", retries)
			}
		}

		wait := retryInterval
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		if wait <= 0 {
			break
		}
		select {
		case <-ctx.Done():
			return TwoFATimedOut, retries
		case <-time.After(wait):
		}
	}

	m.logger.Printf("2FA monitoring timed out after %s (%d retries, last state %s)", maxWait, retries, state)
	return TwoFATimedOut, retries
}
