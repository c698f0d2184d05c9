// Package gateway owns the external brokerage gateway process lifecycle:
// startup polling, per-session health checks, scoped restarts, and the
// bounded second-factor retry loop.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// ErrAuthPending is returned when an operation would discard a pending
// second-factor challenge.
var ErrAuthPending = errors.New("live session awaiting second factor")

// Command timeouts, matching what the control script itself needs: status
// is quick, stop moderate, restart waits out a full gateway relaunch.
const (
	statusTimeout  = 30 * time.Second
	stopTimeout    = 60 * time.Second
	restartTimeout = 5 * time.Minute
)

// Manager controls the gateway sessions through the external script.
type Manager struct {
	runner Runner
	logger *log.Logger

	// Startup polling knobs, defaulted from the package constants and
	// overridable through config (and tests).
	StartTimeout time.Duration
	PollInterval time.Duration

	// Settle times after a scoped restart. Live takes longer: a restart
	// re-triggers the second factor.
	PaperSettle   time.Duration
	LiveSettle    time.Duration
	RestartSettle time.Duration

	// 2FA monitor bounds used by StartWithRetry.
	TwoFAMaxWait       time.Duration
	TwoFARetryInterval time.Duration

	// twoFARetries holds the retry count from the most recent 2FA
	// monitor run, written before it returns.
	twoFARetries int
}

// NewManager wires a manager around the given runner.
func NewManager(runner Runner, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		runner:             runner,
		logger:             logger,
		StartTimeout:       15 * time.Minute,
		PollInterval:       30 * time.Second,
		PaperSettle:        30 * time.Second,
		LiveSettle:         60 * time.Second,
		RestartSettle:      30 * time.Second,
		TwoFAMaxWait:       120 * time.Minute,
		TwoFARetryInterval: 3 * time.Minute,
	}
}

// CheckIndividualStatus runs one status command and parses the result.
func (m *Manager) CheckIndividualStatus(ctx context.Context) (Status, error) {
	out, err := m.runner.Run(ctx, statusTimeout, "status")
	if err != nil {
		return Status{}, fmt.Errorf("checking gateway status: %w", err)
	}
	st := ParseStatus(out)
	m.logger.Printf("Gateway status: paper=%v live=%v live2FA=%v",
		st.PaperRunning, st.LiveRunning, st.Live2FAPending)
	return st, nil
}

// Start launches the gateways and polls until both sessions are healthy or
// the ceiling elapses. Health requires both Running lines and both API
// ports listening; a live session stuck on its second factor does not
// count. A final re-check runs after the ceiling in case the sessions
// came up at the last moment.
func (m *Manager) Start(ctx context.Context) (bool, error) {
	m.logger.Printf("Starting gateways (polling every %s, up to %s; live startup may wait on 2FA)",
		m.PollInterval, m.StartTimeout)

	stop, err := m.runner.StartDetached(ctx)
	if err != nil {
		return false, fmt.Errorf("initiating gateway startup: %w", err)
	}

	deadline := time.Now().Add(m.StartTimeout)
	for time.Now().Before(deadline) {
		st, err := m.CheckIndividualStatus(ctx)
		if err != nil {
			m.logger.Printf("Status check failed during startup: %v", err)
		} else if st.Healthy() {
			m.logger.Printf("Both gateways confirmed running")
			stop()
			return true, nil
		}

		select {
		case <-ctx.Done():
			stop()
			return false, ctx.Err()
		case <-time.After(m.PollInterval):
		}
	}

	m.logger.Printf("Gateway startup timed out after %s", m.StartTimeout)
	stop()

	// Final check in case they just came up.
	st, err := m.CheckIndividualStatus(ctx)
	if err == nil && st.Healthy() {
		m.logger.Printf("Gateways running on final re-check")
		return true, nil
	}
	return false, nil
}

// Stop shuts both sessions down.
func (m *Manager) Stop(ctx context.Context) error {
	if _, err := m.runner.Run(ctx, stopTimeout, "stop"); err != nil {
		return fmt.Errorf("stopping gateways: %w", err)
	}
	m.logger.Printf("Gateways stopped")
	return nil
}

// Restart restarts one session, or both when SessionBoth is given. It
// refuses while a second-factor challenge is pending: restarting would
// discard the challenge.
func (m *Manager) Restart(ctx context.Context, session Session) error {
	if !session.Valid() {
		return fmt.Errorf("unknown session %q", session)
	}

	st, err := m.CheckIndividualStatus(ctx)
	if err != nil {
		return err
	}
	if st.Live2FAPending {
		return fmt.Errorf("refusing restart of %q: %w", sessionName(session), ErrAuthPending)
	}
	return m.restartUnconditionally(ctx, session)
}

// restartUnconditionally issues the restart command without the 2FA guard.
// The 2FA monitor uses it deliberately, to provoke a fresh challenge.
func (m *Manager) restartUnconditionally(ctx context.Context, session Session) error {
	args := []string{"restart"}
	if session != SessionBoth {
		args = append(args, string(session))
	}
	m.logger.Printf("Restarting %s gateway(s)", sessionName(session))
	if _, err := m.runner.Run(ctx, restartTimeout, args...); err != nil {
		return fmt.Errorf("restarting %s: %w", sessionName(session), err)
	}
	return nil
}

// SmartRestart restarts only the sessions that are actually down. A live
// session waiting on its second factor blocks all restarts: the right
// move is to wait, not to relaunch.
func (m *Manager) SmartRestart(ctx context.Context) (bool, error) {
	st, err := m.CheckIndividualStatus(ctx)
	if err != nil {
		return false, err
	}

	if st.Live2FAPending {
		m.logger.Printf("Live gateway pending 2FA - skipping restart, waiting for authentication")
		return true, nil
	}

	var needed []Session
	if !st.PaperRunning {
		needed = append(needed, SessionPaper)
	}
	if !st.LiveRunning {
		needed = append(needed, SessionLive)
	}
	if len(needed) == 0 {
		m.logger.Printf("Both gateways running - no restart needed")
		return true, nil
	}

	ok := true
	for _, session := range needed {
		if err := m.restartUnconditionally(ctx, session); err != nil {
			m.logger.Printf("Failed to restart %s gateway: %v", session, err)
			ok = false
			continue
		}
		settle := m.PaperSettle
		if session == SessionLive {
			settle = m.LiveSettle
		}
		m.logger.Printf("Waiting %s for %s gateway to initialize", settle, session)
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(settle):
		}
	}
	return ok, nil
}

// StartWithRetry starts the gateways and, when the live session is left
// waiting on its second factor with paper already up, hands off to the 2FA
// retry monitor. A 2FA timeout with paper still healthy counts as partial
// success: paper-only trading is better than none.
func (m *Manager) StartWithRetry(ctx context.Context) (bool, error) {
	ok, err := m.Start(ctx)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}

	st, err := m.CheckIndividualStatus(ctx)
	if err != nil {
		return false, err
	}

	switch {
	case st.Healthy():
		return true, nil
	case st.PaperRunning && st.Live2FAPending:
		m.logger.Printf("Paper gateway running, live pending 2FA - starting retry monitor")
		state, retries := m.Monitor2FAWithRetry(ctx, m.TwoFAMaxWait, m.TwoFARetryInterval)
		if state == TwoFACompleted {
			m.logger.Printf("2FA completed after %d retries", retries)
			return true, nil
		}
		m.logger.Printf("2FA monitoring ended in %s; accepting paper-only operation", state)
		return true, nil
	default:
		m.logger.Printf("Gateway startup failed - no usable session")
		return false, nil
	}
}

// TwoFARetries reports how many challenge-refresh restarts the most recent
// 2FA monitor run issued. Read it after StartWithRetry returns.
func (m *Manager) TwoFARetries() int {
	return m.twoFARetries
}

func sessionName(s Session) string {
	if s == SessionBoth {
		return "both"
	}
	return string(s)
}
