package gateway

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"syscall"
	"time"
)

// Runner executes gateway control script commands. The concrete
// implementation shells out; tests script the status text instead.
type Runner interface {
	// Run executes `script <args>` and returns its stdout. A non-zero
	// exit is an error carrying stderr.
	Run(ctx context.Context, timeout time.Duration, args ...string) (string, error)

	// StartDetached launches `script start` without waiting for it. The
	// returned stop function signals the process; it is safe to call
	// after the process has already exited.
	StartDetached(ctx context.Context) (stop func(), err error)
}

// scriptRunner drives the external control script with os/exec.
type scriptRunner struct {
	scriptPath string
}

// NewScriptRunner returns a Runner for the control script at path.
func NewScriptRunner(path string) Runner {
	return &scriptRunner{scriptPath: path}
}

func (r *scriptRunner) Run(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "bash", append([]string{r.scriptPath}, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return stdout.String(), fmt.Errorf("gateway command %v timed out after %s", args, timeout)
		}
		return stdout.String(), fmt.Errorf("gateway command %v failed: %w (%s)", args, err, bytes.TrimSpace(stderr.Bytes()))
	}
	return stdout.String(), nil
}

func (r *scriptRunner) StartDetached(ctx context.Context) (func(), error) {
	cmd := exec.CommandContext(ctx, "bash", r.scriptPath, "start")
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("launching gateway start: %w", err)
	}

	// Reap the child when it exits on its own.
	waitDone := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(waitDone)
	}()

	stop := func() {
		select {
		case <-waitDone:
			return
		default:
		}
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-waitDone:
		case <-time.After(5 * time.Second):
			_ = cmd.Process.Kill()
		}
	}
	return stop, nil
}
