// Package process drives external command-line backends: one OS process per
// call, a wall-clock timeout enforced with SIGTERM followed by SIGKILL, and
// captured stdout/stderr relayed to an optional Observer as it arrives.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/mattjoyce/fleetwarden/internal/log"
	"github.com/mattjoyce/fleetwarden/internal/pluginerr"
)

const (
	// DefaultTimeout bounds a call when neither the runner nor the caller sets one.
	DefaultTimeout = 5 * time.Minute

	// DefaultGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	DefaultGracePeriod = 5 * time.Second

	// DefaultMaxCapture caps the bytes retained per stream.
	DefaultMaxCapture = 10 * 1024 * 1024
)

// Observer receives output as it is produced. Methods may be called from
// different goroutines and must not block.
type Observer interface {
	OnCommand(command string)
	OnStdout(chunk []byte)
	OnStderr(chunk []byte)
}

// Config configures a Runner.
type Config struct {
	// Command is the executable plus any leading arguments, shell-quoted,
	// e.g. "bolt" or "/opt/puppetlabs/bin/bolt --log-level warn".
	Command string
	Dir     string
	Env     []string
	// Plugin is recorded on errors raised by this runner.
	Plugin      string
	Timeout     time.Duration
	GracePeriod time.Duration
	MaxCapture  int
}

// Options are per-call overrides.
type Options struct {
	Timeout  time.Duration
	Observer Observer
}

// Result is the outcome of a process that ran to completion.
type Result struct {
	Success  bool
	Command  string
	Stdout   string
	Stderr   string
	ExitCode int
	// Error summarises a non-zero exit; empty on success.
	Error    string
	Duration time.Duration
}

// Runner spawns the configured command.
type Runner struct {
	argv       []string
	dir        string
	env        []string
	plugin     string
	timeout    time.Duration
	grace      time.Duration
	maxCapture int
	logger     *slog.Logger
}

// NewRunner creates a Runner from cfg.
func NewRunner(cfg Config) (*Runner, error) {
	argv, err := shellquote.Split(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse command %q: %w", cfg.Command, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("command is empty")
	}

	r := &Runner{
		argv:       argv,
		dir:        cfg.Dir,
		env:        cfg.Env,
		plugin:     cfg.Plugin,
		timeout:    cfg.Timeout,
		grace:      cfg.GracePeriod,
		maxCapture: cfg.MaxCapture,
		logger:     log.WithComponent("process").With("command", argv[0]),
	}
	if r.timeout <= 0 {
		r.timeout = DefaultTimeout
	}
	if r.grace <= 0 {
		r.grace = DefaultGracePeriod
	}
	if r.maxCapture <= 0 {
		r.maxCapture = DefaultMaxCapture
	}
	return r, nil
}

// CommandLine renders the full command line for args, quoted for display.
func (r *Runner) CommandLine(args []string) string {
	return shellquote.Join(append(append([]string{}, r.argv...), args...)...)
}

// Execute runs the command with args appended.
//
// A non-zero exit is reported in the Result, not as an error. A timeout always
// returns *pluginerr.TimeoutError, with whatever output was captured attached
// to both the error and the Result. Cancelling ctx terminates the process with
// the same escalation and returns ctx.Err() wrapped.
func (r *Runner) Execute(ctx context.Context, args []string, opts Options) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}

	argv := append(append([]string{}, r.argv...), args...)
	commandLine := shellquote.Join(argv...)

	// Prepare command (don't use CommandContext - we manage termination ourselves)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = r.dir
	if len(r.env) > 0 {
		cmd.Env = append(os.Environ(), r.env...)
	}
	setProcessGroup(cmd)
	// Bounds Wait when a grandchild keeps our pipes open after the group is killed.
	cmd.WaitDelay = r.grace

	stdout := &captureWriter{limit: r.maxCapture}
	stderr := &captureWriter{limit: r.maxCapture}
	if opts.Observer != nil {
		stdout.forward = opts.Observer.OnStdout
		stderr.forward = opts.Observer.OnStderr
		opts.Observer.OnCommand(commandLine)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	logger := r.logger.With("timeout", timeout)
	logger.Debug("spawning process", "args", commandLine)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var (
		err       error
		timedOut  bool
		cancelled bool
	)
	select {
	case err = <-waitErr:
	case <-timer.C:
		timedOut = true
		logger.Warn("process timed out, sending SIGTERM")
		err = r.terminate(cmd, waitErr, logger)
	case <-ctx.Done():
		cancelled = true
		logger.Info("context cancelled, sending SIGTERM")
		err = r.terminate(cmd, waitErr, logger)
	}

	res := &Result{
		Command:  commandLine,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: -1,
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	switch {
	case timedOut:
		res.Error = fmt.Sprintf("timed out after %v", timeout)
		return res, &pluginerr.TimeoutError{
			Timeout: timeout,
			Plugin:  r.plugin,
			Stdout:  res.Stdout,
			Stderr:  res.Stderr,
		}
	case cancelled:
		res.Error = "cancelled"
		return res, fmt.Errorf("%s interrupted: %w", argv[0], ctx.Err())
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return res, fmt.Errorf("wait for %s: %w", argv[0], err)
		}
	}

	if res.ExitCode != 0 {
		res.Error = strings.TrimSpace(res.Stderr)
		if res.Error == "" {
			res.Error = fmt.Sprintf("command exited with code %d", res.ExitCode)
		}
		logger.Debug("process exited with non-zero status", "exit_code", res.ExitCode)
		return res, nil
	}

	res.Success = true
	return res, nil
}

// terminate sends SIGTERM to the process group, then SIGKILL once the grace
// period expires. It returns the Wait error.
func (r *Runner) terminate(cmd *exec.Cmd, waitErr <-chan error, logger *slog.Logger) error {
	if err := signalGroup(cmd, termSignal); err != nil {
		logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(r.grace)
	defer grace.Stop()

	select {
	case err := <-waitErr:
		logger.Info("process exited after SIGTERM")
		return err
	case <-grace.C:
		logger.Warn("process did not exit after SIGTERM, sending SIGKILL")
		if err := signalGroup(cmd, killSignal); err != nil {
			logger.Error("failed to send SIGKILL", "error", err)
		}
		return <-waitErr
	}
}

// captureWriter retains up to limit bytes and forwards every chunk.
type captureWriter struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
	forward   func([]byte)
}

func (w *captureWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	if room := w.limit - w.buf.Len(); room > 0 {
		if len(p) > room {
			w.buf.Write(p[:room])
			w.truncated = true
		} else {
			w.buf.Write(p)
		}
	} else if len(p) > 0 {
		w.truncated = true
	}
	w.mu.Unlock()

	if w.forward != nil && len(p) > 0 {
		// Observers may retain the slice.
		chunk := make([]byte, len(p))
		copy(chunk, p)
		w.forward(chunk)
	}
	return len(p), nil
}

func (w *captureWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}
