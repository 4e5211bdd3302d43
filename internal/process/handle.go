// Package process owns the external agent subprocess for one session:
// launching it, feeding it line-delimited instructions, and tearing it down
// with a bounded grace period.
package process

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"
)

// LaunchError reports a subprocess that could not be spawned.
type LaunchError struct {
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch agent process %q: %v", e.Command, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// WriteError reports a failed write to the subprocess's stdin.
type WriteError struct {
	PID int
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write to agent process (pid %d): %v", e.PID, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Handle owns zero or one live agent subprocess. It is not safe for
// concurrent Start/Stop on the same handle; the coordinator serializes
// access per session.
type Handle struct {
	bin    string
	logger *slog.Logger

	cmd      *exec.Cmd
	stdin    *os.File
	stdout   *os.File
	stderr   *tailBuffer
	exited   chan struct{}
	exitCode atomic.Int64
	reaped   atomic.Bool
}

// New creates a handle for the given agent executable. No process is
// launched until Start.
func New(bin string, logger *slog.Logger) *Handle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handle{bin: bin, logger: logger}
}

// Start launches the agent binary with the workspace as working directory,
// passing the system prompt and allowed tools as arguments. A process still
// alive from a previous Start is terminated first.
func (h *Handle) Start(workspacePath, systemPrompt string, allowedTools []string) error {
	if h.IsAlive() {
		h.logger.Warn("Agent process already running, terminating it", "pid", h.PID())
		if err := h.Stop(2*time.Second, true); err != nil {
			return err
		}
	}

	args := []string{"--workspace", workspacePath}
	if systemPrompt != "" {
		args = append(args, "--system-prompt", systemPrompt)
	}
	for _, tool := range allowedTools {
		args = append(args, "--allow-tool", tool)
	}

	cmd := exec.Command(h.bin, args...)
	cmd.Dir = workspacePath
	// Own process group so a kill reaches any children the agent spawns.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return &LaunchError{Command: h.bin, Err: fmt.Errorf("create stdin pipe: %w", err)}
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return &LaunchError{Command: h.bin, Err: fmt.Errorf("create stdout pipe: %w", err)}
	}

	stderrTail := newTailBuffer(16 * 1024)
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrTail

	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		return &LaunchError{Command: h.bin, Err: err}
	}

	// The child holds its own copies of the pipe ends.
	stdinR.Close()
	stdoutW.Close()

	h.cmd = cmd
	h.stdin = stdinW
	h.stdout = stdoutR
	h.stderr = stderrTail
	h.exited = make(chan struct{})
	h.reaped.Store(false)
	h.exitCode.Store(-1)

	exited := h.exited
	go func() {
		err := cmd.Wait()
		code := 0
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		}
		h.exitCode.Store(int64(code))
		h.reaped.Store(true)
		close(exited)
		if err != nil {
			h.logger.Debug("Agent process exited", "pid", cmd.Process.Pid, "exit_code", code, "error", err)
		}
	}()

	h.logger.Info("Started agent process", "pid", cmd.Process.Pid, "bin", h.bin, "workspace", workspacePath)
	return nil
}

// Stop terminates the process: SIGTERM to the process group, then SIGKILL
// after grace if force is set (and unconditionally once grace expires).
// Stopping an already-stopped handle is a no-op.
func (h *Handle) Stop(grace time.Duration, force bool) error {
	if h.cmd == nil || h.cmd.Process == nil || h.reaped.Load() {
		return nil
	}

	pid := h.cmd.Process.Pid
	h.logger.Debug("Stopping agent process", "pid", pid, "grace", grace)

	if h.stdin != nil {
		_ = h.stdin.Close()
	}
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("signal agent process (pid %d): %w", pid, err)
	}

	select {
	case <-h.exited:
		h.logger.Info("Stopped agent process", "pid", pid, "exit_code", h.exitCode.Load())
		return nil
	case <-time.After(grace):
	}

	if !force {
		h.logger.Warn("Agent process did not exit within grace, killing", "pid", pid)
	}
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("kill agent process (pid %d): %w", pid, err)
	}

	select {
	case <-h.exited:
	case <-time.After(5 * time.Second):
		return fmt.Errorf("agent process (pid %d) did not exit after kill", pid)
	}

	h.logger.Info("Killed agent process", "pid", pid)
	return nil
}

// Write appends one line (message plus newline) to the process's stdin.
func (h *Handle) Write(message string) error {
	if !h.IsAlive() {
		return &WriteError{PID: h.PID(), Err: fmt.Errorf("agent process is not running")}
	}
	if _, err := h.stdin.WriteString(message + "\n"); err != nil {
		return &WriteError{PID: h.PID(), Err: err}
	}
	return nil
}

// Stdout returns the process's output stream for the decoder. Nil before the
// first Start.
func (h *Handle) Stdout() *os.File {
	return h.stdout
}

// StderrTail returns the most recent stderr output, for diagnostics.
func (h *Handle) StderrTail() string {
	if h.stderr == nil {
		return ""
	}
	return h.stderr.String()
}

// IsAlive reports whether a launched process has not yet exited.
func (h *Handle) IsAlive() bool {
	return h.cmd != nil && h.cmd.Process != nil && !h.reaped.Load()
}

// ExitCode returns the process exit code once it has exited.
func (h *Handle) ExitCode() (int, bool) {
	if h.cmd == nil || !h.reaped.Load() {
		return 0, false
	}
	return int(h.exitCode.Load()), true
}

// PID returns the process id of the last launched process, or 0.
func (h *Handle) PID() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}
