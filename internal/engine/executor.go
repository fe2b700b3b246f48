package engine

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"syscall"
)

// Process represents a running engine process with stdout/stderr pipes.
type Process interface {
	// Start starts the process but does not wait for it to complete.
	Start() error
	// Wait waits for the process to exit and returns the error.
	Wait() error
	// Terminate requests graceful termination (SIGTERM to the process group).
	Terminate() error
	// Kill forcefully terminates the process group.
	Kill() error
	// Stdout returns a reader from the process's stdout.
	Stdout() io.ReadCloser
	// Stderr returns a reader from the process's stderr.
	Stderr() io.ReadCloser
}

// ProcessExecutor creates processes for execution.
type ProcessExecutor interface {
	// CreateProcess creates a new process with the given command and arguments.
	CreateProcess(ctx context.Context, name string, args ...string) (Process, error)
}

// RealExecutor implements ProcessExecutor using os/exec.
type RealExecutor struct{}

// NewRealExecutor creates a new RealExecutor.
func NewRealExecutor() *RealExecutor {
	return &RealExecutor{}
}

// CreateProcess creates a real process using exec.CommandContext.
// The process is started in its own process group so termination signals
// reach any children the engine spawns.
func (e *RealExecutor) CreateProcess(ctx context.Context, name string, args ...string) (Process, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	return &realProcess{
		cmd:    cmd,
		stdout: stdout,
		stderr: stderr,
	}, nil
}

// realProcess wraps exec.Cmd to implement the Process interface.
type realProcess struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
}

func (p *realProcess) Start() error {
	return p.cmd.Start()
}

func (p *realProcess) Wait() error {
	return p.cmd.Wait()
}

func (p *realProcess) Stdout() io.ReadCloser {
	return p.stdout
}

func (p *realProcess) Stderr() io.ReadCloser {
	return p.stderr
}

// Terminate sends SIGTERM to the process group. The process is started with
// Setpgid=true, so the group ID equals the PID and a negative PID targets
// the entire group.
func (p *realProcess) Terminate() error {
	return p.signalGroup(syscall.SIGTERM)
}

// Kill sends SIGKILL to the process group.
func (p *realProcess) Kill() error {
	return p.signalGroup(syscall.SIGKILL)
}

// signalGroup delivers sig to the whole process group. If direct signaling
// fails because the engine runs with elevated privileges, escalate through
// pkexec the same way the process was launched.
func (p *realProcess) signalGroup(sig syscall.Signal) error {
	if p.cmd.Process == nil {
		return nil
	}

	pgid := p.cmd.Process.Pid

	if err := syscall.Kill(-pgid, sig); err == nil {
		return nil
	} else if err == syscall.ESRCH {
		// Process group already gone.
		return nil
	}

	sigName := "TERM"
	if sig == syscall.SIGKILL {
		sigName = "KILL"
	}

	// The group is likely running as root (via pkexec). The "--" ensures the
	// negative group ID is not parsed as an option.
	// #nosec G204 -- pgid comes from the process we launched, not user input
	killCmd := exec.Command("pkexec", "kill", "-"+sigName, "--", fmt.Sprintf("-%d", pgid))
	if err := killCmd.Run(); err != nil {
		if isPkexecRefusal(err) {
			return fmt.Errorf("authentication cancelled or pkexec not available: %w", err)
		}
		return fmt.Errorf("failed to signal engine process group: %w", err)
	}

	return nil
}

// isPkexecRefusal checks if the error indicates the user cancelled the
// pkexec authentication dialog or pkexec is not available.
// Exit code 126 = authorization failed/cancelled, 127 = command not found.
func isPkexecRefusal(err error) bool {
	if exitErr, ok := err.(*exec.ExitError); ok {
		code := exitErr.ExitCode()
		return code == 126 || code == 127
	}
	return false
}
