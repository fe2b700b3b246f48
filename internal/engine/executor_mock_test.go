package engine

import (
	"context"
	"io"
	"sync"
)

// MockProcess implements Process for testing. Stdout and stderr are pipes so
// output lines stream to the supervisor's scanners exactly as they would
// from a real process.
type MockProcess struct {
	mu sync.Mutex

	startErr     error
	waitErr      error
	terminateErr error
	killErr      error

	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	// Lines queued before Start; emitted on stdout once the process starts.
	queuedStdout []string
	queuedStderr []string

	started    bool
	terminated bool
	killed     bool

	// exitOnTerminate makes Terminate behave like a well-behaved engine.
	// Set to false to force the supervisor's kill escalation.
	exitOnTerminate bool

	exitOnce sync.Once
	// WaitCh is closed when the process "exits".
	WaitCh chan struct{}
}

// NewMockProcess creates a new mock process.
func NewMockProcess() *MockProcess {
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	return &MockProcess{
		stdoutR:         stdoutR,
		stdoutW:         stdoutW,
		stderrR:         stderrR,
		stderrW:         stderrW,
		exitOnTerminate: true,
		WaitCh:          make(chan struct{}),
	}
}

func (p *MockProcess) Start() error {
	p.mu.Lock()
	if p.startErr != nil {
		err := p.startErr
		p.mu.Unlock()
		return err
	}
	p.started = true
	stdout := append([]string(nil), p.queuedStdout...)
	stderr := append([]string(nil), p.queuedStderr...)
	p.mu.Unlock()

	// Stream queued output asynchronously; pipe writes block until the
	// supervisor's scanners read them.
	go func() {
		for _, line := range stdout {
			_, _ = io.WriteString(p.stdoutW, line+"\n")
		}
	}()
	go func() {
		for _, line := range stderr {
			_, _ = io.WriteString(p.stderrW, line+"\n")
		}
	}()
	return nil
}

func (p *MockProcess) Wait() error {
	<-p.WaitCh
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

func (p *MockProcess) Terminate() error {
	p.mu.Lock()
	p.terminated = true
	err := p.terminateErr
	exits := p.exitOnTerminate
	p.mu.Unlock()
	if err != nil {
		return err
	}
	if exits {
		p.Exit()
	}
	return nil
}

func (p *MockProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	err := p.killErr
	p.mu.Unlock()
	if err != nil {
		return err
	}
	p.Exit()
	return nil
}

func (p *MockProcess) Stdout() io.ReadCloser {
	return p.stdoutR
}

func (p *MockProcess) Stderr() io.ReadCloser {
	return p.stderrR
}

// Exit simulates the process exiting: Wait unblocks and the output pipes
// close so the scanners stop.
func (p *MockProcess) Exit() {
	p.exitOnce.Do(func() {
		_ = p.stdoutW.Close()
		_ = p.stderrW.Close()
		close(p.WaitCh)
	})
}

// QueueStdout queues lines to emit on stdout once the process starts.
func (p *MockProcess) QueueStdout(lines ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queuedStdout = append(p.queuedStdout, lines...)
}

// QueueStderr queues lines to emit on stderr once the process starts.
func (p *MockProcess) QueueStderr(lines ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queuedStderr = append(p.queuedStderr, lines...)
}

// EmitStdout writes a line to stdout while the process is running.
func (p *MockProcess) EmitStdout(line string) {
	_, _ = io.WriteString(p.stdoutW, line+"\n")
}

// SetStartError sets an error to return from Start().
func (p *MockProcess) SetStartError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startErr = err
}

// SetExitOnTerminate controls whether Terminate simulates a graceful exit.
func (p *MockProcess) SetExitOnTerminate(exits bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exitOnTerminate = exits
}

// IsStarted returns true if Start() was called.
func (p *MockProcess) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// IsTerminated returns true if Terminate() was called.
func (p *MockProcess) IsTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

// IsKilled returns true if Kill() was called.
func (p *MockProcess) IsKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// MockExecutor implements ProcessExecutor for testing.
type MockExecutor struct {
	mu sync.Mutex

	createErr error
	next      *MockProcess
	processes []*MockProcess

	// Captured values from the last CreateProcess call.
	lastCtx  context.Context
	lastName string
	lastArgs []string
}

// NewMockExecutor creates a new mock executor.
func NewMockExecutor() *MockExecutor {
	return &MockExecutor{}
}

// CreateProcess implements ProcessExecutor. It hands out the primed process
// if one was set, otherwise a fresh one.
func (e *MockExecutor) CreateProcess(ctx context.Context, name string, args ...string) (Process, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastCtx = ctx
	e.lastName = name
	e.lastArgs = args

	if e.createErr != nil {
		return nil, e.createErr
	}

	proc := e.next
	e.next = nil
	if proc == nil {
		proc = NewMockProcess()
	}
	e.processes = append(e.processes, proc)
	return proc, nil
}

// Prime sets the process the next CreateProcess call returns.
func (e *MockExecutor) Prime(p *MockProcess) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.next = p
}

// SetCreateError makes CreateProcess fail.
func (e *MockExecutor) SetCreateError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.createErr = err
}

// CreateCount returns how many processes were created.
func (e *MockExecutor) CreateCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.processes)
}

// LastContext returns the context of the last CreateProcess call.
func (e *MockExecutor) LastContext() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastCtx
}

// LastCommand returns the name and args of the last CreateProcess call.
func (e *MockExecutor) LastCommand() (string, []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastName, append([]string(nil), e.lastArgs...)
}
