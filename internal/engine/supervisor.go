package engine

import (
	"bufio"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tunnelmax/vpncore/internal/fileutil"
)

const (
	// DefaultExecutableName is the engine binary resolved via PATH when no
	// explicit path is configured.
	DefaultExecutableName = "sing-box"
	// DefaultStartTimeout bounds how long Start waits for the engine to
	// report readiness.
	DefaultStartTimeout = 10 * time.Second
	// DefaultStopGrace is how long Stop waits after SIGTERM before
	// escalating to SIGKILL.
	DefaultStopGrace = 5 * time.Second
	// DefaultMonitorInterval is the process monitor poll cadence.
	DefaultMonitorInterval = 2 * time.Second

	configFilePrefix = "vpncore-engine-"
)

// ErrAlreadyStarting is returned by Start when a previous start attempt is
// still in flight. Exactly one engine process may be launched at a time.
var ErrAlreadyStarting = errors.New("engine start already in progress")

// Options configures a Supervisor.
type Options struct {
	// ExecutablePath is the engine binary. A bare name is resolved via PATH;
	// empty defaults to DefaultExecutableName.
	ExecutablePath string
	// Executor creates engine processes. Defaults to NewRealExecutor.
	Executor ProcessExecutor
	// Counters reads the engine's traffic counters. When nil and APIPort is
	// set, an HTTP counter source is constructed; when both are absent the
	// supervisor reports zeroed counters.
	Counters CounterSource
	// APIPort is the engine's local stats API port used for the default
	// counter source.
	APIPort int
	// RuntimeDir is where the configuration blob is written for the engine
	// to read. Defaults to os.TempDir().
	RuntimeDir string
	// Elevate launches the engine through pkexec.
	Elevate bool

	StartTimeout    time.Duration
	StopGrace       time.Duration
	MonitorInterval time.Duration
}

// Supervisor owns the external engine's lifecycle and is the single source
// of truth for whether the tunnel is up. All exported methods are safe for
// concurrent use.
type Supervisor struct {
	opts Options

	mu         sync.Mutex
	state      LifecycleState
	sessionID  string
	lastError  ErrorKind
	errorMsg   string
	startedAt  time.Time
	configHash [sha256.Size]byte
	configPath string
	execPath   string
	process    Process
	cancel     context.CancelFunc
	procDone   chan struct{}

	subMu        sync.Mutex
	subscribers  map[int]func(Status)
	nextSubID    int
	lastNotified *Status
}

// New creates a supervisor. Initialize must be called before Start.
func New(opts Options) *Supervisor {
	if opts.ExecutablePath == "" {
		opts.ExecutablePath = DefaultExecutableName
	}
	if opts.Executor == nil {
		opts.Executor = NewRealExecutor()
	}
	if opts.Counters == nil && opts.APIPort > 0 {
		opts.Counters = NewAPICounterSource(opts.APIPort, 0)
	}
	if opts.RuntimeDir == "" {
		opts.RuntimeDir = os.TempDir()
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = DefaultStartTimeout
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = DefaultStopGrace
	}
	if opts.MonitorInterval <= 0 {
		opts.MonitorInterval = DefaultMonitorInterval
	}

	return &Supervisor{
		opts:        opts,
		state:       StateUninitialized,
		lastError:   ErrNone,
		subscribers: make(map[int]func(Status)),
	}
}

// Initialize locates and validates the engine executable. Idempotent; it
// fails only if the executable cannot be found or is not a regular file.
func (s *Supervisor) Initialize() error {
	s.mu.Lock()
	if s.state != StateUninitialized {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	execPath, err := resolveExecutable(s.opts.ExecutablePath)
	if err != nil {
		s.setError(ErrInitializationFailed, err.Error())
		return fmt.Errorf("initialize engine: %w", err)
	}

	s.mu.Lock()
	s.execPath = execPath
	_ = s.transitionLocked(StateInitialized)
	s.mu.Unlock()
	s.notifyStatus()

	slog.Info("Engine supervisor initialized", "executable", execPath)
	return nil
}

// resolveExecutable turns the configured engine path into an absolute path
// to an existing regular file.
func resolveExecutable(path string) (string, error) {
	if !strings.ContainsRune(path, filepath.Separator) {
		resolved, err := exec.LookPath(path)
		if err != nil {
			return "", fmt.Errorf("engine executable %q not found in PATH: %w", path, err)
		}
		return resolved, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("engine executable %q: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("engine executable %q is not a regular file", path)
	}
	return path, nil
}

// OnStatus registers a callback invoked whenever the engine status actually
// changes. Duplicate identical states are suppressed. The returned function
// unsubscribes the callback.
func (s *Supervisor) OnStatus(callback func(Status)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = callback

	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subscribers, id)
	}
}

// Start validates the configuration blob, writes it where the engine can
// read it, launches the engine process, and waits up to the start timeout
// for readiness. Calling Start while running is a no-op success when the
// running instance was started with the same configuration, otherwise an
// error.
func (s *Supervisor) Start(ctx context.Context, configJSON []byte) error {
	hash := sha256.Sum256(configJSON)

	if err := ValidateConfig(configJSON); err != nil {
		s.setError(ErrConfigurationInvalid, err.Error())
		return fmt.Errorf("invalid configuration: %w", err)
	}

	sessionID := uuid.NewString()

	s.mu.Lock()
	switch {
	case s.state == StateUninitialized:
		s.mu.Unlock()
		return errors.New("supervisor not initialized")
	case s.state == StateStarting:
		s.mu.Unlock()
		return ErrAlreadyStarting
	case s.state == StateRunning:
		same := s.configHash == hash
		s.mu.Unlock()
		if same {
			slog.Debug("Engine already running with identical configuration")
			return nil
		}
		return errors.New("engine already running with a different configuration")
	case s.state == StateStopping:
		s.mu.Unlock()
		return errors.New("engine stop in progress")
	}
	// Claim the Starting state before touching the filesystem so a racing
	// Start cannot overwrite or remove this attempt's config handoff.
	if err := s.transitionLocked(StateStarting); err != nil {
		s.mu.Unlock()
		return err
	}
	s.sessionID = sessionID
	s.configHash = hash
	s.clearErrorLocked()
	s.mu.Unlock()
	s.notifyStatus()

	// The filename carries the session ID so no other attempt ever owns
	// the same path.
	configPath := filepath.Join(s.opts.RuntimeDir, configFilePrefix+sessionID+".json")
	if err := fileutil.AtomicWrite(configPath, configJSON, 0600); err != nil {
		s.setError(ErrConfigurationInvalid, err.Error())
		s.mu.Lock()
		_ = s.transitionLocked(StateStopped)
		s.mu.Unlock()
		s.notifyStatus()
		return fmt.Errorf("write engine configuration: %w", err)
	}

	s.mu.Lock()
	s.configPath = configPath
	s.mu.Unlock()

	if err := s.launch(ctx, configPath); err != nil {
		s.mu.Lock()
		_ = s.transitionLocked(StateStopped)
		s.removeConfigFileLocked()
		s.mu.Unlock()
		s.notifyStatus()
		return err
	}

	return nil
}

// launch creates and starts the engine process, then waits for readiness.
// The caller is responsible for the Starting->Stopped transition on error.
func (s *Supervisor) launch(ctx context.Context, configPath string) error {
	// The process outlives the Start call; only the readiness wait is bound
	// to the caller's context.
	procCtx, cancel := context.WithCancel(context.Background())

	name := s.execPath
	args := []string{"run", "-c", configPath}
	if s.opts.Elevate {
		args = append([]string{name}, args...)
		name = "pkexec"
	}

	process, err := s.opts.Executor.CreateProcess(procCtx, name, args...)
	if err != nil {
		cancel()
		kind := classifyStartError(err)
		s.setError(kind, err.Error())
		return fmt.Errorf("create engine process: %w", err)
	}

	if err := process.Start(); err != nil {
		cancel()
		kind := classifyStartError(err)
		s.setError(kind, err.Error())
		return fmt.Errorf("start engine process: %w", err)
	}

	procDone := make(chan struct{})
	readyCh := make(chan struct{})
	rejectedCh := make(chan string, 1)
	fatalCh := make(chan string, 1)
	var readyOnce sync.Once

	handleEvent := func(event *OutputEvent) {
		switch event.Type {
		case EventStarted:
			readyOnce.Do(func() { close(readyCh) })
		case EventConfigRejected:
			select {
			case rejectedCh <- event.Message:
			default:
			}
		case EventFatal:
			select {
			case fatalCh <- event.Message:
			default:
			}
		case EventError:
			slog.Warn("Engine reported error", "message", event.Message)
		}
	}

	go scanOutput(process.Stdout(), handleEvent)
	go scanOutput(process.Stderr(), handleEvent)

	go func() {
		// Wait error is irrelevant here; exit is exit.
		_ = process.Wait()
		close(procDone)
	}()

	s.mu.Lock()
	s.process = process
	s.cancel = cancel
	s.procDone = procDone
	s.mu.Unlock()

	// failStartup releases the process context so a failed attempt does not
	// hold it until the next Start.
	failStartup := func(kill bool) {
		if kill {
			s.abortStartup(process, procDone)
		}
		cancel()
		s.mu.Lock()
		s.process = nil
		s.procDone = nil
		s.cancel = nil
		s.mu.Unlock()
	}

	select {
	case <-readyCh:
		s.mu.Lock()
		if err := s.transitionLocked(StateRunning); err != nil {
			s.mu.Unlock()
			return err
		}
		s.startedAt = time.Now()
		sessionID := s.sessionID
		s.mu.Unlock()
		s.notifyStatus()

		go s.monitorProcess(procDone, sessionID)

		slog.Info("Engine started", "session", sessionID)
		return nil

	case msg := <-rejectedCh:
		failStartup(true)
		s.setError(ErrConfigurationInvalid, msg)
		return fmt.Errorf("engine rejected configuration: %s", msg)

	case msg := <-fatalCh:
		failStartup(true)
		s.setError(ErrProcessStartFailed, msg)
		return fmt.Errorf("engine failed during startup: %s", msg)

	case <-procDone:
		failStartup(false)
		s.setError(ErrProcessStartFailed, "engine process exited during startup")
		return errors.New("engine process exited during startup")

	case <-time.After(s.opts.StartTimeout):
		failStartup(true)
		s.setError(ErrProcessStartFailed, "engine did not report readiness within start timeout")
		return fmt.Errorf("engine start timed out after %s", s.opts.StartTimeout)

	case <-ctx.Done():
		failStartup(true)
		return ctx.Err()
	}
}

// abortStartup terminates a process whose startup failed and waits briefly
// for it to exit.
func (s *Supervisor) abortStartup(process Process, procDone chan struct{}) {
	if err := process.Kill(); err != nil {
		slog.Warn("Failed to kill engine process after startup failure", "error", err)
	}
	select {
	case <-procDone:
	case <-time.After(2 * time.Second):
	}
}

// scanOutput reads process output line by line, forwarding parsed lifecycle
// events. Scanner errors from closing pipes are expected on process exit.
func scanOutput(r io.ReadCloser, handle func(*OutputEvent)) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		slog.Debug("Engine output", "line", line)
		if event := ParseLine(line); event != nil {
			handle(event)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, os.ErrClosed) {
		slog.Debug("Engine output scanner stopped", "error", err)
	}
}

// monitorProcess watches for unexpected engine exit. It wakes on process
// exit or on the poll interval, whichever comes first, and classifies an
// exit that happened outside an orderly Stop as a crash.
func (s *Supervisor) monitorProcess(procDone <-chan struct{}, sessionID string) {
	ticker := time.NewTicker(s.opts.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-procDone:
			s.handleProcessExit(sessionID)
			return
		case <-ticker.C:
			s.mu.Lock()
			current := s.sessionID
			state := s.state
			s.mu.Unlock()
			// A new session or an orderly stop supersedes this monitor.
			if current != sessionID || (state != StateRunning && state != StateStopping) {
				return
			}
		}
	}
}

// handleProcessExit flips the supervisor to stopped when the engine exits
// on its own, raising a crash error unless a Stop is in progress.
func (s *Supervisor) handleProcessExit(sessionID string) {
	s.mu.Lock()
	if s.sessionID != sessionID {
		s.mu.Unlock()
		return
	}
	if s.state == StateStopping {
		// Orderly shutdown; Stop owns the final transition.
		s.mu.Unlock()
		return
	}
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}

	_ = s.transitionLocked(StateStopped)
	s.lastError = ErrProcessCrashed
	s.errorMsg = "engine process exited unexpectedly"
	s.startedAt = time.Time{}
	s.process = nil
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.removeConfigFileLocked()
	s.mu.Unlock()
	s.notifyStatus()

	slog.Error("Engine process crashed", "session", sessionID)
}

// Stop requests graceful termination, escalating to SIGKILL after the grace
// period. Safe to call when not running.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRunning && s.state != StateStarting {
		s.mu.Unlock()
		return nil
	}
	if err := s.transitionLocked(StateStopping); err != nil {
		s.mu.Unlock()
		return err
	}
	process := s.process
	procDone := s.procDone
	s.mu.Unlock()
	s.notifyStatus()

	if process != nil {
		if err := process.Terminate(); err != nil {
			slog.Warn("Graceful engine termination failed, escalating", "error", err)
		}

		select {
		case <-procDone:
		case <-time.After(s.opts.StopGrace):
			slog.Warn("Engine did not exit within grace period, killing", "grace", s.opts.StopGrace)
			if err := process.Kill(); err != nil {
				s.setError(ErrUnknown, fmt.Sprintf("failed to kill engine process: %v", err))
				return fmt.Errorf("kill engine process: %w", err)
			}
			select {
			case <-procDone:
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	_ = s.transitionLocked(StateStopped)
	s.process = nil
	s.procDone = nil
	s.startedAt = time.Time{}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.clearErrorLocked()
	s.removeConfigFileLocked()
	s.mu.Unlock()
	s.notifyStatus()

	slog.Info("Engine stopped")
	return nil
}

// IsRunning reports whether the engine process is alive. This is a cheap
// check against supervisor state; the process monitor keeps it accurate.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateRunning
}

// GetStatus returns a snapshot of the engine's observable state.
func (s *Supervisor) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

// GetStatistics reads raw cumulative counters from the engine's reporting
// surface. It returns zeroed counters when the engine is not running or
// exposes no statistics at all. A failed read from a configured counter
// source is an error so callers can apply their own retry policy.
func (s *Supervisor) GetStatistics() (Counters, error) {
	s.mu.Lock()
	running := s.state == StateRunning
	startedAt := s.startedAt
	s.mu.Unlock()

	if !running {
		return Counters{Timestamp: time.Now()}, nil
	}

	counters := Counters{Timestamp: time.Now()}
	if s.opts.Counters != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		read, err := s.opts.Counters.ReadCounters(ctx)
		if err != nil {
			return Counters{}, fmt.Errorf("read engine counters: %w", err)
		}
		counters = read
		if counters.Timestamp.IsZero() {
			counters.Timestamp = time.Now()
		}
	}

	if !startedAt.IsZero() {
		counters.Duration = time.Since(startedAt)
	}
	return counters, nil
}

// GetConnectionInfo returns a summary of the current connection for
// diagnostics and display.
func (s *Supervisor) GetConnectionInfo() map[string]string {
	status := s.GetStatus()
	info := map[string]string{
		"state": string(status.State),
	}
	if !status.IsRunning {
		return info
	}

	info["session_id"] = status.SessionID
	info["started_at"] = status.StartedAt.Format(time.RFC3339)

	if counters, err := s.GetStatistics(); err == nil {
		info["bytes_received"] = fmt.Sprintf("%d", counters.BytesReceived)
		info["bytes_sent"] = fmt.Sprintf("%d", counters.BytesSent)
		info["duration_seconds"] = fmt.Sprintf("%d", int64(counters.Duration.Seconds()))
	}
	return info
}

// statusLocked builds a status snapshot. Caller holds mu.
func (s *Supervisor) statusLocked() Status {
	return Status{
		SessionID:    s.sessionID,
		State:        s.state,
		IsRunning:    s.state == StateRunning,
		LastError:    s.lastError,
		ErrorMessage: s.errorMsg,
		StartedAt:    s.startedAt,
	}
}

// transitionLocked moves to a new lifecycle state if allowed. Caller holds mu.
func (s *Supervisor) transitionLocked(to LifecycleState) error {
	if !IsValidTransition(s.state, to) {
		return fmt.Errorf("invalid state transition from %s to %s", s.state, to)
	}
	s.state = to
	return nil
}

// setError records an error classification and notifies subscribers.
func (s *Supervisor) setError(kind ErrorKind, message string) {
	s.mu.Lock()
	s.lastError = kind
	s.errorMsg = message
	s.mu.Unlock()
	s.notifyStatus()
}

// clearErrorLocked resets the error state. Caller holds mu.
func (s *Supervisor) clearErrorLocked() {
	s.lastError = ErrNone
	s.errorMsg = ""
}

// removeConfigFileLocked deletes the handed-off configuration blob.
// Caller holds mu.
func (s *Supervisor) removeConfigFileLocked() {
	if s.configPath == "" {
		return
	}
	if err := os.Remove(s.configPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to remove engine configuration file", "path", s.configPath, "error", err)
	}
	s.configPath = ""
}

// notifyStatus delivers the current status to subscribers if it differs from
// the last delivered one. Callbacks run outside all supervisor locks.
func (s *Supervisor) notifyStatus() {
	s.mu.Lock()
	status := s.statusLocked()
	s.mu.Unlock()

	s.subMu.Lock()
	if s.lastNotified != nil && *s.lastNotified == status {
		s.subMu.Unlock()
		return
	}
	snapshot := status
	s.lastNotified = &snapshot
	callbacks := make([]func(Status), 0, len(s.subscribers))
	for _, cb := range s.subscribers {
		callbacks = append(callbacks, cb)
	}
	s.subMu.Unlock()

	for _, cb := range callbacks {
		cb(status)
	}
}
