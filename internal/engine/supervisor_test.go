package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `{
	"inbounds": [{"type": "tun", "tag": "tun-in"}],
	"outbounds": [
		{"type": "vless", "tag": "proxy"},
		{"type": "direct", "tag": "direct"}
	]
}`

const readyLine = "INFO[0000] sing-box started (0.02s)"

// newTestSupervisor builds an initialized supervisor backed by the mock
// executor, with a fake engine binary in a temp dir.
func newTestSupervisor(t *testing.T, executor *MockExecutor, mutate func(*Options)) *Supervisor {
	t.Helper()

	dir := t.TempDir()
	binPath := filepath.Join(dir, "sing-box")
	require.NoError(t, os.WriteFile(binPath, []byte("#!/bin/sh\n"), 0o755))

	opts := Options{
		ExecutablePath:  binPath,
		Executor:        executor,
		RuntimeDir:      dir,
		StartTimeout:    2 * time.Second,
		StopGrace:       200 * time.Millisecond,
		MonitorInterval: 50 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}

	s := New(opts)
	require.NoError(t, s.Initialize())
	return s
}

func TestSupervisor_InitializeMissingExecutable(t *testing.T) {
	s := New(Options{
		ExecutablePath: filepath.Join(t.TempDir(), "does-not-exist"),
		Executor:       NewMockExecutor(),
	})

	err := s.Initialize()
	require.Error(t, err)
	assert.Equal(t, ErrInitializationFailed, s.GetStatus().LastError)
}

func TestSupervisor_StartSuccess(t *testing.T) {
	executor := NewMockExecutor()
	proc := NewMockProcess()
	proc.QueueStdout(readyLine)
	executor.Prime(proc)

	s := newTestSupervisor(t, executor, nil)

	err := s.Start(context.Background(), []byte(testConfig))
	require.NoError(t, err)
	defer func() { _ = s.Stop(context.Background()) }()

	assert.True(t, s.IsRunning())

	status := s.GetStatus()
	assert.Equal(t, StateRunning, status.State)
	assert.NotEmpty(t, status.SessionID)
	assert.Equal(t, ErrNone, status.LastError)
	assert.False(t, status.StartedAt.IsZero())

	name, args := executor.LastCommand()
	assert.Contains(t, name, "sing-box")
	require.Len(t, args, 3)
	assert.Equal(t, "run", args[0])
	assert.Equal(t, "-c", args[1])
}

func TestSupervisor_StartWritesConfigFile(t *testing.T) {
	executor := NewMockExecutor()
	proc := NewMockProcess()
	proc.QueueStdout(readyLine)
	executor.Prime(proc)

	dir := ""
	s := newTestSupervisor(t, executor, func(o *Options) { dir = o.RuntimeDir })

	require.NoError(t, s.Start(context.Background(), []byte(testConfig)))
	defer func() { _ = s.Stop(context.Background()) }()

	matches, err := filepath.Glob(filepath.Join(dir, "vpncore-engine-*.json"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Equal(t, testConfig, string(data))
}

func TestSupervisor_StartNotInitialized(t *testing.T) {
	s := New(Options{Executor: NewMockExecutor()})
	err := s.Start(context.Background(), []byte(testConfig))
	assert.ErrorContains(t, err, "not initialized")
}

func TestSupervisor_StartInvalidConfig(t *testing.T) {
	executor := NewMockExecutor()
	s := newTestSupervisor(t, executor, nil)

	err := s.Start(context.Background(), []byte(`{"outbounds": []}`))
	require.Error(t, err)
	assert.Equal(t, ErrConfigurationInvalid, s.GetStatus().LastError)
	assert.Equal(t, 0, executor.CreateCount())
}

func TestSupervisor_StartTimeout(t *testing.T) {
	executor := NewMockExecutor()
	proc := NewMockProcess() // never emits the ready line
	executor.Prime(proc)

	s := newTestSupervisor(t, executor, func(o *Options) {
		o.StartTimeout = 100 * time.Millisecond
	})

	err := s.Start(context.Background(), []byte(testConfig))
	require.ErrorContains(t, err, "timed out")

	status := s.GetStatus()
	assert.Equal(t, StateStopped, status.State)
	assert.Equal(t, ErrProcessStartFailed, status.LastError)
	assert.True(t, proc.IsKilled())
}

func TestSupervisor_StartConfigRejectedByEngine(t *testing.T) {
	executor := NewMockExecutor()
	proc := NewMockProcess()
	proc.QueueStderr("FATAL[0000] decode config: unknown field \"bogus\"")
	executor.Prime(proc)

	s := newTestSupervisor(t, executor, nil)

	err := s.Start(context.Background(), []byte(testConfig))
	require.ErrorContains(t, err, "rejected configuration")

	status := s.GetStatus()
	assert.Equal(t, StateStopped, status.State)
	assert.Equal(t, ErrConfigurationInvalid, status.LastError)
}

func TestSupervisor_StartEarlyExit(t *testing.T) {
	executor := NewMockExecutor()
	proc := NewMockProcess()
	executor.Prime(proc)

	s := newTestSupervisor(t, executor, nil)

	go func() {
		time.Sleep(50 * time.Millisecond)
		proc.Exit()
	}()

	err := s.Start(context.Background(), []byte(testConfig))
	require.ErrorContains(t, err, "exited during startup")
	assert.Equal(t, ErrProcessStartFailed, s.GetStatus().LastError)
}

func TestSupervisor_StartWhileStarting(t *testing.T) {
	executor := NewMockExecutor()
	proc := NewMockProcess() // holds in Starting until we emit readiness
	executor.Prime(proc)

	s := newTestSupervisor(t, executor, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.Start(context.Background(), []byte(testConfig))
	}()

	require.Eventually(t, func() bool {
		return s.GetStatus().State == StateStarting
	}, time.Second, 10*time.Millisecond)

	err := s.Start(context.Background(), []byte(testConfig))
	assert.ErrorIs(t, err, ErrAlreadyStarting)

	proc.EmitStdout(readyLine)
	wg.Wait()
	_ = s.Stop(context.Background())
}

func TestSupervisor_ConcurrentStartKeepsConfigFile(t *testing.T) {
	executor := NewMockExecutor()
	proc := NewMockProcess()
	proc.QueueStdout(readyLine)
	executor.Prime(proc)

	dir := ""
	s := newTestSupervisor(t, executor, func(o *Options) { dir = o.RuntimeDir })

	errs := make([]error, 2)
	var wg sync.WaitGroup
	wg.Add(len(errs))
	for i := range errs {
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Start(context.Background(), []byte(testConfig))
		}(i)
	}
	wg.Wait()
	defer func() { _ = s.Stop(context.Background()) }()

	// Exactly one launch; the duplicate is either rejected as in-flight or
	// absorbed as an identical-config no-op.
	assert.Equal(t, 1, executor.CreateCount())
	started := 0
	for _, err := range errs {
		if err == nil {
			started++
		} else {
			assert.ErrorIs(t, err, ErrAlreadyStarting)
		}
	}
	assert.GreaterOrEqual(t, started, 1)
	require.True(t, s.IsRunning())

	// The running engine's config handoff must survive the losing attempt.
	matches, err := filepath.Glob(filepath.Join(dir, "vpncore-engine-*.json"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Equal(t, testConfig, string(data))
}

func TestSupervisor_StartFailureReleasesProcessContext(t *testing.T) {
	executor := NewMockExecutor()
	proc := NewMockProcess() // never emits the ready line
	executor.Prime(proc)

	s := newTestSupervisor(t, executor, func(o *Options) {
		o.StartTimeout = 100 * time.Millisecond
	})

	err := s.Start(context.Background(), []byte(testConfig))
	require.Error(t, err)

	procCtx := executor.LastContext()
	require.NotNil(t, procCtx)
	assert.Error(t, procCtx.Err())
}

func TestSupervisor_StartIdempotentWithSameConfig(t *testing.T) {
	executor := NewMockExecutor()
	proc := NewMockProcess()
	proc.QueueStdout(readyLine)
	executor.Prime(proc)

	s := newTestSupervisor(t, executor, nil)

	require.NoError(t, s.Start(context.Background(), []byte(testConfig)))
	defer func() { _ = s.Stop(context.Background()) }()

	// Same configuration: accepted without relaunching.
	require.NoError(t, s.Start(context.Background(), []byte(testConfig)))
	assert.Equal(t, 1, executor.CreateCount())

	// Different configuration while running: refused.
	other := `{"inbounds":[{"type":"tun","tag":"t"}],"outbounds":[{"type":"trojan","tag":"p"}]}`
	err := s.Start(context.Background(), []byte(other))
	assert.ErrorContains(t, err, "different configuration")
}

func TestSupervisor_CrashDetection(t *testing.T) {
	executor := NewMockExecutor()
	proc := NewMockProcess()
	proc.QueueStdout(readyLine)
	executor.Prime(proc)

	s := newTestSupervisor(t, executor, nil)

	var mu sync.Mutex
	var crashed *Status
	unsubscribe := s.OnStatus(func(status Status) {
		mu.Lock()
		defer mu.Unlock()
		if status.LastError == ErrProcessCrashed {
			snapshot := status
			crashed = &snapshot
		}
	})
	defer unsubscribe()

	require.NoError(t, s.Start(context.Background(), []byte(testConfig)))
	require.True(t, s.IsRunning())

	// Simulate the engine dying underneath the supervisor.
	proc.Exit()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return crashed != nil
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, StateStopped, crashed.State)
	assert.False(t, crashed.IsRunning)
	assert.False(t, s.IsRunning())
}

func TestSupervisor_StopGraceful(t *testing.T) {
	executor := NewMockExecutor()
	proc := NewMockProcess()
	proc.QueueStdout(readyLine)
	executor.Prime(proc)

	s := newTestSupervisor(t, executor, nil)
	require.NoError(t, s.Start(context.Background(), []byte(testConfig)))

	require.NoError(t, s.Stop(context.Background()))

	assert.True(t, proc.IsTerminated())
	assert.False(t, proc.IsKilled())

	status := s.GetStatus()
	assert.Equal(t, StateStopped, status.State)
	assert.Equal(t, ErrNone, status.LastError)
}

func TestSupervisor_StopEscalatesToKill(t *testing.T) {
	executor := NewMockExecutor()
	proc := NewMockProcess()
	proc.QueueStdout(readyLine)
	proc.SetExitOnTerminate(false) // ignore SIGTERM
	executor.Prime(proc)

	s := newTestSupervisor(t, executor, func(o *Options) {
		o.StopGrace = 50 * time.Millisecond
	})
	require.NoError(t, s.Start(context.Background(), []byte(testConfig)))

	require.NoError(t, s.Stop(context.Background()))

	assert.True(t, proc.IsTerminated())
	assert.True(t, proc.IsKilled())
	assert.Equal(t, StateStopped, s.GetStatus().State)
}

func TestSupervisor_StopWhenNotRunning(t *testing.T) {
	s := newTestSupervisor(t, NewMockExecutor(), nil)
	assert.NoError(t, s.Stop(context.Background()))
}

func TestSupervisor_RestartAfterStop(t *testing.T) {
	executor := NewMockExecutor()
	first := NewMockProcess()
	first.QueueStdout(readyLine)
	executor.Prime(first)

	s := newTestSupervisor(t, executor, nil)
	require.NoError(t, s.Start(context.Background(), []byte(testConfig)))
	require.NoError(t, s.Stop(context.Background()))

	second := NewMockProcess()
	second.QueueStdout(readyLine)
	executor.Prime(second)

	require.NoError(t, s.Start(context.Background(), []byte(testConfig)))
	defer func() { _ = s.Stop(context.Background()) }()

	assert.True(t, s.IsRunning())
	assert.Equal(t, 2, executor.CreateCount())
}

func TestSupervisor_ElevateWrapsPkexec(t *testing.T) {
	executor := NewMockExecutor()
	proc := NewMockProcess()
	proc.QueueStdout(readyLine)
	executor.Prime(proc)

	s := newTestSupervisor(t, executor, func(o *Options) {
		o.Elevate = true
	})
	require.NoError(t, s.Start(context.Background(), []byte(testConfig)))
	defer func() { _ = s.Stop(context.Background()) }()

	name, args := executor.LastCommand()
	assert.Equal(t, "pkexec", name)
	require.NotEmpty(t, args)
	assert.Contains(t, args[0], "sing-box")
}

func TestSupervisor_StartProcessFailure(t *testing.T) {
	executor := NewMockExecutor()
	proc := NewMockProcess()
	proc.SetStartError(os.ErrPermission)
	executor.Prime(proc)

	s := newTestSupervisor(t, executor, nil)

	err := s.Start(context.Background(), []byte(testConfig))
	require.Error(t, err)

	status := s.GetStatus()
	assert.Equal(t, StateStopped, status.State)
	assert.Equal(t, ErrPermissionDenied, status.LastError)
}

type stubCounterSource struct {
	counters Counters
	err      error
}

func (s *stubCounterSource) ReadCounters(context.Context) (Counters, error) {
	return s.counters, s.err
}

func TestSupervisor_GetStatisticsNotRunning(t *testing.T) {
	s := newTestSupervisor(t, NewMockExecutor(), nil)

	counters, err := s.GetStatistics()
	require.NoError(t, err)
	assert.Zero(t, counters.BytesReceived)
	assert.Zero(t, counters.BytesSent)
	assert.False(t, counters.Timestamp.IsZero())
}

func TestSupervisor_GetStatisticsFromSource(t *testing.T) {
	executor := NewMockExecutor()
	proc := NewMockProcess()
	proc.QueueStdout(readyLine)
	executor.Prime(proc)

	source := &stubCounterSource{counters: Counters{BytesReceived: 1024, BytesSent: 512}}
	s := newTestSupervisor(t, executor, func(o *Options) {
		o.Counters = source
	})
	require.NoError(t, s.Start(context.Background(), []byte(testConfig)))
	defer func() { _ = s.Stop(context.Background()) }()

	counters, err := s.GetStatistics()
	require.NoError(t, err)
	assert.Equal(t, uint64(1024), counters.BytesReceived)
	assert.Equal(t, uint64(512), counters.BytesSent)
	assert.Greater(t, counters.Duration, time.Duration(0))

	source.err = errors.New("connection refused")
	_, err = s.GetStatistics()
	assert.Error(t, err)
}

func TestSupervisor_GetConnectionInfo(t *testing.T) {
	executor := NewMockExecutor()
	proc := NewMockProcess()
	proc.QueueStdout(readyLine)
	executor.Prime(proc)

	s := newTestSupervisor(t, executor, nil)

	info := s.GetConnectionInfo()
	assert.Equal(t, string(StateInitialized), info["state"])
	assert.NotContains(t, info, "session_id")

	require.NoError(t, s.Start(context.Background(), []byte(testConfig)))
	defer func() { _ = s.Stop(context.Background()) }()

	info = s.GetConnectionInfo()
	assert.Equal(t, string(StateRunning), info["state"])
	assert.NotEmpty(t, info["session_id"])
}

func TestSupervisor_OnStatusUnsubscribe(t *testing.T) {
	executor := NewMockExecutor()
	proc := NewMockProcess()
	proc.QueueStdout(readyLine)
	executor.Prime(proc)

	s := newTestSupervisor(t, executor, nil)

	var mu sync.Mutex
	count := 0
	unsubscribe := s.OnStatus(func(Status) {
		mu.Lock()
		defer mu.Unlock()
		count++
	})
	unsubscribe()

	require.NoError(t, s.Start(context.Background(), []byte(testConfig)))
	defer func() { _ = s.Stop(context.Background()) }()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, count)
}
