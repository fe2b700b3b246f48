package netmon

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tunnelmax/vpncore/internal/engine"
)

const (
	// DefaultPollInterval is how often interfaces are re-enumerated to
	// detect network changes.
	DefaultPollInterval = 5 * time.Second
	// DefaultHealthCheckInterval is how often connection health is graded.
	DefaultHealthCheckInterval = 30 * time.Second
	// DefaultInitialRetryDelay is the backoff before the first
	// reconnection attempt.
	DefaultInitialRetryDelay = time.Second
	// DefaultMaxRetryDelay caps the exponential backoff.
	DefaultMaxRetryDelay = 60 * time.Second
	// DefaultBackoffMultiplier is the exponential backoff base.
	DefaultBackoffMultiplier = 2.0
	// DefaultMaxRetryAttempts bounds one reconnection sequence.
	DefaultMaxRetryAttempts = 10
	// DefaultSettleDelay is how long a successful reconnection is shown
	// before the status returns to idle.
	DefaultSettleDelay = 2 * time.Second

	// attemptHistorySize bounds the reconnection attempt log (FIFO).
	attemptHistorySize = 100

	// poorThreshold is how many consecutive engine-level check failures
	// (with the internet still reachable) degrade health to poor. A single
	// failure is tolerated as a blip.
	poorThreshold = 2
)

// ErrNotMonitoring is returned by TriggerReconnection when monitoring has
// not been started.
var ErrNotMonitoring = errors.New("monitor is not running")

// Engine is the slice of the process supervisor the monitor depends on.
type Engine interface {
	IsRunning() bool
	Start(ctx context.Context, configJSON []byte) error
	GetStatistics() (engine.Counters, error)
}

// Options configures a Monitor. Zero values fall back to the defaults
// above; Inspector and Prober fall back to the system inspector and the
// HTTP prober.
type Options struct {
	Inspector Inspector
	Prober    Prober

	PollInterval        time.Duration
	HealthCheckInterval time.Duration

	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
	BackoffMultiplier float64
	MaxRetryAttempts  int
	SettleDelay       time.Duration
}

func (o *Options) applyDefaults() {
	if o.Inspector == nil {
		o.Inspector = NewSystemInspector()
	}
	if o.Prober == nil {
		o.Prober = NewHTTPProber("")
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.HealthCheckInterval <= 0 {
		o.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if o.InitialRetryDelay <= 0 {
		o.InitialRetryDelay = DefaultInitialRetryDelay
	}
	if o.MaxRetryDelay <= 0 {
		o.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if o.BackoffMultiplier <= 1 {
		o.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if o.MaxRetryAttempts <= 0 {
		o.MaxRetryAttempts = DefaultMaxRetryAttempts
	}
	if o.SettleDelay <= 0 {
		o.SettleDelay = DefaultSettleDelay
	}
}

// Monitor detects network changes, grades connection health, and restarts
// the engine with exponential backoff when it goes down unexpectedly.
// It is safe for concurrent use.
type Monitor struct {
	engine Engine
	opts   Options

	runMu      sync.Mutex
	monitoring bool
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	config     []byte

	// reconnecting guards against overlapping reconnection sequences.
	reconnecting     atomic.Bool
	reconnectEnabled atomic.Bool

	stateMu             sync.Mutex
	networkState        NetworkState
	health              ConnectionHealth
	reconnStatus        ReconnectionStatus
	interfaces          []InterfaceInfo
	active              InterfaceInfo
	hasActive           bool
	lastFingerprint     string
	lastNetworkChange   time.Time
	retryAttempts       int
	engineCheckFailures int
	history             []ReconnectionAttempt
	totalAttempts       int

	subMu         sync.Mutex
	nextSubID     int
	networkSubs   map[int]func(NetworkState)
	healthSubs    map[int]func(ConnectionHealth)
	reconnectSubs map[int]func(ReconnectionStatus, int)
}

// NewMonitor creates a Monitor for the given engine. Reconnection is
// enabled by default; monitoring starts only on StartMonitoring.
func NewMonitor(eng Engine, opts Options) *Monitor {
	opts.applyDefaults()
	m := &Monitor{
		engine:        eng,
		opts:          opts,
		networkState:  NetworkUnknown,
		health:        HealthUnknown,
		reconnStatus:  ReconnectIdle,
		networkSubs:   make(map[int]func(NetworkState)),
		healthSubs:    make(map[int]func(ConnectionHealth)),
		reconnectSubs: make(map[int]func(ReconnectionStatus, int)),
	}
	m.reconnectEnabled.Store(true)
	return m
}

// StartMonitoring begins the network-change and health-check loops.
// configJSON is the engine configuration used for reconnection attempts.
// Calling it while already monitoring is a no-op.
func (m *Monitor) StartMonitoring(configJSON []byte) error {
	m.runMu.Lock()
	if m.monitoring {
		m.runMu.Unlock()
		slog.Debug("Monitor already running")
		return nil
	}

	m.config = append([]byte(nil), configJSON...)
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.monitoring = true
	ctx := m.ctx
	m.wg.Add(2)
	m.runMu.Unlock()

	// Baseline snapshot so the first poll does not register as a change.
	m.refreshNetworkState(true)

	go m.networkChangeLoop(ctx)
	go m.healthCheckLoop(ctx)

	slog.Info("Network monitoring started",
		"poll_interval", m.opts.PollInterval,
		"health_interval", m.opts.HealthCheckInterval)
	return nil
}

// StopMonitoring stops both loops, waits for them to exit, and resets all
// observable state to its initial values. Safe to call when not monitoring.
func (m *Monitor) StopMonitoring() {
	m.runMu.Lock()
	if !m.monitoring {
		m.runMu.Unlock()
		return
	}
	m.cancel()
	m.monitoring = false
	m.runMu.Unlock()

	m.wg.Wait()

	m.setNetworkState(NetworkUnknown)
	m.setHealth(HealthUnknown)
	m.setReconnStatus(ReconnectIdle, 0)

	m.stateMu.Lock()
	m.interfaces = nil
	m.active, m.hasActive = InterfaceInfo{}, false
	m.lastFingerprint = ""
	m.lastNetworkChange = time.Time{}
	m.retryAttempts = 0
	m.engineCheckFailures = 0
	m.history = nil
	m.totalAttempts = 0
	m.stateMu.Unlock()

	slog.Info("Network monitoring stopped")
}

// IsMonitoring reports whether the loops are running.
func (m *Monitor) IsMonitoring() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.monitoring
}

// SetReconnectionEnabled toggles automatic reconnection. Manual triggers
// are unaffected.
func (m *Monitor) SetReconnectionEnabled(enabled bool) {
	m.reconnectEnabled.Store(enabled)
	slog.Debug("Automatic reconnection toggled", "enabled", enabled)
}

// IsReconnectionEnabled reports whether automatic reconnection is on.
func (m *Monitor) IsReconnectionEnabled() bool {
	return m.reconnectEnabled.Load()
}

// TriggerReconnection starts a reconnection sequence immediately, even when
// automatic reconnection is disabled or a previous sequence exhausted its
// retry budget. No-op when a sequence is already in flight.
func (m *Monitor) TriggerReconnection() error {
	m.runMu.Lock()
	if !m.monitoring {
		m.runMu.Unlock()
		return ErrNotMonitoring
	}
	ctx := m.ctx
	m.runMu.Unlock()

	m.stateMu.Lock()
	if m.retryAttempts >= m.opts.MaxRetryAttempts {
		m.retryAttempts = 0
	}
	m.stateMu.Unlock()

	m.startReconnection(ctx, "manual trigger")
	return nil
}

// ResetReconnectionAttempts zeroes the retry counter, drains the attempt
// history, and clears a failed latch so automatic reconnection may resume.
// The lifetime attempt total is kept.
func (m *Monitor) ResetReconnectionAttempts() {
	m.stateMu.Lock()
	m.retryAttempts = 0
	m.history = nil
	latched := m.reconnStatus == ReconnectFailed
	m.stateMu.Unlock()

	if latched {
		m.setReconnStatus(ReconnectIdle, 0)
	}
	slog.Debug("Reconnection attempts reset")
}

// OnNetworkState registers a network-state callback and returns an
// unsubscribe function. Callbacks fire only on actual changes.
func (m *Monitor) OnNetworkState(cb func(NetworkState)) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	id := m.nextSubID
	m.nextSubID++
	m.networkSubs[id] = cb
	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.networkSubs, id)
	}
}

// OnHealth registers a connection-health callback and returns an
// unsubscribe function.
func (m *Monitor) OnHealth(cb func(ConnectionHealth)) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	id := m.nextSubID
	m.nextSubID++
	m.healthSubs[id] = cb
	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.healthSubs, id)
	}
}

// OnReconnection registers a reconnection-status callback. The attempt
// number accompanies every notification (zero outside a sequence).
func (m *Monitor) OnReconnection(cb func(ReconnectionStatus, int)) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	id := m.nextSubID
	m.nextSubID++
	m.reconnectSubs[id] = cb
	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.reconnectSubs, id)
	}
}

// GetNetworkState returns the last classified network state.
func (m *Monitor) GetNetworkState() NetworkState {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.networkState
}

// GetConnectionHealth returns the last graded connection health.
func (m *Monitor) GetConnectionHealth() ConnectionHealth {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.health
}

// GetReconnectionStatus returns the current reconnection status.
func (m *Monitor) GetReconnectionStatus() ReconnectionStatus {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.reconnStatus
}

// GetNetworkInterfaces returns a copy of the last interface snapshot.
func (m *Monitor) GetNetworkInterfaces() []InterfaceInfo {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	out := make([]InterfaceInfo, len(m.interfaces))
	copy(out, m.interfaces)
	return out
}

// GetActiveInterface returns the default-route interface from the last
// snapshot, ok=false when there was none.
func (m *Monitor) GetActiveInterface() (InterfaceInfo, bool) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.active, m.hasActive
}

// GetReconnectionHistory returns a copy of the recorded attempts, oldest
// first.
func (m *Monitor) GetReconnectionHistory() []ReconnectionAttempt {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	out := make([]ReconnectionAttempt, len(m.history))
	copy(out, m.history)
	return out
}

// TotalReconnectionAttempts returns the lifetime attempt count, which keeps
// growing even as old history entries are evicted.
func (m *Monitor) TotalReconnectionAttempts() int {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.totalAttempts
}

// RetryAttempts returns the attempt counter of the current sequence.
func (m *Monitor) RetryAttempts() int {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.retryAttempts
}

// LastNetworkChange returns when the interface set last changed, zero when
// no change has been observed since monitoring started.
func (m *Monitor) LastNetworkChange() time.Time {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.lastNetworkChange
}

func (m *Monitor) networkChangeLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.refreshNetworkState(false)
		}
	}
}

// refreshNetworkState re-enumerates interfaces, reclassifies the network
// state, and on a topology change schedules reconnection if the engine is
// down. The initial call only establishes the baseline.
func (m *Monitor) refreshNetworkState(initial bool) {
	infos, err := m.opts.Inspector.Interfaces()
	if err != nil {
		slog.Warn("Interface enumeration failed", "error", err)
		return
	}
	active, hasActive, err := m.opts.Inspector.ActiveInterface()
	if err != nil {
		slog.Warn("Active interface lookup failed", "error", err)
	}
	state := classifyNetworkState(active, hasActive, infos)
	fp := fingerprintInterfaces(infos)

	m.stateMu.Lock()
	changed := fp != m.lastFingerprint
	m.lastFingerprint = fp
	m.interfaces = infos
	m.active, m.hasActive = active, hasActive
	if changed && !initial {
		m.lastNetworkChange = time.Now()
	}
	m.stateMu.Unlock()

	m.setNetworkState(state)

	if changed && !initial {
		slog.Info("Network change detected", "state", state, "interfaces", len(infos))
		if !m.engine.IsRunning() && m.reconnectEnabled.Load() {
			m.scheduleReconnection("network change detected")
		}
	}
}

func (m *Monitor) healthCheckLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.HealthCheckInterval)
	defer ticker.Stop()

	m.checkHealth(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkHealth(ctx)
		}
	}
}

// checkHealth grades connection health:
//   - engine down, or internet unreachable: disconnected
//   - internet reachable but the engine-level check keeps failing: poor
//   - everything answers: good, and the retry counter is forgiven
func (m *Monitor) checkHealth(ctx context.Context) {
	if !m.engine.IsRunning() {
		m.resetEngineCheckFailures()
		m.setHealth(HealthDisconnected)
		if m.reconnectEnabled.Load() {
			m.scheduleReconnection("engine not running")
		}
		return
	}

	if !m.opts.Prober.Probe(ctx) {
		m.resetEngineCheckFailures()
		m.setHealth(HealthDisconnected)
		return
	}

	if _, err := m.engine.GetStatistics(); err != nil {
		m.stateMu.Lock()
		m.engineCheckFailures++
		failures := m.engineCheckFailures
		m.stateMu.Unlock()
		slog.Debug("Engine health check failed", "failures", failures, "error", err)
		if failures >= poorThreshold {
			m.setHealth(HealthPoor)
		}
		return
	}

	m.resetEngineCheckFailures()
	m.setHealth(HealthGood)

	m.stateMu.Lock()
	m.retryAttempts = 0
	m.stateMu.Unlock()
}

func (m *Monitor) resetEngineCheckFailures() {
	m.stateMu.Lock()
	m.engineCheckFailures = 0
	m.stateMu.Unlock()
}

// scheduleReconnection starts an automatic reconnection sequence unless one
// is already running or a previous sequence exhausted its budget.
func (m *Monitor) scheduleReconnection(reason string) {
	m.stateMu.Lock()
	exhausted := m.retryAttempts >= m.opts.MaxRetryAttempts
	m.stateMu.Unlock()
	if exhausted {
		return
	}

	m.runMu.Lock()
	if !m.monitoring {
		m.runMu.Unlock()
		return
	}
	ctx := m.ctx
	m.runMu.Unlock()

	m.startReconnection(ctx, reason)
}

// startReconnection spawns the reconnection sequence goroutine. The
// reconnecting flag makes concurrent calls collapse into one sequence.
func (m *Monitor) startReconnection(ctx context.Context, reason string) {
	if !m.reconnecting.CompareAndSwap(false, true) {
		return
	}

	m.runMu.Lock()
	if !m.monitoring {
		m.runMu.Unlock()
		m.reconnecting.Store(false)
		return
	}
	m.wg.Add(1)
	m.runMu.Unlock()

	go func() {
		defer m.wg.Done()
		defer m.reconnecting.Store(false)
		m.runReconnection(ctx, reason)
	}()
}

// runReconnection performs attempts with exponential backoff until the
// engine restarts, the retry budget is exhausted, or monitoring stops.
func (m *Monitor) runReconnection(ctx context.Context, reason string) {
	for {
		m.stateMu.Lock()
		attempt := m.retryAttempts + 1
		if attempt > m.opts.MaxRetryAttempts {
			m.stateMu.Unlock()
			m.setReconnStatus(ReconnectFailed, attempt-1)
			return
		}
		m.retryAttempts = attempt
		m.stateMu.Unlock()

		delay := m.backoffDelay(attempt)
		m.setReconnStatus(ReconnectAttempting, attempt)
		slog.Info("Scheduling reconnection attempt",
			"attempt", attempt,
			"max", m.opts.MaxRetryAttempts,
			"delay", delay,
			"reason", reason)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		// The situation may have resolved itself during the backoff.
		if !m.IsMonitoring() {
			return
		}
		if m.engine.IsRunning() {
			slog.Debug("Engine recovered on its own, skipping reconnection")
			m.setReconnStatus(ReconnectIdle, attempt)
			return
		}

		m.runMu.Lock()
		config := append([]byte(nil), m.config...)
		m.runMu.Unlock()

		err := m.engine.Start(ctx, config)
		m.recordAttempt(attempt, reason, err == nil)

		if err == nil {
			m.stateMu.Lock()
			m.retryAttempts = 0
			m.stateMu.Unlock()

			slog.Info("Reconnection succeeded", "attempt", attempt)
			m.setReconnStatus(ReconnectSuccess, attempt)
			m.setHealth(HealthGood)

			select {
			case <-ctx.Done():
			case <-time.After(m.opts.SettleDelay):
			}
			m.setReconnStatus(ReconnectIdle, attempt)
			return
		}

		slog.Warn("Reconnection attempt failed", "attempt", attempt, "error", err)
		if attempt >= m.opts.MaxRetryAttempts {
			slog.Error("Reconnection retry budget exhausted",
				"attempts", attempt, "reason", reason)
			m.setReconnStatus(ReconnectFailed, attempt)
			return
		}
	}
}

// backoffDelay returns the delay before the given 1-based attempt:
// initial * multiplier^(attempt-1), capped at the maximum.
func (m *Monitor) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(m.opts.InitialRetryDelay) *
		math.Pow(m.opts.BackoffMultiplier, float64(attempt-1)))
	if d > m.opts.MaxRetryDelay || d <= 0 {
		d = m.opts.MaxRetryDelay
	}
	return d
}

func (m *Monitor) recordAttempt(attempt int, reason string, success bool) {
	rec := ReconnectionAttempt{
		ID:            uuid.New().String(),
		AttemptNumber: attempt,
		Timestamp:     time.Now(),
		Reason:        reason,
		Success:       success,
	}

	m.stateMu.Lock()
	m.history = append(m.history, rec)
	if len(m.history) > attemptHistorySize {
		m.history = m.history[len(m.history)-attemptHistorySize:]
	}
	m.totalAttempts++
	m.stateMu.Unlock()
}

func (m *Monitor) setNetworkState(s NetworkState) {
	m.stateMu.Lock()
	if m.networkState == s {
		m.stateMu.Unlock()
		return
	}
	m.networkState = s
	m.stateMu.Unlock()

	slog.Debug("Network state changed", "state", s)
	for _, cb := range m.networkCallbacks() {
		cb(s)
	}
}

func (m *Monitor) setHealth(h ConnectionHealth) {
	m.stateMu.Lock()
	if m.health == h {
		m.stateMu.Unlock()
		return
	}
	m.health = h
	m.stateMu.Unlock()

	slog.Debug("Connection health changed", "health", h)
	for _, cb := range m.healthCallbacks() {
		cb(h)
	}
}

// setReconnStatus dedupes on status alone; repeated attempts in the same
// status do not re-notify.
func (m *Monitor) setReconnStatus(s ReconnectionStatus, attempt int) {
	m.stateMu.Lock()
	if m.reconnStatus == s {
		m.stateMu.Unlock()
		return
	}
	m.reconnStatus = s
	m.stateMu.Unlock()

	slog.Debug("Reconnection status changed", "status", s, "attempt", attempt)
	for _, cb := range m.reconnectCallbacks() {
		cb(s, attempt)
	}
}

func (m *Monitor) networkCallbacks() []func(NetworkState) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	out := make([]func(NetworkState), 0, len(m.networkSubs))
	for _, cb := range m.networkSubs {
		out = append(out, cb)
	}
	return out
}

func (m *Monitor) healthCallbacks() []func(ConnectionHealth) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	out := make([]func(ConnectionHealth), 0, len(m.healthSubs))
	for _, cb := range m.healthSubs {
		out = append(out, cb)
	}
	return out
}

func (m *Monitor) reconnectCallbacks() []func(ReconnectionStatus, int) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	out := make([]func(ReconnectionStatus, int), 0, len(m.reconnectSubs))
	for _, cb := range m.reconnectSubs {
		out = append(out, cb)
	}
	return out
}

// classifyNetworkState maps an interface snapshot to a NetworkState.
func classifyNetworkState(active InterfaceInfo, hasActive bool, infos []InterfaceInfo) NetworkState {
	if hasActive {
		switch {
		case !active.HasInternet:
			return NetworkConnectedNoInternet
		case active.IsWifi:
			return NetworkConnectedWifi
		case active.IsEthernet:
			return NetworkConnectedEthernet
		default:
			return NetworkConnectedOther
		}
	}
	for _, info := range infos {
		if info.IsConnected {
			return NetworkConnectedNoInternet
		}
	}
	return NetworkDisconnected
}

// fingerprintInterfaces reduces a snapshot to a comparable string so polls
// can detect topology changes cheaply.
func fingerprintInterfaces(infos []InterfaceInfo) string {
	var b []byte
	for _, info := range infos {
		b = append(b, info.Name...)
		b = append(b, '|')
		if info.IsConnected {
			b = append(b, '1')
		} else {
			b = append(b, '0')
		}
		b = append(b, '|')
		b = append(b, info.IPAddress...)
		b = append(b, ';')
	}
	return string(b)
}
