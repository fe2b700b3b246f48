package stats

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/tunnelmax/vpncore/internal/engine"
)

const (
	// DefaultInterval is the default interval between collection ticks.
	DefaultInterval = 1 * time.Second

	// maxRetryAttempts is how many immediate reads are attempted per tick
	// before the tick is declared failed.
	maxRetryAttempts = 3
	// defaultRetryDelay is the base delay between in-tick retries; the
	// actual delay grows linearly with the attempt number.
	defaultRetryDelay = 500 * time.Millisecond

	// historySize bounds the sample ring used for smoothing.
	historySize = 10
	// smoothingWindow is how many recent samples feed the smoothed speeds.
	smoothingWindow = 3
	// errorHistorySize bounds the recorded condition ring.
	errorHistorySize = 20

	// consecutiveFailureLimit escalates repeated failed ticks to
	// ErrMaxRetriesExceeded.
	consecutiveFailureLimit = 3
)

// Engine is the collector's view of the process supervisor.
type Engine interface {
	// IsRunning reports whether the engine process is up.
	IsRunning() bool
	// GetStatistics reads raw cumulative counters from the engine.
	GetStatistics() (engine.Counters, error)
}

// Collector periodically polls the supervisor for raw counters, derives
// throughput speeds, smooths noisy samples, and streams processed samples to
// subscribers. It is safe for concurrent use.
type Collector struct {
	engine     Engine
	retryDelay time.Duration

	mu                  sync.Mutex
	interval            time.Duration
	collecting          bool
	stopChan            chan struct{}
	last                NetworkStats
	hasLast             bool
	prev                engine.Counters
	hasPrev             bool
	history             []NetworkStats
	lastSampleAt        time.Time
	consecutiveFailures int

	errMu        sync.Mutex
	lastError    ErrorInfo
	errorHistory []ErrorInfo

	subMu       sync.Mutex
	nextSubID   int
	statsSubs   map[int]func(NetworkStats)
	errorSubs   map[int]func(ErrorInfo)
}

// NewCollector creates a collector bound to the given engine view.
func NewCollector(eng Engine) *Collector {
	return &Collector{
		engine:     eng,
		retryDelay: defaultRetryDelay,
		interval:   DefaultInterval,
		statsSubs:  make(map[int]func(NetworkStats)),
		errorSubs:  make(map[int]func(ErrorInfo)),
	}
}

// OnStats registers a callback invoked with each processed sample.
// The returned function unsubscribes the callback.
func (c *Collector) OnStats(callback func(NetworkStats)) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	id := c.nextSubID
	c.nextSubID++
	c.statsSubs[id] = callback

	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.statsSubs, id)
	}
}

// OnError registers a callback invoked when a collection condition is
// recorded. The returned function unsubscribes the callback.
func (c *Collector) OnError(callback func(ErrorInfo)) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	id := c.nextSubID
	c.nextSubID++
	c.errorSubs[id] = callback

	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.errorSubs, id)
	}
}

// Start begins the polling loop with the given interval. The interval must
// be positive. Starting an already-running collector is a no-op.
func (c *Collector) Start(interval time.Duration) error {
	if interval <= 0 {
		return errInvalidInterval
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.collecting {
		return nil
	}

	c.interval = interval
	c.collecting = true
	c.stopChan = make(chan struct{})

	go c.pollLoop(c.stopChan)

	slog.Info("Statistics collector started", "interval", interval)
	return nil
}

// Stop stops the polling loop. Safe to call when not collecting.
func (c *Collector) Stop() {
	c.mu.Lock()
	if !c.collecting {
		c.mu.Unlock()
		return
	}
	c.collecting = false
	close(c.stopChan)
	c.mu.Unlock()

	slog.Info("Statistics collector stopped")
}

// IsCollecting reports whether the polling loop is active.
func (c *Collector) IsCollecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collecting
}

// Interval returns the configured collection interval.
func (c *Collector) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

// pollLoop runs the collection schedule. A failed tick adds one full extra
// interval of sleep before the next tick so a stalled engine cannot cause a
// tight error loop.
func (c *Collector) pollLoop(stop <-chan struct{}) {
	c.mu.Lock()
	interval := c.interval
	c.mu.Unlock()

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-timer.C:
		}

		next := interval
		if failed := c.collectTick(stop); failed {
			next += interval
		}
		timer.Reset(next)
	}
}

// collectTick performs one tick: skip when the engine is down, otherwise
// read counters with immediate retries and emit the processed sample.
// Returns true when the tick failed and the loop should back off.
func (c *Collector) collectTick(stop <-chan struct{}) bool {
	if !c.engine.IsRunning() {
		// Not a failure; the engine is simply down. Do not emit stale data.
		c.recordError(ErrEngineNotRunning, "engine not running, skipping collection tick", 0)
		return false
	}

	counters, err := c.readWithRetry(stop)
	if err != nil {
		c.mu.Lock()
		c.consecutiveFailures++
		failures := c.consecutiveFailures
		c.mu.Unlock()

		kind := ErrCollectionFailed
		if failures >= consecutiveFailureLimit {
			kind = ErrMaxRetriesExceeded
		}
		c.recordError(kind, err.Error(), maxRetryAttempts)
		return true
	}

	c.mu.Lock()
	c.consecutiveFailures = 0
	c.mu.Unlock()

	c.processSample(counters)
	return false
}

// readWithRetry attempts up to maxRetryAttempts counter reads with a short
// linearly increasing delay between them.
func (c *Collector) readWithRetry(stop <-chan struct{}) (engine.Counters, error) {
	var lastErr error
	for attempt := 1; attempt <= maxRetryAttempts; attempt++ {
		counters, err := c.engine.GetStatistics()
		if err == nil {
			return counters, nil
		}
		lastErr = err
		slog.Debug("Counter read failed", "attempt", attempt, "error", err)

		if attempt < maxRetryAttempts {
			select {
			case <-stop:
				return engine.Counters{}, lastErr
			case <-time.After(time.Duration(attempt) * c.retryDelay):
			}
		}
	}
	return engine.Counters{}, lastErr
}

// processSample derives speeds from the previous counter read, updates the
// history ring, and notifies subscribers.
func (c *Collector) processSample(counters engine.Counters) {
	c.mu.Lock()

	sample := NetworkStats{
		BytesReceived:      counters.BytesReceived,
		BytesSent:          counters.BytesSent,
		PacketsReceived:    counters.PacketsReceived,
		PacketsSent:        counters.PacketsSent,
		ConnectionDuration: counters.Duration,
		Timestamp:          counters.Timestamp,
	}

	if c.hasPrev {
		if !counters.Timestamp.After(c.prev.Timestamp) {
			c.mu.Unlock()
			c.recordError(ErrProcessingError, "counter timestamp did not advance", 0)
			return
		}
		elapsed := counters.Timestamp.Sub(c.prev.Timestamp).Seconds()
		sample.DownloadSpeed = counterDelta(counters.BytesReceived, c.prev.BytesReceived) / elapsed
		sample.UploadSpeed = counterDelta(counters.BytesSent, c.prev.BytesSent) / elapsed
	}

	c.prev = counters
	c.hasPrev = true
	c.last = sample
	c.hasLast = true
	c.lastSampleAt = time.Now()

	c.history = append(c.history, sample)
	if len(c.history) > historySize {
		c.history = c.history[len(c.history)-historySize:]
	}
	c.mu.Unlock()

	c.clearError()
	c.emitStats(sample)
}

// counterDelta returns the byte delta between two cumulative readings,
// clamped to zero when the counter went backwards (counter reset).
func counterDelta(current, previous uint64) float64 {
	if current < previous {
		return 0
	}
	return float64(current - previous)
}

// GetLastStats returns the most recent processed sample, if any.
func (c *Collector) GetLastStats() (NetworkStats, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.hasLast
}

// GetSmoothedStats returns the last sample with its speeds replaced by the
// arithmetic mean of the most recent smoothing-window samples. It exists
// purely to reduce display jitter; cumulative byte counts come from the last
// raw sample, never from the average.
func (c *Collector) GetSmoothedStats() NetworkStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.history) == 0 {
		return NetworkStats{}
	}

	window := c.history
	if len(window) > smoothingWindow {
		window = window[len(window)-smoothingWindow:]
	}

	var down, up float64
	for _, sample := range window {
		down += sample.DownloadSpeed
		up += sample.UploadSpeed
	}

	smoothed := c.last
	smoothed.DownloadSpeed = math.Max(0, down/float64(len(window)))
	smoothed.UploadSpeed = math.Max(0, up/float64(len(window)))
	return smoothed
}

// GetStatsHistory returns up to count most recent samples, oldest first.
func (c *Collector) GetStatsHistory(count int) []NetworkStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	if count <= 0 || count > len(c.history) {
		count = len(c.history)
	}
	out := make([]NetworkStats, count)
	copy(out, c.history[len(c.history)-count:])
	return out
}

// ResetStatistics clears the history and the last-known sample. Call after a
// reconnection so speed deltas are not computed across a connection gap.
func (c *Collector) ResetStatistics() {
	c.mu.Lock()
	c.history = nil
	c.last = NetworkStats{}
	c.hasLast = false
	c.prev = engine.Counters{}
	c.hasPrev = false
	c.lastSampleAt = time.Time{}
	c.consecutiveFailures = 0
	c.mu.Unlock()

	c.clearError()
	slog.Debug("Statistics reset")
}

// IsStale reports whether the last successful sample is older than maxAge.
// Callers should treat a stale collector as "connection possibly stalled";
// three poll intervals is a reasonable threshold.
func (c *Collector) IsStale(maxAge time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastSampleAt.IsZero() {
		return true
	}
	return time.Since(c.lastSampleAt) > maxAge
}

// GetLastError returns the most recent recorded condition.
func (c *Collector) GetLastError() ErrorInfo {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.lastError
}

// GetErrorHistory returns up to count most recent recorded conditions,
// oldest first.
func (c *Collector) GetErrorHistory(count int) []ErrorInfo {
	c.errMu.Lock()
	defer c.errMu.Unlock()

	if count <= 0 || count > len(c.errorHistory) {
		count = len(c.errorHistory)
	}
	out := make([]ErrorInfo, count)
	copy(out, c.errorHistory[len(c.errorHistory)-count:])
	return out
}

// recordError stores a condition and notifies error subscribers.
func (c *Collector) recordError(kind ErrorKind, message string, retries int) {
	info := ErrorInfo{
		Kind:       kind,
		Message:    message,
		Timestamp:  time.Now(),
		RetryCount: retries,
	}

	c.errMu.Lock()
	c.lastError = info
	c.errorHistory = append(c.errorHistory, info)
	if len(c.errorHistory) > errorHistorySize {
		c.errorHistory = c.errorHistory[len(c.errorHistory)-errorHistorySize:]
	}
	c.errMu.Unlock()

	if kind == ErrEngineNotRunning {
		slog.Debug("Collection condition", "kind", kind, "message", message)
	} else {
		slog.Warn("Collection condition", "kind", kind, "message", message, "retries", retries)
	}

	c.subMu.Lock()
	callbacks := make([]func(ErrorInfo), 0, len(c.errorSubs))
	for _, cb := range c.errorSubs {
		callbacks = append(callbacks, cb)
	}
	c.subMu.Unlock()

	for _, cb := range callbacks {
		cb(info)
	}
}

// clearError resets the last condition to none.
func (c *Collector) clearError() {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	c.lastError = ErrorInfo{Kind: ErrNone}
}

// emitStats delivers a processed sample to subscribers outside all locks.
func (c *Collector) emitStats(sample NetworkStats) {
	c.subMu.Lock()
	callbacks := make([]func(NetworkStats), 0, len(c.statsSubs))
	for _, cb := range c.statsSubs {
		callbacks = append(callbacks, cb)
	}
	c.subMu.Unlock()

	for _, cb := range callbacks {
		cb(sample)
	}
}
