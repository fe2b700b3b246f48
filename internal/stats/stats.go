// Package stats converts the engine's raw, possibly noisy traffic counters
// into a stable stream of throughput samples for display.
package stats

import "time"

// NetworkStats is one processed throughput sample derived from two
// consecutive counter reads.
type NetworkStats struct {
	// BytesReceived is the cumulative bytes received through the tunnel.
	BytesReceived uint64
	// BytesSent is the cumulative bytes sent through the tunnel.
	BytesSent uint64

	// PacketsReceived is the cumulative packet count received, zero when the
	// engine does not report packet counters.
	PacketsReceived uint64
	// PacketsSent is the cumulative packet count sent.
	PacketsSent uint64

	// DownloadSpeed is the derived receive rate in bytes per second,
	// always >= 0. Counter resets clamp the delta to zero.
	DownloadSpeed float64
	// UploadSpeed is the derived transmit rate in bytes per second.
	UploadSpeed float64

	// ConnectionDuration is the time elapsed since the engine reported
	// readiness.
	ConnectionDuration time.Duration

	// Timestamp is when the underlying counters were read.
	Timestamp time.Time
}
