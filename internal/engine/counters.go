package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// CounterSource reads raw cumulative traffic counters from the engine's
// reporting surface. Implementations must be safe for concurrent use.
type CounterSource interface {
	// ReadCounters returns the engine's cumulative byte/packet counters.
	// An error means the counters are temporarily unreadable, not that the
	// engine is down.
	ReadCounters(ctx context.Context) (Counters, error)
}

// rawCounters is the wire shape of the engine's traffic endpoint. Packet
// counts are optional; engines that do not report them leave them zero.
type rawCounters struct {
	Up          uint64 `json:"up"`
	Down        uint64 `json:"down"`
	UpPackets   uint64 `json:"up_packets"`
	DownPackets uint64 `json:"down_packets"`
}

// apiCounterSource reads counters from the engine's local HTTP stats API
// (Clash-compatible /traffic endpoint, one JSON object per line).
type apiCounterSource struct {
	url    string
	client *http.Client
}

// NewAPICounterSource creates a counter source backed by the engine's local
// stats API listening on the given port.
func NewAPICounterSource(port int, timeout time.Duration) CounterSource {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &apiCounterSource{
		url: fmt.Sprintf("http://127.0.0.1:%d/traffic", port),
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// ReadCounters fetches and decodes the first counters object the endpoint
// emits. The endpoint streams; we only need one snapshot per poll.
func (s *apiCounterSource) ReadCounters(ctx context.Context) (Counters, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return Counters{}, fmt.Errorf("build counters request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Counters{}, fmt.Errorf("query counters endpoint: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Counters{}, fmt.Errorf("counters endpoint returned status %d", resp.StatusCode)
	}

	var raw rawCounters
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Counters{}, fmt.Errorf("decode counters: %w", err)
	}

	return Counters{
		BytesReceived:   raw.Down,
		BytesSent:       raw.Up,
		PacketsReceived: raw.DownPackets,
		PacketsSent:     raw.UpPackets,
		Timestamp:       time.Now(),
	}, nil
}
