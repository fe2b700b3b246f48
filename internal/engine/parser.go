package engine

import (
	"regexp"
	"strings"
)

// EventType represents the type of event parsed from engine output.
type EventType string

const (
	// EventStarted indicates the engine finished startup and is serving.
	EventStarted EventType = "started"
	// EventStopped indicates the engine reported an orderly shutdown.
	EventStopped EventType = "stopped"
	// EventConfigRejected indicates the engine refused the configuration file.
	EventConfigRejected EventType = "config_rejected"
	// EventError indicates the engine logged a non-fatal error.
	EventError EventType = "error"
	// EventFatal indicates the engine logged a fatal error and is going down.
	EventFatal EventType = "fatal"
)

// OutputEvent represents a parsed event from engine output.
type OutputEvent struct {
	Type    EventType
	Message string
}

// Regex patterns for parsing engine log output. The engine writes
// level-tagged lines such as "INFO[0000] sing-box started (0.02s)".
var (
	// Matches: sing-box started (0.02s)
	startedPattern = regexp.MustCompile(`sing-box started`)

	// Matches: sing-box closed / shutdown lines
	stoppedPattern = regexp.MustCompile(`sing-box (closed|shutdown)`)

	// Matches configuration rejection during startup.
	configRejectedPattern = regexp.MustCompile(`(decode config|parse config|unknown (inbound|outbound) type)[:\s]*(.*)`)

	// Matches: FATAL[0000] message
	fatalPattern = regexp.MustCompile(`FATAL\[\d+\]\s*(.+)`)

	// Matches: ERROR[0000] message
	errorPattern = regexp.MustCompile(`ERROR\[\d+\]\s*(.+)`)
)

// ParseLine parses a single line of engine output and returns an event if
// recognized. Returns nil for lines that carry no lifecycle signal.
func ParseLine(line string) *OutputEvent {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}

	if startedPattern.MatchString(line) {
		return &OutputEvent{
			Type:    EventStarted,
			Message: "engine started",
		}
	}

	if stoppedPattern.MatchString(line) {
		return &OutputEvent{
			Type:    EventStopped,
			Message: "engine stopped",
		}
	}

	// Config rejection outranks the generic fatal/error classification so the
	// supervisor can surface ConfigurationInvalid rather than a start failure.
	if matches := configRejectedPattern.FindStringSubmatch(line); matches != nil {
		return &OutputEvent{
			Type:    EventConfigRejected,
			Message: strings.TrimSpace(trimmed),
		}
	}

	if matches := fatalPattern.FindStringSubmatch(line); matches != nil {
		return &OutputEvent{
			Type:    EventFatal,
			Message: strings.TrimSpace(matches[1]),
		}
	}

	if matches := errorPattern.FindStringSubmatch(line); matches != nil {
		return &OutputEvent{
			Type:    EventError,
			Message: strings.TrimSpace(matches[1]),
		}
	}

	return nil
}
