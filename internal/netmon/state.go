// Package netmon watches operating-system network interfaces, judges
// connection health, and keeps the VPN engine alive across network
// transitions with an automatic-reconnection state machine.
package netmon

import "time"

// NetworkState classifies the host's current network attachment.
type NetworkState string

const (
	// NetworkUnknown indicates the state has not been determined yet.
	NetworkUnknown NetworkState = "unknown"
	// NetworkDisconnected indicates no connected interface.
	NetworkDisconnected NetworkState = "disconnected"
	// NetworkConnectedNoInternet indicates link-level connectivity without
	// internet reachability.
	NetworkConnectedNoInternet NetworkState = "connected_no_internet"
	// NetworkConnectedWifi indicates the active interface is wireless.
	NetworkConnectedWifi NetworkState = "connected_wifi"
	// NetworkConnectedEthernet indicates the active interface is wired.
	NetworkConnectedEthernet NetworkState = "connected_ethernet"
	// NetworkConnectedOther indicates some other connected interface type.
	NetworkConnectedOther NetworkState = "connected_other"
)

// ConnectionHealth grades the combined internet + tunnel health.
type ConnectionHealth string

const (
	// HealthUnknown indicates health has not been checked yet.
	HealthUnknown ConnectionHealth = "unknown"
	// HealthGood indicates internet is reachable and the engine responds.
	HealthGood ConnectionHealth = "good"
	// HealthPoor indicates internet is reachable but the engine-level check
	// keeps failing.
	HealthPoor ConnectionHealth = "poor"
	// HealthDisconnected indicates no internet reachability or no engine.
	HealthDisconnected ConnectionHealth = "disconnected"
)

// ReconnectionStatus tracks the automatic-reconnection state machine.
type ReconnectionStatus string

const (
	// ReconnectIdle indicates no reconnection is in progress.
	ReconnectIdle ReconnectionStatus = "idle"
	// ReconnectAttempting indicates an attempt is scheduled or in flight.
	ReconnectAttempting ReconnectionStatus = "attempting"
	// ReconnectSuccess indicates the last attempt restarted the engine.
	ReconnectSuccess ReconnectionStatus = "success"
	// ReconnectFailed indicates the retry budget is exhausted; automatic
	// attempts stay suspended until reset or manual trigger.
	ReconnectFailed ReconnectionStatus = "failed"
)

// InterfaceInfo describes one network interface at enumeration time.
// Interfaces are enumerated fresh on each poll; there is no persistent
// identity across polls beyond Index.
type InterfaceInfo struct {
	Name        string
	Description string

	IsConnected bool
	HasInternet bool
	IsWifi      bool
	IsEthernet  bool

	Index     int
	IPAddress string
	Gateway   string

	// LinkSpeedBps is the reported link speed in bits per second, zero when
	// the OS does not expose it.
	LinkSpeedBps uint64
}

// ReconnectionAttempt records one try to restart the engine after a
// detected failure.
type ReconnectionAttempt struct {
	// ID uniquely identifies this attempt record.
	ID string
	// AttemptNumber is 1-based within the current retry sequence.
	AttemptNumber int
	Timestamp     time.Time
	Reason        string
	Success       bool
}
