package engine

import (
	"encoding/json"
	"fmt"
)

// supportedProtocols lists the outbound protocol types the engine accepts.
// Non-protocol entry types ("direct", "block", "dns") and the tun inbound are
// always allowed.
var supportedProtocols = map[string]struct{}{
	"vless":       {},
	"vmess":       {},
	"trojan":      {},
	"shadowsocks": {},
	"wireguard":   {},
	"http":        {},
	"socks":       {},
}

// passthroughTypes are entry types that are not tunnel protocols but are
// valid in any configuration.
var passthroughTypes = map[string]struct{}{
	"tun":      {},
	"mixed":    {},
	"direct":   {},
	"block":    {},
	"dns":      {},
	"selector": {},
	"urltest":  {},
}

// SupportedProtocols returns the tunnel protocols the engine is known to accept.
func SupportedProtocols() []string {
	return []string{"vless", "vmess", "trojan", "shadowsocks", "wireguard", "http", "socks"}
}

// configEntry is the minimal shape of an inbound or outbound list element.
type configEntry struct {
	Type string `json:"type"`
	Tag  string `json:"tag"`
}

// configSkeleton is the minimal structural shape of an engine configuration.
type configSkeleton struct {
	Inbounds  []configEntry `json:"inbounds"`
	Outbounds []configEntry `json:"outbounds"`
}

// ValidateConfig performs a structural check of the configuration blob:
// well-formed JSON, required sections present, protocol names recognized.
// Passing validation does not guarantee the engine will accept the
// configuration; it only filters out blobs that cannot possibly work.
func ValidateConfig(configJSON []byte) error {
	if len(configJSON) == 0 {
		return fmt.Errorf("configuration is empty")
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(configJSON, &raw); err != nil {
		return fmt.Errorf("configuration is not valid JSON: %w", err)
	}

	if _, ok := raw["inbounds"]; !ok {
		return fmt.Errorf("configuration missing required section %q", "inbounds")
	}
	if _, ok := raw["outbounds"]; !ok {
		return fmt.Errorf("configuration missing required section %q", "outbounds")
	}

	var skeleton configSkeleton
	if err := json.Unmarshal(configJSON, &skeleton); err != nil {
		return fmt.Errorf("configuration sections malformed: %w", err)
	}

	if len(skeleton.Outbounds) == 0 {
		return fmt.Errorf("configuration has no outbounds")
	}

	for _, entry := range append(skeleton.Inbounds, skeleton.Outbounds...) {
		if entry.Type == "" {
			return fmt.Errorf("configuration entry %q missing type", entry.Tag)
		}
		if _, ok := supportedProtocols[entry.Type]; ok {
			continue
		}
		if _, ok := passthroughTypes[entry.Type]; ok {
			continue
		}
		return fmt.Errorf("unrecognized protocol type %q", entry.Type)
	}

	return nil
}
