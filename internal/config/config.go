// Package config manages the daemon configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tunnelmax/vpncore/internal/fileutil"
)

const (
	// AppName is the application identifier used for XDG paths.
	AppName = "vpncore"
	// ConfigFileName is the name of the daemon configuration file.
	ConfigFileName = "config.yaml"
)

// EngineConfig controls the supervised engine process.
type EngineConfig struct {
	// ExecutablePath is the engine binary, resolved via PATH when relative.
	ExecutablePath string `yaml:"executable_path"`
	// APIPort is the local port of the engine's traffic API.
	APIPort int `yaml:"api_port"`
	// Elevate wraps the engine launch in pkexec.
	Elevate bool `yaml:"elevate"`

	StartTimeoutSec int `yaml:"start_timeout_sec"`
	StopGraceSec    int `yaml:"stop_grace_sec"`
}

// StatsConfig controls the statistics collector.
type StatsConfig struct {
	IntervalMs int `yaml:"interval_ms"`
}

// MonitorConfig controls network monitoring and automatic reconnection.
type MonitorConfig struct {
	PollIntervalSec        int     `yaml:"poll_interval_sec"`
	HealthCheckIntervalSec int     `yaml:"health_check_interval_sec"`
	MaxRetryAttempts       int     `yaml:"max_retry_attempts"`
	InitialRetryDelayMs    int     `yaml:"initial_retry_delay_ms"`
	MaxRetryDelaySec       int     `yaml:"max_retry_delay_sec"`
	BackoffMultiplier      float64 `yaml:"backoff_multiplier"`
	ReconnectEnabled       *bool   `yaml:"reconnect_enabled,omitempty"`

	// Probe selects the reachability check: "http" or "stun".
	Probe       string   `yaml:"probe"`
	ProbeURL    string   `yaml:"probe_url"`
	STUNServers []string `yaml:"stun_servers"`
}

// Config is the root of the daemon configuration file.
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Stats   StatsConfig   `yaml:"stats"`
	Monitor MonitorConfig `yaml:"monitor"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	enabled := true
	return &Config{
		Engine: EngineConfig{
			ExecutablePath:  "sing-box",
			APIPort:         9090,
			StartTimeoutSec: 10,
			StopGraceSec:    5,
		},
		Stats: StatsConfig{
			IntervalMs: 1000,
		},
		Monitor: MonitorConfig{
			PollIntervalSec:        5,
			HealthCheckIntervalSec: 30,
			MaxRetryAttempts:       10,
			InitialRetryDelayMs:    1000,
			MaxRetryDelaySec:       60,
			BackoffMultiplier:      2.0,
			ReconnectEnabled:       &enabled,
			Probe:                  "http",
		},
	}
}

// ApplyDefaults fills zero-valued fields from DefaultConfig.
func (c *Config) ApplyDefaults() {
	def := DefaultConfig()
	if c.Engine.ExecutablePath == "" {
		c.Engine.ExecutablePath = def.Engine.ExecutablePath
	}
	if c.Engine.APIPort == 0 {
		c.Engine.APIPort = def.Engine.APIPort
	}
	if c.Engine.StartTimeoutSec == 0 {
		c.Engine.StartTimeoutSec = def.Engine.StartTimeoutSec
	}
	if c.Engine.StopGraceSec == 0 {
		c.Engine.StopGraceSec = def.Engine.StopGraceSec
	}
	if c.Stats.IntervalMs == 0 {
		c.Stats.IntervalMs = def.Stats.IntervalMs
	}
	if c.Monitor.PollIntervalSec == 0 {
		c.Monitor.PollIntervalSec = def.Monitor.PollIntervalSec
	}
	if c.Monitor.HealthCheckIntervalSec == 0 {
		c.Monitor.HealthCheckIntervalSec = def.Monitor.HealthCheckIntervalSec
	}
	if c.Monitor.MaxRetryAttempts == 0 {
		c.Monitor.MaxRetryAttempts = def.Monitor.MaxRetryAttempts
	}
	if c.Monitor.InitialRetryDelayMs == 0 {
		c.Monitor.InitialRetryDelayMs = def.Monitor.InitialRetryDelayMs
	}
	if c.Monitor.MaxRetryDelaySec == 0 {
		c.Monitor.MaxRetryDelaySec = def.Monitor.MaxRetryDelaySec
	}
	if c.Monitor.BackoffMultiplier == 0 {
		c.Monitor.BackoffMultiplier = def.Monitor.BackoffMultiplier
	}
	if c.Monitor.ReconnectEnabled == nil {
		c.Monitor.ReconnectEnabled = def.Monitor.ReconnectEnabled
	}
	if c.Monitor.Probe == "" {
		c.Monitor.Probe = def.Monitor.Probe
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Engine.ExecutablePath == "" {
		return fmt.Errorf("engine.executable_path must not be empty")
	}
	if c.Engine.APIPort < 0 || c.Engine.APIPort > 65535 {
		return fmt.Errorf("engine.api_port must be a valid port")
	}
	if c.Stats.IntervalMs <= 0 {
		return fmt.Errorf("stats.interval_ms must be positive")
	}
	if c.Monitor.MaxRetryAttempts < 1 {
		return fmt.Errorf("monitor.max_retry_attempts must be at least 1")
	}
	if c.Monitor.BackoffMultiplier <= 1 {
		return fmt.Errorf("monitor.backoff_multiplier must be greater than 1")
	}
	if c.Monitor.InitialRetryDelayMs <= 0 {
		return fmt.Errorf("monitor.initial_retry_delay_ms must be positive")
	}
	if c.Monitor.MaxRetryDelaySec <= 0 {
		return fmt.Errorf("monitor.max_retry_delay_sec must be positive")
	}
	if time.Duration(c.Monitor.InitialRetryDelayMs)*time.Millisecond >
		time.Duration(c.Monitor.MaxRetryDelaySec)*time.Second {
		return fmt.Errorf("monitor.initial_retry_delay_ms must not exceed monitor.max_retry_delay_sec")
	}
	switch c.Monitor.Probe {
	case "http", "stun":
	default:
		return fmt.Errorf("monitor.probe must be %q or %q", "http", "stun")
	}
	return nil
}

// StatsInterval returns the collection interval as a duration.
func (c *Config) StatsInterval() time.Duration {
	return time.Duration(c.Stats.IntervalMs) * time.Millisecond
}

// Paths holds the resolved configuration directories.
type Paths struct {
	ConfigDir  string
	ConfigFile string
	RuntimeDir string
}

// GetPaths returns the configuration paths following the XDG Base
// Directory convention.
func GetPaths() (*Paths, error) {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configHome = filepath.Join(homeDir, ".config")
	}

	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		runtimeDir = os.TempDir()
	}

	configDir := filepath.Join(configHome, AppName)
	return &Paths{
		ConfigDir:  configDir,
		ConfigFile: filepath.Join(configDir, ConfigFileName),
		RuntimeDir: filepath.Join(runtimeDir, AppName),
	}, nil
}

// EnsurePaths creates all necessary directories.
func (p *Paths) EnsurePaths() error {
	if err := os.MkdirAll(p.ConfigDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.MkdirAll(p.RuntimeDir, 0700); err != nil {
		return fmt.Errorf("failed to create runtime directory: %w", err)
	}
	return nil
}

// Load reads the configuration from disk. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.ApplyDefaults()

	return &cfg, nil
}

// Save writes the configuration to disk atomically.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := fileutil.AtomicWrite(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Manager provides high-level configuration management.
// It is safe for concurrent use from multiple goroutines.
type Manager struct {
	paths  *Paths       // Immutable after construction
	config *Config      // Protected by mu
	mu     sync.RWMutex // Protects config only
}

// NewManager creates a configuration manager rooted at the XDG paths.
// It ensures all necessary directories exist and loads the configuration.
func NewManager() (*Manager, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, fmt.Errorf("failed to get config paths: %w", err)
	}
	return NewManagerWithPaths(paths)
}

// NewManagerWithPaths creates a configuration manager using explicit paths.
func NewManagerWithPaths(paths *Paths) (*Manager, error) {
	if err := paths.EnsurePaths(); err != nil {
		return nil, fmt.Errorf("failed to create config directories: %w", err)
	}

	cfg, err := Load(paths.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Manager{
		paths:  paths,
		config: cfg,
	}, nil
}

// GetConfig returns a copy of the current configuration.
// The returned copy is safe to read without holding locks.
func (m *Manager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg := *m.config
	return &cfg
}

// GetConfigDir returns the path to the configuration directory.
func (m *Manager) GetConfigDir() string {
	return m.paths.ConfigDir
}

// GetRuntimeDir returns the directory for runtime files such as the
// rendered engine configuration.
func (m *Manager) GetRuntimeDir() string {
	return m.paths.RuntimeDir
}

// SaveConfig saves the current configuration to disk.
func (m *Manager) SaveConfig() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Save(m.paths.ConfigFile, m.config)
}

// UpdateConfig validates, applies, and persists a new configuration.
func (m *Manager) UpdateConfig(cfg *Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.config = cfg
	return Save(m.paths.ConfigFile, m.config)
}

// UpdateField atomically updates the configuration using a mutator
// function. If validation fails, the original config is preserved.
func (m *Manager) UpdateField(mutator func(cfg *Config)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	configCopy := *m.config
	mutator(&configCopy)
	if err := configCopy.Validate(); err != nil {
		return err
	}

	*m.config = configCopy
	return Save(m.paths.ConfigFile, m.config)
}
