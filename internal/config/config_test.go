package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPaths(t *testing.T) *Paths {
	t.Helper()
	dir := t.TempDir()
	return &Paths{
		ConfigDir:  filepath.Join(dir, "config"),
		ConfigFile: filepath.Join(dir, "config", ConfigFileName),
		RuntimeDir: filepath.Join(dir, "runtime"),
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, time.Second, cfg.StatsInterval())
}

func TestConfig_ApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()

	def := DefaultConfig()
	assert.Equal(t, def.Engine, cfg.Engine)
	assert.Equal(t, def.Stats, cfg.Stats)
	assert.Equal(t, def.Monitor.MaxRetryAttempts, cfg.Monitor.MaxRetryAttempts)
	require.NotNil(t, cfg.Monitor.ReconnectEnabled)
	assert.True(t, *cfg.Monitor.ReconnectEnabled)

	// Explicit values survive.
	cfg2 := Config{Engine: EngineConfig{ExecutablePath: "/opt/engine/sing-box"}}
	cfg2.ApplyDefaults()
	assert.Equal(t, "/opt/engine/sing-box", cfg2.Engine.ExecutablePath)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "empty executable",
			mutate:  func(c *Config) { c.Engine.ExecutablePath = "" },
			wantErr: "executable_path",
		},
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Engine.APIPort = 70000 },
			wantErr: "api_port",
		},
		{
			name:    "non-positive stats interval",
			mutate:  func(c *Config) { c.Stats.IntervalMs = 0 },
			wantErr: "interval_ms",
		},
		{
			name:    "zero retry attempts",
			mutate:  func(c *Config) { c.Monitor.MaxRetryAttempts = 0 },
			wantErr: "max_retry_attempts",
		},
		{
			name:    "multiplier too small",
			mutate:  func(c *Config) { c.Monitor.BackoffMultiplier = 1.0 },
			wantErr: "backoff_multiplier",
		},
		{
			name: "initial delay exceeds max",
			mutate: func(c *Config) {
				c.Monitor.InitialRetryDelayMs = 120000
				c.Monitor.MaxRetryDelaySec = 60
			},
			wantErr: "must not exceed",
		},
		{
			name:    "unknown probe",
			mutate:  func(c *Config) { c.Monitor.Probe = "carrier-pigeon" },
			wantErr: "monitor.probe",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.wantErr)
		})
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_PartialFileGetsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  api_port: 9999\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Engine.APIPort)
	assert.Equal(t, "sing-box", cfg.Engine.ExecutablePath)
	assert.Equal(t, 1000, cfg.Stats.IntervalMs)
}

func TestLoad_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte("engine: [not a mapping"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestSaveLoadRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)

	cfg := DefaultConfig()
	cfg.Engine.APIPort = 9191
	cfg.Monitor.Probe = "stun"
	cfg.Monitor.STUNServers = []string{"stun.example.com:3478"}

	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestManager_LoadsAndCreatesDirectories(t *testing.T) {
	paths := testPaths(t)

	mgr, err := NewManagerWithPaths(paths)
	require.NoError(t, err)

	assert.DirExists(t, paths.ConfigDir)
	assert.DirExists(t, paths.RuntimeDir)
	assert.Equal(t, DefaultConfig(), mgr.GetConfig())
	assert.Equal(t, paths.RuntimeDir, mgr.GetRuntimeDir())
}

func TestManager_GetConfigReturnsCopy(t *testing.T) {
	mgr, err := NewManagerWithPaths(testPaths(t))
	require.NoError(t, err)

	cfg := mgr.GetConfig()
	cfg.Engine.APIPort = 1

	assert.NotEqual(t, 1, mgr.GetConfig().Engine.APIPort)
}

func TestManager_UpdateFieldValidates(t *testing.T) {
	paths := testPaths(t)
	mgr, err := NewManagerWithPaths(paths)
	require.NoError(t, err)

	err = mgr.UpdateField(func(cfg *Config) {
		cfg.Stats.IntervalMs = -1
	})
	require.Error(t, err)
	assert.Equal(t, 1000, mgr.GetConfig().Stats.IntervalMs)

	require.NoError(t, mgr.UpdateField(func(cfg *Config) {
		cfg.Stats.IntervalMs = 250
	}))
	assert.Equal(t, 250, mgr.GetConfig().Stats.IntervalMs)

	// The change was persisted.
	loaded, err := Load(paths.ConfigFile)
	require.NoError(t, err)
	assert.Equal(t, 250, loaded.Stats.IntervalMs)
}

func TestManager_UpdateConfig(t *testing.T) {
	mgr, err := NewManagerWithPaths(testPaths(t))
	require.NoError(t, err)

	bad := DefaultConfig()
	bad.Monitor.MaxRetryAttempts = 0
	assert.Error(t, mgr.UpdateConfig(bad))

	good := DefaultConfig()
	good.Engine.Elevate = true
	require.NoError(t, mgr.UpdateConfig(good))
	assert.True(t, mgr.GetConfig().Engine.Elevate)
}
