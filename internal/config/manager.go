package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// WorldOverride is the part of TeleportConfig a world may change. Zero
// values keep the global setting.
type WorldOverride struct {
	Cost          float64 `yaml:"cost"`
	WarmupSeconds int     `yaml:"warmup_seconds"`
	SafeMode      *bool   `yaml:"safe_mode"`
}

// WorldsConfig holds per-world teleport overrides.
type WorldsConfig struct {
	Worlds map[string]WorldOverride `yaml:"worlds"`
}

// Manager resolves the teleport settings that apply in a given world.
type Manager struct {
	globalConfig *Config
	worldConfigs map[string]WorldOverride
	mu           sync.RWMutex
}

// NewManager wraps a loaded config and reads worldsPath, if it exists.
func NewManager(global *Config, worldsPath string) (*Manager, error) {
	m := &Manager{globalConfig: global, worldConfigs: make(map[string]WorldOverride)}
	if worldsPath == "" {
		return m, nil
	}

	f, err := os.Open(worldsPath)
	if err != nil {
		// If worlds file missing, just use the global settings
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, err
	}
	defer f.Close()

	var wc WorldsConfig
	if err := yaml.NewDecoder(f).Decode(&wc); err != nil {
		return nil, err
	}
	if wc.Worlds != nil {
		m.worldConfigs = wc.Worlds
	}
	return m, nil
}

// Global returns the process-wide configuration.
func (m *Manager) Global() *Config {
	return m.globalConfig
}

// SetWorld replaces the overrides for one world.
func (m *Manager) SetWorld(world string, o WorldOverride) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.worldConfigs[world] = o
}

// Teleport returns the effective teleport settings for world.
func (m *Manager) Teleport(world string) TeleportConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := m.globalConfig.Teleport
	if override, ok := m.worldConfigs[world]; ok {
		if override.Cost != 0 {
			effective.Cost = override.Cost
		}
		if override.WarmupSeconds != 0 {
			effective.WarmupSeconds = override.WarmupSeconds
		}
		if override.SafeMode != nil {
			effective.SafeMode = *override.SafeMode
		}
	}
	return effective
}
