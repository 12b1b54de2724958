package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the overlay client configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Room      RoomConfig      `yaml:"room"`
	Marquee   MarqueeConfig   `yaml:"marquee"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Database  DatabaseConfig  `yaml:"database"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig points at the relay.
type ServerConfig struct {
	URL string `yaml:"url"` // WebSocket relay URL (e.g., wss://relay.example.com/ws)
}

// RoomConfig holds the room credentials sent in the acn handshake.
type RoomConfig struct {
	Name     string `yaml:"name"`
	Hash     string `yaml:"hash"`     // Precomputed room hash; takes precedence over password
	Password string `yaml:"password"` // Room password, hashed locally when hash is empty
}

// AuthHash returns the hash sent to the relay.
func (r RoomConfig) AuthHash() string {
	if r.Hash != "" {
		return r.Hash
	}
	if r.Password == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(r.Name + ":" + r.Password))
	return hex.EncodeToString(sum[:])
}

// MarqueeConfig controls lane assignment and geometry.
type MarqueeConfig struct {
	Duration      time.Duration `yaml:"duration"`       // How long a comment stays on screen
	ViewportWidth float64       `yaml:"viewport_width"` // Overlay width in pixels
	FontSize      float64       `yaml:"font_size"`      // Comment font size in pixels
	Measure       string        `yaml:"measure"`        // "kinematic" or "reported"
}

// ReconnectConfig controls the randomized reconnect delay, base + jitter*rand().
// A zero or omitted value in the file means the default.
type ReconnectConfig struct {
	Base   time.Duration `yaml:"base"`
	Jitter time.Duration `yaml:"jitter"`
}

// DatabaseConfig holds the comment log location.
type DatabaseConfig struct {
	Path string `yaml:"path"` // SQLite database path
}

// DashboardConfig controls the local HTTP API.
type DashboardConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	ShareURL string `yaml:"share_url"` // Page where viewers post comments, shown as a QR code
}

// LogConfig controls log output.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Load reads a YAML config file and expands ${VAR} environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults loads config and applies default values.
func LoadWithDefaults(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadAndValidate loads config, applies defaults, and validates.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := LoadWithDefaults(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}
