// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for a daemon on the user's own machine.
	Development Environment = "development"
	// Production is for a packaged install.
	Production Environment = "production"
)

// Config is the master configuration for the peek daemon.
type Config struct {
	// Environment selects which override section applies.
	Environment Environment `yaml:"environment"`

	// Root is the base directory for daemon state.
	Root string `yaml:"root"`

	// Listen is the HTTP address serving the relay, /metrics, and
	// /debug/sessions.
	Listen string `yaml:"listen"`

	Store   StoreConfig   `yaml:"store"`
	Relay   RelayConfig   `yaml:"relay"`
	ICE     ICEConfig     `yaml:"ice"`
	Render  RenderConfig  `yaml:"render"`
	Encoder EncoderConfig `yaml:"encoder"`

	// ThemeFile is an optional JSONC file holding the built-in default
	// overlay theme. Empty uses the compiled-in default.
	ThemeFile string `yaml:"theme_file"`

	Development *Overrides `yaml:"development,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides contains fields that can be overridden per environment.
type Overrides struct {
	Listen  string         `yaml:"listen,omitempty"`
	Store   *StoreConfig   `yaml:"store,omitempty"`
	Relay   *RelayConfig   `yaml:"relay,omitempty"`
	Render  *RenderConfig  `yaml:"render,omitempty"`
	Encoder *EncoderConfig `yaml:"encoder,omitempty"`
}

// StoreConfig configures persisted session and overlay state.
type StoreConfig struct {
	// Path is the snapshot file. Default: ${PEEK_ROOT}/state/peek.kv
	Path string `yaml:"path"`

	// Debounce is the per-key delay for geometry and pause-state
	// writes. Default: 100ms
	Debounce time.Duration `yaml:"debounce"`
}

// RelayConfig configures the WebSocket signaling relay.
type RelayConfig struct {
	// InjectTimeout bounds how long delivery waits for an injected
	// surface to connect before giving up. Default: 2s
	InjectTimeout time.Duration `yaml:"inject_timeout"`

	// AllowedOrigins lists Origin header values accepted on upgrade.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// StrictOrigins rejects upgrades whose Origin is not listed. When
	// false an empty AllowedOrigins accepts any origin.
	// Default: false (development), true (production)
	StrictOrigins bool `yaml:"strict_origins"`
}

// ICEConfig lists STUN/TURN servers offered to every PeerConnection.
type ICEConfig struct {
	Servers []ICEServer `yaml:"servers"`
}

// ICEServer is one STUN or TURN entry.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// RenderConfig configures the per-session render loop.
type RenderConfig struct {
	// FrameCallbacks drives rendering from the stream's frame
	// notifications when it offers them. Default: true
	FrameCallbacks bool `yaml:"frame_callbacks"`

	// FallbackInterval is the timer period used without frame
	// notifications. Default: 33ms
	FallbackInterval time.Duration `yaml:"fallback_interval"`

	// ZeroFrameGrace is how long a fresh render loop may go without
	// drawing before an error is logged. Default: 1.5s
	ZeroFrameGrace time.Duration `yaml:"zero_frame_grace"`
}

// EncoderConfig configures the VP8 encoder process.
type EncoderConfig struct {
	// FFmpeg is the ffmpeg binary. Default: ffmpeg (found in PATH)
	FFmpeg string `yaml:"ffmpeg"`

	// MaxBitrate is the target bitrate in bits per second.
	// Default: 4000000
	MaxBitrate int `yaml:"max_bitrate"`

	// FrameRate is the nominal input rate given to the encoder.
	// Default: 30
	FrameRate int `yaml:"frame_rate"`
}

// Default returns the base configuration applied before the file.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".cache", "peek")

	return &Config{
		Environment: Development,
		Root:        defaultRoot,
		Listen:      "127.0.0.1:7457",
		Store: StoreConfig{
			Path:     filepath.Join("${PEEK_ROOT}", "state", "peek.kv"),
			Debounce: 100 * time.Millisecond,
		},
		Relay: RelayConfig{
			InjectTimeout: 2 * time.Second,
		},
		ICE: ICEConfig{
			Servers: []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
		},
		Render: RenderConfig{
			FrameCallbacks:   true,
			FallbackInterval: 33 * time.Millisecond,
			ZeroFrameGrace:   1500 * time.Millisecond,
		},
		Encoder: EncoderConfig{
			FFmpeg:     "ffmpeg",
			MaxBitrate: 4_000_000,
			FrameRate:  30,
		},
	}
}

// Load loads configuration from the PEEK_CONFIG environment variable.
func Load() (*Config, error) {
	configPath := os.Getenv("PEEK_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("PEEK_CONFIG environment variable not set; " +
			"set it to the path of your peek.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *Overrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
		if overrides == nil {
			overrides = &Overrides{Relay: &RelayConfig{StrictOrigins: true}}
		}
	}

	if overrides == nil {
		return
	}

	if overrides.Listen != "" {
		c.Listen = overrides.Listen
	}
	if overrides.Store != nil {
		if overrides.Store.Path != "" {
			c.Store.Path = overrides.Store.Path
		}
		if overrides.Store.Debounce != 0 {
			c.Store.Debounce = overrides.Store.Debounce
		}
	}
	if overrides.Relay != nil {
		if overrides.Relay.InjectTimeout != 0 {
			c.Relay.InjectTimeout = overrides.Relay.InjectTimeout
		}
		if overrides.Relay.AllowedOrigins != nil {
			c.Relay.AllowedOrigins = overrides.Relay.AllowedOrigins
		}
		// StrictOrigins is a bool, so it always applies.
		c.Relay.StrictOrigins = overrides.Relay.StrictOrigins
	}
	if overrides.Render != nil {
		// FrameCallbacks is a bool, so it always applies.
		c.Render.FrameCallbacks = overrides.Render.FrameCallbacks
		if overrides.Render.FallbackInterval != 0 {
			c.Render.FallbackInterval = overrides.Render.FallbackInterval
		}
		if overrides.Render.ZeroFrameGrace != 0 {
			c.Render.ZeroFrameGrace = overrides.Render.ZeroFrameGrace
		}
	}
	if overrides.Encoder != nil {
		if overrides.Encoder.FFmpeg != "" {
			c.Encoder.FFmpeg = overrides.Encoder.FFmpeg
		}
		if overrides.Encoder.MaxBitrate != 0 {
			c.Encoder.MaxBitrate = overrides.Encoder.MaxBitrate
		}
		if overrides.Encoder.FrameRate != 0 {
			c.Encoder.FrameRate = overrides.Encoder.FrameRate
		}
	}
}

func (c *Config) expandVariables() {
	vars := map[string]string{
		"PEEK_ROOT": c.Root,
		"HOME":      os.Getenv("HOME"),
	}

	c.Root = expandVars(c.Root, vars)
	vars["PEEK_ROOT"] = c.Root

	c.Store.Path = expandVars(c.Store.Path, vars)
	c.ThemeFile = expandVars(c.ThemeFile, vars)
	c.Encoder.FFmpeg = expandVars(c.Encoder.FFmpeg, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default}, checking vars before
// the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.Listen == "" {
		errs = append(errs, fmt.Errorf("listen is required"))
	}
	if c.Store.Path == "" {
		errs = append(errs, fmt.Errorf("store.path is required"))
	}
	if c.Store.Debounce < 0 {
		errs = append(errs, fmt.Errorf("store.debounce must not be negative"))
	}
	if c.Relay.InjectTimeout <= 0 {
		errs = append(errs, fmt.Errorf("relay.inject_timeout must be positive"))
	}
	if c.Render.FallbackInterval <= 0 {
		errs = append(errs, fmt.Errorf("render.fallback_interval must be positive"))
	}
	if c.Render.ZeroFrameGrace <= 0 {
		errs = append(errs, fmt.Errorf("render.zero_frame_grace must be positive"))
	}
	if c.Encoder.MaxBitrate <= 0 {
		errs = append(errs, fmt.Errorf("encoder.max_bitrate must be positive"))
	}
	if c.Encoder.FrameRate <= 0 {
		errs = append(errs, fmt.Errorf("encoder.frame_rate must be positive"))
	}
	for i, server := range c.ICE.Servers {
		if len(server.URLs) == 0 {
			errs = append(errs, fmt.Errorf("ice.servers[%d].urls is required", i))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates the directories the configuration points into.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{c.Root, filepath.Dir(c.Store.Path)} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}

// LoadTheme decodes the JSONC file at path into theme. Comments and
// trailing commas are allowed.
func LoadTheme(path string, theme any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(jsonc.ToJSON(data), theme); err != nil {
		return fmt.Errorf("parsing theme %s: %w", path, err)
	}
	return nil
}
