package appconfig

import (
	"os"
	"path/filepath"
	"time"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int          `mapstructure:"config_version" yaml:"config_version"`
	Agent         AgentConfig  `mapstructure:"agent" yaml:"agent"`
	Sync          SyncConfig   `mapstructure:"sync" yaml:"sync"`
	Layout        LayoutConfig `mapstructure:"layout" yaml:"layout"`
	Canvas        CanvasConfig `mapstructure:"canvas" yaml:"canvas"`
	HTTP          HTTPConfig   `mapstructure:"http" yaml:"http"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// AgentConfig points at the agent backend.
type AgentConfig struct {
	URL            string            `mapstructure:"url" yaml:"url"`
	TimeoutSeconds int               `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	Headers        map[string]string `mapstructure:"headers" yaml:"headers"`
}

// SyncConfig throttles canvas reconciliation while a run streams.
type SyncConfig struct {
	MinIntervalMS int `mapstructure:"min_interval_ms" yaml:"min_interval_ms"`
	FrameMS       int `mapstructure:"frame_ms" yaml:"frame_ms"`
}

// LayoutConfig sizes and spaces new cards.
type LayoutConfig struct {
	CardWidth  float64 `mapstructure:"card_width" yaml:"card_width"`
	CardHeight float64 `mapstructure:"card_height" yaml:"card_height"`
	Gap        float64 `mapstructure:"gap" yaml:"gap"`
}

// CanvasConfig controls where the canvas document lives.
type CanvasConfig struct {
	StateDir string         `mapstructure:"state_dir" yaml:"state_dir"`
	Document string         `mapstructure:"document" yaml:"document"`
	Viewport ViewportConfig `mapstructure:"viewport" yaml:"viewport"`
}

// ViewportConfig is the initial visible canvas area.
type ViewportConfig struct {
	W float64 `mapstructure:"w" yaml:"w"`
	H float64 `mapstructure:"h" yaml:"h"`
}

// HTTPConfig configures the HTTP server.
type HTTPConfig struct {
	Addr       string `mapstructure:"addr" yaml:"addr"`
	BasePath   string `mapstructure:"base_path" yaml:"base_path"`
	HubHistory int    `mapstructure:"hub_history" yaml:"hub_history"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		Agent: AgentConfig{
			URL:            "http://127.0.0.1:27490/api/agent",
			TimeoutSeconds: 10,
			Headers:        map[string]string{},
		},
		Sync: SyncConfig{
			MinIntervalMS: 100,
			FrameMS:       16,
		},
		Layout: LayoutConfig{
			CardWidth:  480,
			CardHeight: 240,
			Gap:        24,
		},
		Canvas: CanvasConfig{
			StateDir: filepath.Join(home, ".easel", "state"),
			Document: "canvas",
			Viewport: ViewportConfig{W: 1280, H: 800},
		},
		HTTP: HTTPConfig{
			Addr:       ":27480",
			HubHistory: 512,
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".easel", "config.yaml"), nil
}

// Timeout returns the agent connect timeout.
func (c AgentConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// MinInterval returns the minimum spacing between reconciles.
func (c SyncConfig) MinInterval() time.Duration {
	return time.Duration(c.MinIntervalMS) * time.Millisecond
}

// FrameDelay returns the deferral applied to streaming reconciles.
func (c SyncConfig) FrameDelay() time.Duration {
	return time.Duration(c.FrameMS) * time.Millisecond
}
