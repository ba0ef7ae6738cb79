package appconfig

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("agent.url", cfg.Agent.URL)
	v.SetDefault("agent.timeout_seconds", cfg.Agent.TimeoutSeconds)
	v.SetDefault("agent.headers", cfg.Agent.Headers)
	v.SetDefault("sync.min_interval_ms", cfg.Sync.MinIntervalMS)
	v.SetDefault("sync.frame_ms", cfg.Sync.FrameMS)
	v.SetDefault("layout.card_width", cfg.Layout.CardWidth)
	v.SetDefault("layout.card_height", cfg.Layout.CardHeight)
	v.SetDefault("layout.gap", cfg.Layout.Gap)
	v.SetDefault("canvas.state_dir", cfg.Canvas.StateDir)
	v.SetDefault("canvas.document", cfg.Canvas.Document)
	v.SetDefault("canvas.viewport.w", cfg.Canvas.Viewport.W)
	v.SetDefault("canvas.viewport.h", cfg.Canvas.Viewport.H)
	v.SetDefault("http.addr", cfg.HTTP.Addr)
	v.SetDefault("http.base_path", cfg.HTTP.BasePath)
	v.SetDefault("http.hub_history", cfg.HTTP.HubHistory)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
		if v.IsSet("canvas.state_file") {
			return Config{}, fmt.Errorf("canvas.state_file is not supported; use canvas.state_dir and canvas.document")
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	agentURL := strings.TrimSpace(cfg.Agent.URL)
	if agentURL != "" {
		parsed, err := url.Parse(agentURL)
		if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			return fmt.Errorf("agent.url must be an http(s) URL with a host (e.g. http://127.0.0.1:27490/api/agent)")
		}
	}
	if cfg.Agent.TimeoutSeconds < 0 {
		return fmt.Errorf("agent.timeout_seconds must not be negative")
	}
	if cfg.Sync.MinIntervalMS < 0 || cfg.Sync.FrameMS < 0 {
		return fmt.Errorf("sync.min_interval_ms and sync.frame_ms must not be negative")
	}
	if cfg.Layout.CardWidth <= 0 || cfg.Layout.CardHeight <= 0 {
		return fmt.Errorf("layout.card_width and layout.card_height must be positive")
	}
	if cfg.Layout.Gap < 0 {
		return fmt.Errorf("layout.gap must not be negative")
	}
	if cfg.Canvas.Viewport.W <= 0 || cfg.Canvas.Viewport.H <= 0 {
		return fmt.Errorf("canvas.viewport must have a positive size")
	}
	if strings.ContainsAny(cfg.Canvas.Document, `/\`) {
		return fmt.Errorf("canvas.document must be a name, not a path")
	}
	basePath := strings.TrimSpace(cfg.HTTP.BasePath)
	if strings.Contains(basePath, "://") {
		return fmt.Errorf("http.base_path must be a path prefix, not a URL")
	}
	if strings.ContainsAny(basePath, "?#") {
		return fmt.Errorf("http.base_path must not include query or fragment")
	}
	if cfg.HTTP.HubHistory < 0 {
		return fmt.Errorf("http.hub_history must not be negative")
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.Agent.URL = expandEnv(cfg.Agent.URL)
	for key, value := range cfg.Agent.Headers {
		cfg.Agent.Headers[key] = expandEnv(value)
	}
	cfg.Canvas.StateDir = expandEnv(cfg.Canvas.StateDir)
	cfg.HTTP.Addr = expandEnv(cfg.HTTP.Addr)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
