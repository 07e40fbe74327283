package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tailscale/hujson"
)

var envTemplateRe = regexp.MustCompile(`\$\{\{\s*\.Env\.(\w+)\s*\}\}`)

// Load reads a JSONC config file, expands ${{ .Env.VAR }} templates,
// standardizes it to JSON, unmarshals it into Config, and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// LoadOrDefault is Load, returning the defaults when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = &Config{}
		applyDefaults(cfg)
		return cfg, nil
	}
	return cfg, err
}

// Parse decodes JSONC config data.
func Parse(data []byte) (*Config, error) {
	// Expand environment variable templates (before standardizing, since templates are in strings)
	expanded := expandEnvTemplates(string(data))

	std, err := hujson.Standardize([]byte(expanded))
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(std, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// ParseLevel maps a config level name to a slog level. Unknown names are info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// expandEnvTemplates replaces ${{ .Env.VAR }} with the env var value.
func expandEnvTemplates(s string) string {
	return envTemplateRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envTemplateRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		return os.Getenv(parts[1])
	})
}

// applyDefaults fills in zero-value fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 18520
	}
	if cfg.Server.DBPath == "" {
		cfg.Server.DBPath = filepath.Join(TasklinkPath(), "backend.db")
	}
	if cfg.Server.ChunkDelay == 0 {
		cfg.Server.ChunkDelay = Duration(40 * time.Millisecond)
	}

	base := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	if cfg.Client.GatewayURL == "" {
		cfg.Client.GatewayURL = "ws://" + base + "/api/ws"
	}
	if cfg.Client.APIURL == "" {
		cfg.Client.APIURL = "http://" + base
	}
	if cfg.Client.PageSize == 0 {
		cfg.Client.PageSize = 50
	}
	if cfg.Client.HiddenThreshold == 0 {
		cfg.Client.HiddenThreshold = Duration(3 * time.Second)
	}
	if cfg.Client.StaleThreshold == 0 {
		cfg.Client.StaleThreshold = Duration(30 * time.Second)
	}
	if cfg.Client.RequestTimeout == 0 {
		cfg.Client.RequestTimeout = Duration(10 * time.Second)
	}
	if cfg.Client.JournalDir == "" {
		cfg.Client.JournalDir = filepath.Join(TasklinkPath(), "journal")
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}
