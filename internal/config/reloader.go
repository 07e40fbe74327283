package config

import (
	"fmt"
	"log/slog"
	"sync"
)

// Reloader re-reads .env and the config file of a running backend. Only the
// log level is applied live; any other change is reported as needing a
// restart.
type Reloader struct {
	configPath string
	dotenvPath string
	level      *slog.LevelVar

	mu      sync.Mutex
	current *Config
}

// NewReloader creates a Reloader. initial is the configuration as read from
// the file, before command-line overrides. level may be nil when the level is
// pinned, e.g. by --debug.
func NewReloader(configPath, dotenvPath string, initial *Config, level *slog.LevelVar) *Reloader {
	return &Reloader{
		configPath: configPath,
		dotenvPath: dotenvPath,
		level:      level,
		current:    initial,
	}
}

// Current returns the configuration in effect.
func (r *Reloader) Current() *Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Reload re-reads .env (override mode) and the config file, applies the log
// level and returns the keys whose new value only takes effect after a
// restart. The configuration in effect keeps their old values.
func (r *Reloader) Reload() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ReloadDotenv(r.dotenvPath); err != nil {
		return nil, fmt.Errorf("reload dotenv: %w", err)
	}
	cfg, err := LoadOrDefault(r.configPath)
	if err != nil {
		return nil, fmt.Errorf("reload config: %w", err)
	}

	pending := restartKeys(r.current, cfg)
	next := *r.current
	next.Log = cfg.Log
	r.current = &next

	if r.level != nil {
		r.level.Set(ParseLevel(cfg.Log.Level))
	}
	slog.Info("config reloaded", "log_level", cfg.Log.Level)
	if len(pending) > 0 {
		slog.Warn("config changes need a restart", "keys", pending)
	}
	return pending, nil
}

func restartKeys(old, cur *Config) []string {
	var keys []string
	diff := func(key string, changed bool) {
		if changed {
			keys = append(keys, key)
		}
	}
	diff("server.host", old.Server.Host != cur.Server.Host)
	diff("server.port", old.Server.Port != cur.Server.Port)
	diff("server.db_path", old.Server.DBPath != cur.Server.DBPath)
	diff("server.seed_file", old.Server.SeedFile != cur.Server.SeedFile)
	diff("server.chunk_delay", old.Server.ChunkDelay != cur.Server.ChunkDelay)
	return keys
}
