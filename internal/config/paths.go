package config

import (
	"os"
	"path/filepath"
)

// TasklinkPath returns the root directory for tasklink data.
// It uses $TASKLINK_PATH if set, otherwise defaults to ~/.tasklink.
func TasklinkPath() string {
	if v := os.Getenv("TASKLINK_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".tasklink")
	}
	return filepath.Join(home, ".tasklink")
}

// ConfigPath returns the path to the tasklink config file.
func ConfigPath() string {
	return filepath.Join(TasklinkPath(), "config.jsonc")
}

// DotenvPath returns the path to the tasklink .env file.
func DotenvPath() string {
	return filepath.Join(TasklinkPath(), ".env")
}

// HeartbeatPath returns the path of the backend heartbeat file.
func HeartbeatPath() string {
	return filepath.Join(TasklinkPath(), "run", "heartbeat.json")
}
