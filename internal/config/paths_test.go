package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestTasklinkPath_Default(t *testing.T) {
	t.Setenv("TASKLINK_PATH", "")

	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatal(err)
	}

	got := TasklinkPath()
	want := filepath.Join(home, ".tasklink")
	if got != want {
		t.Errorf("TasklinkPath() = %q, want %q", got, want)
	}
}

func TestTasklinkPath_EnvOverride(t *testing.T) {
	t.Setenv("TASKLINK_PATH", "/tmp/custom-tasklink")

	got := TasklinkPath()
	want := "/tmp/custom-tasklink"
	if got != want {
		t.Errorf("TasklinkPath() = %q, want %q", got, want)
	}
}

func TestConfigPath(t *testing.T) {
	t.Setenv("TASKLINK_PATH", "/tmp/test-tasklink")

	got := ConfigPath()
	want := "/tmp/test-tasklink/config.jsonc"
	if got != want {
		t.Errorf("ConfigPath() = %q, want %q", got, want)
	}
}

func TestDotenvPath(t *testing.T) {
	t.Setenv("TASKLINK_PATH", "/tmp/test-tasklink")

	got := DotenvPath()
	want := "/tmp/test-tasklink/.env"
	if got != want {
		t.Errorf("DotenvPath() = %q, want %q", got, want)
	}
}

func TestHeartbeatPath(t *testing.T) {
	t.Setenv("TASKLINK_PATH", "/tmp/test-tasklink")

	if got := HeartbeatPath(); got != "/tmp/test-tasklink/run/heartbeat.json" {
		t.Errorf("HeartbeatPath() = %q", got)
	}
}
