package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultProfile = "work"
	cfg.Connection.HeartbeatInterval = Duration(15 * time.Second)
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
	if loaded.Connection.HeartbeatInterval.Std() != 15*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 15s", loaded.Connection.HeartbeatInterval.Std())
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadOrDefaultMissing(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Connection.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", cfg.Connection.MaxAttempts)
	}
}

func TestPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := "[sync]\ndebounce = \"1s\"\ntombstone_max_survivals = 7\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Sync.Debounce.Std() != time.Second {
		t.Errorf("Debounce = %v, want 1s", cfg.Sync.Debounce.Std())
	}
	if cfg.Sync.TombstoneMaxSurvivals != 7 {
		t.Errorf("TombstoneMaxSurvivals = %d, want 7", cfg.Sync.TombstoneMaxSurvivals)
	}
	if cfg.Sync.Interval.Std() != 5*time.Minute {
		t.Errorf("Interval = %v, want default 5m", cfg.Sync.Interval.Std())
	}
}

func TestInvalidDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[outbox]\npoll_interval = \"soon\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() should reject an unparsable duration")
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
