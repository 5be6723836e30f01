package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/natefinch/lumberjack.v2"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	s, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load() with missing file failed: %v", err)
	}
	cfg, err := s.Config()
	if err != nil {
		t.Fatalf("Config() failed: %v", err)
	}
	if cfg.RelayURL == "" || cfg.GardensDir == "" || cfg.HistoryDB == "" {
		t.Errorf("Expected defaults, got %+v", cfg)
	}
	if cfg.Log.MaxSizeMB != 10 || cfg.Log.MaxBackups != 3 || cfg.Log.MaxAgeDays != 28 {
		t.Errorf("Unexpected log defaults %+v", cfg.Log)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
relay_url = "ws://relay.example:9000/ws"
session = "family"

[log]
file = "/tmp/gardensync.log"
max_backups = 7
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GARDENSYNC_SESSION", "work")
	t.Setenv("GARDENSYNC_LOG_MAX_AGE_DAYS", "3")

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	cfg, err := s.Config()
	if err != nil {
		t.Fatalf("Config() failed: %v", err)
	}
	if cfg.RelayURL != "ws://relay.example:9000/ws" {
		t.Errorf("RelayURL = %q", cfg.RelayURL)
	}
	if cfg.Session != "work" {
		t.Errorf("Environment should override the file, got session %q", cfg.Session)
	}
	if cfg.Log.File != "/tmp/gardensync.log" || cfg.Log.MaxBackups != 7 || cfg.Log.MaxAgeDays != 3 {
		t.Errorf("Unexpected log config %+v", cfg.Log)
	}
}

func TestSetSaveReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if err := s.Set("relay_url", "wss://relay.example/ws"); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if err := s.Set("log.max_size_mb", "50"); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if err := s.Save(); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() after save failed: %v", err)
	}
	if got, _ := reloaded.Get("relay_url"); got != "wss://relay.example/ws" {
		t.Errorf("relay_url = %q after reload", got)
	}
	cfg, err := reloaded.Config()
	if err != nil {
		t.Fatalf("Config() failed: %v", err)
	}
	if cfg.Log.MaxSizeMB != 50 {
		t.Errorf("log.max_size_mb = %d after reload", cfg.Log.MaxSizeMB)
	}
}

func TestUnknownKey(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "config.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set("relay", "x"); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("Set() expected ErrUnknownKey, got %v", err)
	}
	if _, err := s.Get("nope"); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("Get() expected ErrUnknownKey, got %v", err)
	}
}

func TestLogWriter(t *testing.T) {
	if w := (LogConfig{}).LogWriter(); w != os.Stderr {
		t.Error("Empty log file should write to stderr")
	}

	file := filepath.Join(t.TempDir(), "sync.log")
	w := LogConfig{File: file, MaxSizeMB: 5, MaxBackups: 2}.LogWriter()
	lj, ok := w.(*lumberjack.Logger)
	if !ok {
		t.Fatalf("Expected a rotating writer, got %T", w)
	}
	defer lj.Close()

	logger := NewLogger(w, "node")
	logger.Printf("hello")
	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("Log file not written: %v", err)
	}
	if !strings.HasPrefix(string(data), "[node] ") || !strings.Contains(string(data), "hello") {
		t.Errorf("Unexpected log line %q", data)
	}
}
