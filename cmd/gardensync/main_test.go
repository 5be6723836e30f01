package main

import (
	"path/filepath"
	"testing"

	"github.com/mschirtzinger/gardensync/internal/config"
)

func TestCommandsRegistered(t *testing.T) {
	want := map[string]string{
		"relay":   "maint",
		"join":    "sync",
		"send":    "sync",
		"history": "maint",
		"config":  "maint",
		"gardens": "gardens",
		"garden":  "gardens",
	}
	for name, group := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("Command %s not registered: %v", name, err)
			continue
		}
		if cmd.GroupID != group {
			t.Errorf("Command %s in group %q, want %q", name, cmd.GroupID, group)
		}
	}
}

func TestConfigSetPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	rootCmd.SetArgs([]string{"config", "set", "relay_url", "wss://relay.example/ws", "--config", path})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("config set failed: %v", err)
	}

	store, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if got, _ := store.Get("relay_url"); got != "wss://relay.example/ws" {
		t.Errorf("relay_url = %q after config set", got)
	}
}
