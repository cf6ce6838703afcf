package main

import (
	"os"
	"path/filepath"
	"testing"

	"foreman/pkg/protocol"
)

func TestResolvePaths_Defaults(t *testing.T) {
	// Clear all env overrides.
	t.Setenv("FOREMAN_HOME", "")
	t.Setenv("FOREMAN_SESSIONS_DIR", "")
	t.Setenv("FOREMAN_STORE_DIR", "")
	t.Setenv("FOREMAN_DB_PATH", "")
	t.Setenv("FOREMAN_CONFIG", "")

	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("get home dir: %v", err)
	}

	paths, err := ResolvePaths()
	if err != nil {
		t.Fatalf("ResolvePaths() error: %v", err)
	}

	expectedBase := filepath.Join(home, protocol.HomeDir)

	if paths.Home != expectedBase {
		t.Errorf("Home = %q, want %q", paths.Home, expectedBase)
	}
	if paths.SessionsDir != filepath.Join(expectedBase, protocol.SessionsDir) {
		t.Errorf("SessionsDir = %q", paths.SessionsDir)
	}
	if paths.StoreDir != filepath.Join(expectedBase, "store") {
		t.Errorf("StoreDir = %q", paths.StoreDir)
	}
	if paths.EventDBPath != filepath.Join(expectedBase, "events.db") {
		t.Errorf("EventDBPath = %q", paths.EventDBPath)
	}
	if paths.ConfigPath != filepath.Join(expectedBase, "config.toml") {
		t.Errorf("ConfigPath = %q", paths.ConfigPath)
	}
}

func TestResolvePaths_HomeOverride(t *testing.T) {
	t.Setenv("FOREMAN_HOME", "/custom/foreman")
	t.Setenv("FOREMAN_SESSIONS_DIR", "")
	t.Setenv("FOREMAN_STORE_DIR", "")
	t.Setenv("FOREMAN_DB_PATH", "")
	t.Setenv("FOREMAN_CONFIG", "")

	paths, err := ResolvePaths()
	if err != nil {
		t.Fatalf("ResolvePaths() error: %v", err)
	}
	if paths.Home != "/custom/foreman" {
		t.Errorf("Home = %q", paths.Home)
	}
	if paths.SessionsDir != filepath.Join("/custom/foreman", protocol.SessionsDir) {
		t.Errorf("SessionsDir should follow FOREMAN_HOME, got %q", paths.SessionsDir)
	}
}

func TestResolvePaths_SpecificOverridesWin(t *testing.T) {
	t.Setenv("FOREMAN_HOME", "/custom/foreman")
	t.Setenv("FOREMAN_SESSIONS_DIR", "/elsewhere/sessions")
	t.Setenv("FOREMAN_DB_PATH", "/elsewhere/events.db")

	paths, err := ResolvePaths()
	if err != nil {
		t.Fatalf("ResolvePaths() error: %v", err)
	}
	if paths.SessionsDir != "/elsewhere/sessions" {
		t.Errorf("SessionsDir = %q", paths.SessionsDir)
	}
	if paths.EventDBPath != "/elsewhere/events.db" {
		t.Errorf("EventDBPath = %q", paths.EventDBPath)
	}
	if paths.StoreDir != filepath.Join("/custom/foreman", "store") {
		t.Errorf("StoreDir should still follow FOREMAN_HOME, got %q", paths.StoreDir)
	}
}
