package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestIncludesMerge(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "gateway.yaml", `
gateway:
  url: "wss://included.example.com/ws"
  client_id: "included-id"
`)
	main := writeConfig(t, dir, "config.yaml", `
includes:
  - gateway.yaml
logger:
  level: "debug"
`)

	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.URL != "wss://included.example.com/ws" {
		t.Errorf("URL = %q", cfg.Gateway.URL)
	}
	if cfg.Logger.Level != "debug" {
		t.Errorf("Level = %q", cfg.Logger.Level)
	}
}

func TestIncludesMainFileWins(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "base.yaml", `
gateway:
  url: "wss://base.example.com/ws"
server:
  addr: ":7070"
`)
	main := writeConfig(t, dir, "config.yaml", `
includes:
  - base.yaml
gateway:
  url: "wss://main.example.com/ws"
`)

	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.URL != "wss://main.example.com/ws" {
		t.Errorf("main file should win: URL = %q", cfg.Gateway.URL)
	}
	if cfg.Server.Addr != ":7070" {
		t.Errorf("include-only value lost: Addr = %q", cfg.Server.Addr)
	}
}

func TestIncludesGlob(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "conf.d")
	if err := os.Mkdir(sub, 0700); err != nil {
		t.Fatal(err)
	}
	writeConfig(t, sub, "10-gateway.yaml", "gateway:\n  client_id: \"glob-id\"\n")
	writeConfig(t, sub, "20-server.yaml", "server:\n  addr: \":6060\"\n")
	main := writeConfig(t, dir, "config.yaml", `
includes:
  - conf.d/*.yaml
`)

	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.ClientID != "glob-id" {
		t.Errorf("ClientID = %q", cfg.Gateway.ClientID)
	}
	if cfg.Server.Addr != ":6060" {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
}

func TestIncludesCycleDetected(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "a.yaml", "includes:\n  - b.yaml\n")
	writeConfig(t, dir, "b.yaml", "includes:\n  - a.yaml\n")
	main := writeConfig(t, dir, "config.yaml", "includes:\n  - a.yaml\n")

	_, err := Load(main)
	if err == nil || !strings.Contains(err.Error(), "circular") {
		t.Errorf("expected cycle error, got %v", err)
	}
}

func TestIncludesEscapeRejected(t *testing.T) {
	dir := t.TempDir()
	main := writeConfig(t, dir, "config.yaml", "includes:\n  - ../outside.yaml\n")

	_, err := Load(main)
	if err == nil || !strings.Contains(err.Error(), "escapes") {
		t.Errorf("expected escape error, got %v", err)
	}
}

func TestIncludesMissingLiteralFails(t *testing.T) {
	dir := t.TempDir()
	main := writeConfig(t, dir, "config.yaml", "includes:\n  - missing.yaml\n")

	_, err := Load(main)
	if err == nil {
		t.Error("missing literal include should fail")
	}
}

func TestIncludesEmptyGlobIgnored(t *testing.T) {
	dir := t.TempDir()
	main := writeConfig(t, dir, "config.yaml", "includes:\n  - conf.d/*.yaml\n")

	if _, err := Load(main); err != nil {
		t.Errorf("empty glob should be ignored: %v", err)
	}
}
