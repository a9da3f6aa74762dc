package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig_MissingFile(t *testing.T) {
	tmpDir := t.TempDir()

	cfg, err := LoadConfig(tmpDir)
	if err != nil {
		t.Fatalf("expected no error for missing file, got: %v", err)
	}
	if cfg.MaxActiveUsers != defaultConfig().MaxActiveUsers {
		t.Errorf("expected default MaxActiveUsers, got %d", cfg.MaxActiveUsers)
	}
}

func TestLoadConfig_OverlayOntoDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	os.WriteFile(filepath.Join(tmpDir, "config.json"), []byte(`{"maxActiveUsers": 42}`), 0644)

	cfg, err := LoadConfig(tmpDir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MaxActiveUsers != 42 {
		t.Errorf("expected overlay MaxActiveUsers=42, got %d", cfg.MaxActiveUsers)
	}
	if cfg.MaxCpuLoad != defaultConfig().MaxCpuLoad {
		t.Errorf("expected untouched field to keep default, got %v", cfg.MaxCpuLoad)
	}
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	tmpDir := t.TempDir()
	os.WriteFile(filepath.Join(tmpDir, "config.json"), []byte("not json"), 0644)

	_, err := LoadConfig(tmpDir)
	if err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestParseBindPorts(t *testing.T) {
	tmpDir := t.TempDir()
	confPath := filepath.Join(tmpDir, "logind.conf")
	contents := `# logind bind-ports config
logind 23
logind 2323
logind tunnel /tmp/logind.tunnel
logind client /usr/local/bin/bbsd -s
logind client_retry /usr/local/bin/bbsd -r
`
	os.WriteFile(confPath, []byte(contents), 0644)

	bp, err := ParseBindPorts(confPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bp.Ports) != 2 || bp.Ports[0] != 23 || bp.Ports[1] != 2323 {
		t.Errorf("unexpected ports: %v", bp.Ports)
	}
	if bp.TunnelPath != "/tmp/logind.tunnel" {
		t.Errorf("unexpected tunnel path: %q", bp.TunnelPath)
	}
	if bp.ClientCmd != "/usr/local/bin/bbsd -s" {
		t.Errorf("unexpected client cmd: %q", bp.ClientCmd)
	}
	if bp.ClientRetryCmd != "/usr/local/bin/bbsd -r" {
		t.Errorf("unexpected client_retry cmd: %q", bp.ClientRetryCmd)
	}
}

func TestParseBindPorts_MissingFile(t *testing.T) {
	_, err := ParseBindPorts("/nonexistent/logind.conf")
	if err == nil {
		t.Error("expected error for missing bind-ports file")
	}
}

func TestParseBindPorts_DuplicateDirectivesFirstWins(t *testing.T) {
	tmpDir := t.TempDir()
	confPath := filepath.Join(tmpDir, "logind.conf")
	contents := `logind tunnel /tmp/first.tunnel
logind tunnel /tmp/second.tunnel
logind client /usr/local/bin/first
logind client /usr/local/bin/second
`
	os.WriteFile(confPath, []byte(contents), 0644)

	bp, err := ParseBindPorts(confPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bp.TunnelPath != "/tmp/first.tunnel" {
		t.Errorf("expected first 'tunnel' directive to win, got %q", bp.TunnelPath)
	}
	if bp.ClientCmd != "/usr/local/bin/first" {
		t.Errorf("expected first 'client' directive to win, got %q", bp.ClientCmd)
	}
}
