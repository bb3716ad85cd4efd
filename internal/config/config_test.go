package config

import (
	"path/filepath"
	"testing"
)

func TestLoadConfigCreatesDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.P2P.ListenPort != 9420 {
		t.Errorf("ListenPort = %d, want 9420", cfg.P2P.ListenPort)
	}
	if cfg.ControlPlane.Port != 8420 {
		t.Errorf("ControlPlane.Port = %d, want 8420", cfg.ControlPlane.Port)
	}

	if _, err := filepath.Abs(ConfigPath(dir)); err != nil {
		t.Errorf("ConfigPath: %v", err)
	}
}

func TestLoadConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	cfg.P2P.ListenPort = 12345
	cfg.Network = NetworkTestnet
	if err := cfg.Save(ConfigPath(dir)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("reloading config: %v", err)
	}
	if reloaded.P2P.ListenPort != 12345 {
		t.Errorf("ListenPort after reload = %d, want 12345", reloaded.P2P.ListenPort)
	}
	if reloaded.Network != NetworkTestnet {
		t.Errorf("Network after reload = %q, want %q", reloaded.Network, NetworkTestnet)
	}
}

func TestLoadConfigIsIdempotentAcrossCalls(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("first LoadConfig: %v", err)
	}
	first.Logging.Level = "debug"
	if err := first.Save(ConfigPath(dir)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	second, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("second LoadConfig: %v", err)
	}
	if second.Logging.Level != "debug" {
		t.Errorf("second load lost change: Logging.Level = %q", second.Logging.Level)
	}
}
