package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("expected missing config file to fall back to defaults, got error: %v", err)
	}
	if cfg.Bus.NumWorkers != 1 {
		t.Fatalf("expected default bus worker count 1, got %d", cfg.Bus.NumWorkers)
	}
	if cfg.Hub.Port != 8765 {
		t.Fatalf("expected default hub port 8765, got %d", cfg.Hub.Port)
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tradecore.yaml")
	yaml := "engine_id: CTA2\nhub:\n  port: 9999\nbacktest:\n  initial_cash: 500000\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.EngineID != "CTA2" {
		t.Fatalf("expected engine_id override CTA2, got %s", cfg.EngineID)
	}
	if cfg.Hub.Port != 9999 {
		t.Fatalf("expected hub.port override 9999, got %d", cfg.Hub.Port)
	}
	if cfg.Backtest.InitialCash != 500000 {
		t.Fatalf("expected backtest.initial_cash override 500000, got %v", cfg.Backtest.InitialCash)
	}
	// non-overridden fields retain their defaults
	if cfg.Bus.NumWorkers != 1 {
		t.Fatalf("expected bus.num_workers to keep its default of 1, got %d", cfg.Bus.NumWorkers)
	}
}
