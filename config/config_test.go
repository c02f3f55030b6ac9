package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")

	cfg := Default()
	cfg.Data = "blobs"
	cfg.RegType = "fea_map"
	cfg.Alpha = 0.5
	cfg.TapPoints = []string{"0.0.1", "0.0.2"}
	seed := int64(42)
	cfg.Seed = &seed

	if err := cfg.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Data != "blobs" || got.RegType != "fea_map" || got.Alpha != 0.5 {
		t.Errorf("round trip lost values: %+v", got)
	}
	if len(got.TapPoints) != 2 || got.TapPoints[1] != "0.0.2" {
		t.Errorf("tap points lost: %v", got.TapPoints)
	}
	if got.Seed == nil || *got.Seed != 42 {
		t.Errorf("seed lost: %v", got.Seed)
	}
}

func TestLoadFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.yaml")
	if err := os.WriteFile(path, []byte("data: blobs\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Data != "blobs" {
		t.Errorf("expected blobs, got %q", cfg.Data)
	}
	if cfg.RegType != "l2_sp" || cfg.Epochs != 20 {
		t.Errorf("defaults not preserved for unset fields: %+v", cfg)
	}
}

func TestLoadOrDefault(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load or default: %v", err)
	}
	if cfg.RegType != "l2_sp" {
		t.Errorf("expected defaults, got %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Run)
	}{
		{"bad phase", func(c *Run) { c.Phase = "deploy" }},
		{"bad reg type", func(c *Run) { c.RegType = "l3" }},
		{"zero batch", func(c *Run) { c.BatchSize = 0 }},
		{"zero epochs", func(c *Run) { c.Epochs = 0 }},
		{"zero iters", func(c *Run) { c.ItersPerEpoch = 0 }},
		{"sample rate too high", func(c *Run) { c.SampleRate = 1.5 }},
		{"negative alpha", func(c *Run) { c.Alpha = -1 }},
		{"zero lr", func(c *Run) { c.LR = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
