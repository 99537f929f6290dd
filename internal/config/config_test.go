package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFileMissingUsesDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Container.Runtime != "docker" || cfg.Server.ModelAddr != "127.0.0.1:50051" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	p, err := cfg.Params()
	if err != nil {
		t.Fatal(err)
	}
	if v := p.FloatOr("smooth_std", 0); v != 3.33 {
		t.Fatalf("smooth_std = %v", v)
	}
	if v := p.IntOr("uid", 0); v != defaultUID {
		t.Fatalf("uid = %v", v)
	}
	if d, _ := p.Lookup("color_space"); len(d.ValidValues) == 0 || d.Description == "" {
		t.Fatalf("color_space lost its metadata: %+v", d)
	}
}

func TestLoadFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{
  "container": {"runtime": "podman", "gpu": true},
  "paths": {"models_dir": "~/models"},
  "parameters": {"smooth_size": {"default": 15, "description": "bigger"}}
}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Container.Runtime != "podman" || !cfg.Container.GPU {
		t.Fatalf("container section not applied: %+v", cfg.Container)
	}
	if cfg.Container.ShmSize != "1g" {
		t.Fatalf("unset keys must keep defaults, got %q", cfg.Container.ShmSize)
	}
	home, _ := os.UserHomeDir()
	if cfg.Paths.ModelsDir != filepath.Join(home, "models") {
		t.Fatalf("models_dir not expanded: %q", cfg.Paths.ModelsDir)
	}
	p, err := cfg.Params()
	if err != nil {
		t.Fatal(err)
	}
	if v := p.IntOr("smooth_size", 0); v != 15 {
		t.Fatalf("smooth_size = %v", v)
	}
}

func TestLoadFileRejectsBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestPathFromEnv(t *testing.T) {
	t.Setenv("SALHARNESS_CONFIG", "/etc/salharness.json")
	if got := Path(); got != "/etc/salharness.json" {
		t.Fatalf("Path() = %q", got)
	}
	t.Setenv("SALHARNESS_CONFIG", "")
	if got := Path(); got != defaultConfigPath {
		t.Fatalf("Path() = %q", got)
	}
}
