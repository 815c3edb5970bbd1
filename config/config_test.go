package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultsWhenNoFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 8080 || cfg.WSPath != "/ws/node" || cfg.FeeBps != 500 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestFileThenEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gridmesh.toml")
	contents := "Port = 9000\nWSPath = \"/channel\"\nAdminKey = \"file-key\"\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("PORT", "9100")
	t.Setenv("ADMIN_KEY", "env-key")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9100 {
		t.Fatalf("env must beat file: port %d", cfg.Port)
	}
	if cfg.WSPath != "/channel" {
		t.Fatalf("file value lost: %s", cfg.WSPath)
	}
	if cfg.AdminKey != "env-key" {
		t.Fatalf("admin key = %s, want env-key", cfg.AdminKey)
	}
	if cfg.ListenAddress() != ":9100" {
		t.Fatalf("listen address = %s", cfg.ListenAddress())
	}
}

func TestValidation(t *testing.T) {
	t.Setenv("PORT", "70000")
	if _, err := Load(""); err == nil {
		t.Fatal("out-of-range port must fail")
	}
	t.Setenv("PORT", "8080")
	t.Setenv("GRIDMESH_FEE_BPS", "20000")
	if _, err := Load(""); err == nil {
		t.Fatal("fee above 100% must fail")
	}
}
