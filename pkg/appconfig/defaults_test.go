package appconfig

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	yaml "sigs.k8s.io/yaml"
)

// TestConfigDefaultsYAMLMatchesCode reads config-default.yaml from the repo root
// and compares it with the in-code defaults returned by Default().
func TestConfigDefaultsYAMLMatchesCode(t *testing.T) {
	path := filepath.Join("..", "..", "config-default.yaml")
	if _, err := os.Stat(path); err != nil {
		t.Skip("config-default.yaml not found; skipping defaults sync test")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read defaults yaml: %v", err)
	}
	fromYAML := &Config{}
	if err := yaml.UnmarshalStrict(data, fromYAML); err != nil {
		t.Fatalf("unmarshal defaults yaml: %v", err)
	}
	if fromCode := Default(); !reflect.DeepEqual(fromYAML, fromCode) {
		t.Fatalf("defaults mismatch:\nyaml=%+v\ncode=%+v", fromYAML, fromCode)
	}
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestLoadPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "kubernetes:\n  impersonate:\n    user: jane\n    groups: [devs]\nwatch:\n  allowBookmarks: false\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Kubernetes.Impersonate.User != "jane" || !reflect.DeepEqual(cfg.Kubernetes.Impersonate.Groups, []string{"devs"}) {
		t.Errorf("unexpected impersonation %+v", cfg.Kubernetes.Impersonate)
	}
	if cfg.Watch.AllowBookmarks {
		t.Error("expected bookmarks disabled")
	}
	if cfg.Discovery.Timeout.Duration != 30*time.Second || cfg.Kubernetes.Clusters.TTL.Duration != 2*time.Minute {
		t.Errorf("absent keys must keep defaults, got %+v", cfg)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("viewer:\n  theme: dracula\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown keys")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Log.Verbosity = 3
	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if loaded.Log.Verbosity != 3 {
		t.Fatalf("expected verbosity 3, got %d", loaded.Log.Verbosity)
	}
}
