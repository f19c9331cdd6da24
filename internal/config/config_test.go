package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"conveyor/internal/config"
)

func TestDefaultPassesValidation(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, _, exists, err := config.Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if exists {
		t.Fatal("expected exists=false for missing file")
	}
	if cfg.Workers.Count != 2 {
		t.Fatalf("expected default worker count, got %d", cfg.Workers.Count)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Fatalf("expected default max attempts, got %d", cfg.Retry.MaxAttempts)
	}
}

func TestLoadParsesAndNormalizes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[paths]
data_dir = "` + filepath.Join(dir, "data") + `"
staging_dir = "` + filepath.Join(dir, "staging") + `"
log_dir = "` + filepath.Join(dir, "logs") + `"

[[locations]]
id = "nas"
root = "` + dir + `"
scan = true

[discovery]
extensions = ["MKV", "mp4"]

[workers]
count = 4
lease_seconds = 60
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !exists || resolved != path {
		t.Fatalf("unexpected resolution: exists=%v path=%s", exists, resolved)
	}
	if cfg.Workers.Count != 4 {
		t.Fatalf("expected 4 workers, got %d", cfg.Workers.Count)
	}
	for _, ext := range cfg.Discovery.Extensions {
		if ext != strings.ToLower(ext) || !strings.HasPrefix(ext, ".") {
			t.Fatalf("extension not normalized: %q", ext)
		}
	}
	if _, ok := cfg.LocationByID("nas"); !ok {
		t.Fatal("expected location nas to be present")
	}
}

func TestValidateRejectsDuplicateLocationIDs(t *testing.T) {
	cfg := config.Default()
	cfg.Locations = []config.Location{
		{ID: "a", Root: "/tmp/a"},
		{ID: "a", Root: "/tmp/b"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected duplicate location id error")
	}
}

func TestValidateRejectsShortLease(t *testing.T) {
	cfg := config.Default()
	cfg.Workers.LeaseSeconds = 5
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected lease validation error")
	}
}
