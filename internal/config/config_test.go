package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DBBackend != DatabaseSQLite {
		t.Fatalf("unexpected default backend: %q", cfg.DBBackend)
	}
	if cfg.HTTPPort != 8642 {
		t.Fatalf("unexpected default port: %d", cfg.HTTPPort)
	}
}

func TestLoadReadsEnvKeys(t *testing.T) {
	t.Setenv("TONEARM_DB_BACKEND", "postgres")
	t.Setenv("TONEARM_DB_DSN", "host=localhost user=test dbname=test sslmode=disable")
	t.Setenv("TONEARM_SCRIPT_PATH", "/opt/sources/source.js")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DBBackend != DatabasePostgres {
		t.Fatalf("unexpected backend: %q", cfg.DBBackend)
	}
	if cfg.ScriptPath != "/opt/sources/source.js" {
		t.Fatalf("unexpected script path: %q", cfg.ScriptPath)
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("TONEARM_DB_BACKEND", "oracle")

	if _, err := Load(); err == nil {
		t.Fatal("expected load to fail for unknown backend")
	}
}

func TestLoadSettingsMissingFileFallsBackToDefaults(t *testing.T) {
	settings, err := LoadSettings(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load settings: %v", err)
	}
	if settings.MusicQuality != "exhigh" {
		t.Fatalf("unexpected default quality: %q", settings.MusicQuality)
	}
	if !settings.ProbeEnabled {
		t.Fatal("expected probe enabled by default")
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	in := &Settings{
		MusicQuality:          "lossless",
		EnabledSources:        []string{"wy", "kw"},
		CustomAPIURL:          "https://api.example.com/url",
		ProbeEnabled:          true,
		ProbeToleranceSeconds: 3,
		PreloadCount:          1,
	}
	if err := SaveSettings(path, in); err != nil {
		t.Fatalf("save settings: %v", err)
	}
	out, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("load settings: %v", err)
	}
	if out.MusicQuality != "lossless" {
		t.Fatalf("unexpected quality: %q", out.MusicQuality)
	}
	if !out.SourceEnabled("wy") || out.SourceEnabled("tx") {
		t.Fatal("enabled source filter not applied")
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("settings file missing: %v", err)
	}
}

func TestSourceEnabledEmptyListAllowsAll(t *testing.T) {
	t.Parallel()

	settings := DefaultSettings()
	if !settings.SourceEnabled("kg") {
		t.Fatal("expected all sources enabled when list empty")
	}
}
