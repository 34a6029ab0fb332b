package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadSettings_Defaults(t *testing.T) {
	dir := t.TempDir()
	v := NewViper()
	v.Set("data_dir", dir)

	s, err := LoadSettings(v, "")
	if err != nil {
		t.Fatalf("LoadSettings() error = %v", err)
	}

	if s.Engine.MaxWorkers != 20 || s.Engine.ParallelLimit != 10 || s.Engine.TimeoutSeconds != 300 {
		t.Errorf("unexpected engine defaults: %+v", s.Engine)
	}
	if s.Engine.PartialSuccess || s.Engine.Retry || s.Engine.RunDeadline {
		t.Errorf("opt-in behaviours enabled by default: %+v", s.Engine)
	}
	if !s.SSH.StrictHostKeyChecking || s.SSH.ConnectTimeout != 30*time.Second {
		t.Errorf("unexpected ssh defaults: %+v", s.SSH)
	}
	if s.DatabasePath() != filepath.Join(dir, "deployctl.db") {
		t.Errorf("DatabasePath() = %q", s.DatabasePath())
	}
	if s.TemplatesPath() != filepath.Join(dir, "templates") {
		t.Errorf("TemplatesPath() = %q", s.TemplatesPath())
	}
	if s.Tracing.Exporter != "none" || s.Metrics.Addr != "" {
		t.Errorf("unexpected telemetry defaults: %+v %+v", s.Tracing, s.Metrics)
	}
}

func TestLoadSettings_EnvOverride(t *testing.T) {
	t.Setenv("DEPLOYCTL_ENGINE_MAX_WORKERS", "4")
	t.Setenv("DEPLOYCTL_SSH_REMOTE_TEMP_DIR", "/var/tmp")

	v := NewViper()
	v.Set("data_dir", t.TempDir())

	s, err := LoadSettings(v, "")
	if err != nil {
		t.Fatalf("LoadSettings() error = %v", err)
	}
	if s.Engine.MaxWorkers != 4 {
		t.Errorf("MaxWorkers = %d, want 4", s.Engine.MaxWorkers)
	}
	if s.SSH.RemoteTempDir != "/var/tmp" {
		t.Errorf("RemoteTempDir = %q", s.SSH.RemoteTempDir)
	}
}

func TestLoadSettings_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	content := `
database: ":memory:"
engine:
  parallel_limit: 3
  partial_success: true
log:
  level: debug
  format: json
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Run("found in data dir", func(t *testing.T) {
		v := NewViper()
		v.Set("data_dir", dir)
		s, err := LoadSettings(v, "")
		if err != nil {
			t.Fatalf("LoadSettings() error = %v", err)
		}
		if s.Engine.ParallelLimit != 3 || !s.Engine.PartialSuccess {
			t.Errorf("config file not applied: %+v", s.Engine)
		}
		if s.DatabasePath() != ":memory:" {
			t.Errorf("DatabasePath() = %q, want :memory:", s.DatabasePath())
		}
		if s.Log.Level != "debug" || s.Log.Format != "json" {
			t.Errorf("unexpected log settings: %+v", s.Log)
		}
	})

	t.Run("explicit path", func(t *testing.T) {
		v := NewViper()
		v.Set("data_dir", t.TempDir())
		s, err := LoadSettings(v, filepath.Join(dir, "config.yaml"))
		if err != nil {
			t.Fatalf("LoadSettings() error = %v", err)
		}
		if s.Engine.ParallelLimit != 3 {
			t.Errorf("ParallelLimit = %d, want 3", s.Engine.ParallelLimit)
		}
	})

	t.Run("explicit path missing", func(t *testing.T) {
		v := NewViper()
		if _, err := LoadSettings(v, filepath.Join(dir, "nope.yaml")); err == nil {
			t.Error("expected error for a missing config file")
		}
	})
}

func TestLoadSettings_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   interface{}
		wantErr string
	}{
		{"zero workers", "engine.max_workers", 0, "MaxWorkers"},
		{"bad log level", "log.level", "loud", "Level"},
		{"bad exporter", "tracing.exporter", "zipkin", "Exporter"},
		{"otlp without endpoint", "tracing.exporter", "otlp", "Endpoint"},
		{"empty remote temp dir", "ssh.remote_temp_dir", "", "RemoteTempDir"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewViper()
			v.Set("data_dir", t.TempDir())
			v.Set(tt.key, tt.value)

			_, err := LoadSettings(v, "")
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error mentioning %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestSettings_Resolve(t *testing.T) {
	s := &Settings{DataDir: "/srv/deployctl", Database: "/var/lib/d.db", TemplatesDir: "tpl"}

	if got := s.DatabasePath(); got != "/var/lib/d.db" {
		t.Errorf("absolute database path rewritten: %q", got)
	}
	if got := s.TemplatesPath(); got != "/srv/deployctl/tpl" {
		t.Errorf("TemplatesPath() = %q", got)
	}
	if got := s.PoliciesPath(); got != "" {
		t.Errorf("PoliciesPath() = %q, want empty", got)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandHome("~/x"); got != filepath.Join(home, "x") {
		t.Errorf("expandHome() = %q", got)
	}
}
