package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Worker.MaxAttempts != 3 || cfg.Worker.PollInterval != time.Second {
		t.Fatalf("defaults not applied: %+v", cfg.Worker)
	}
	if cfg.Revision.DefaultTolerancePercent != 5 {
		t.Fatalf("tolerance default = %v", cfg.Revision.DefaultTolerancePercent)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manuscript.yaml")
	writeFile(t, path, `
db_path: /tmp/books.db
worker:
  concurrency: 4
  backoff_max: 90s
llm:
  model: local-model
  api_key: ${MANUSCRIPT_TEST_KEY}
`)
	t.Setenv("MANUSCRIPT_TEST_KEY", "sk-test")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DBPath != "/tmp/books.db" || cfg.Worker.Concurrency != 4 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Worker.BackoffMax != 90*time.Second {
		t.Fatalf("backoff_max = %v, want 90s", cfg.Worker.BackoffMax)
	}
	if cfg.Worker.MaxAttempts != 3 {
		t.Fatalf("unset field lost its default: %d", cfg.Worker.MaxAttempts)
	}
	if cfg.LLM.APIKey != "sk-test" {
		t.Fatalf("api_key = %q, want resolved env", cfg.LLM.APIKey)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MANUSCRIPT_DB", "env.db")
	t.Setenv("MANUSCRIPT_WORKER_CONCURRENCY", "7")
	t.Setenv("MANUSCRIPT_LOG_LEVEL", "debug")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DBPath != "env.db" || cfg.Worker.Concurrency != 7 || cfg.Log.Level != "debug" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}

	t.Setenv("MANUSCRIPT_WORKER_CONCURRENCY", "many")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for non-numeric concurrency")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty db", func(c *Config) { c.DBPath = "" }},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }},
		{"zero concurrency", func(c *Config) { c.Worker.Concurrency = 0 }},
		{"short lease", func(c *Config) { c.Worker.Lease = time.Millisecond }},
		{"no model", func(c *Config) { c.LLM.Model = "" }},
		{"tolerance 100", func(c *Config) { c.Revision.DefaultTolerancePercent = 100 }},
		{"quic cert without key", func(c *Config) { c.QUIC.CertFile = "cert.pem" }},
		{"negative quic sessions", func(c *Config) { c.QUIC.MaxSessions = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	if err := LoadDotEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("missing .env: %v", err)
	}

	path := filepath.Join(dir, ".env")
	writeFile(t, path, "MANUSCRIPT_DOTENV_PROBE=from-file\n")
	t.Setenv("MANUSCRIPT_DOTENV_PROBE", "")
	os.Unsetenv("MANUSCRIPT_DOTENV_PROBE")
	if err := LoadDotEnv(path); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("MANUSCRIPT_DOTENV_PROBE"); got != "from-file" {
		t.Fatalf("env = %q, want from-file", got)
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manuscript.yaml")
	writeFile(t, path, "log:\n  level: info\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var lastLevel atomic.Value
	done := make(chan struct{})
	go func() {
		defer close(done)
		Watch(ctx, path, nil, func(c *Config) { lastLevel.Store(c.Log.Level) })
	}()

	// Give fsnotify time to set up the watcher.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, "log:\n  level: debug\n")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if v, _ := lastLevel.Load().(string); v == "debug" {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if v, _ := lastLevel.Load().(string); v != "debug" {
		t.Fatalf("reloaded level = %q, want debug", v)
	}
	cancel()
	<-done
}
