package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSecretReferences(t *testing.T) {
	dir := t.TempDir()
	pw := filepath.Join(dir, "redis-password")
	if err := os.WriteFile(pw, []byte("hunter2\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TEST_APPGATE_DSN", "postgres://logs:pw@db/logs")

	yaml := `
redis:
  address: redis:6379
  password: ${file:` + pw + `}
access_log:
  store: postgres
  postgres:
    dsn: ${env:TEST_APPGATE_DSN}
sandbox:
  runtimes:
    node:
      image: ${env:TEST_APPGATE_DSN}
      source_file: function.js
`
	cfg, err := NewLoader().Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Redis.Password != "hunter2" {
		t.Errorf("expected password from file, got %q", cfg.Redis.Password)
	}
	if cfg.AccessLog.Postgres.DSN != "postgres://logs:pw@db/logs" {
		t.Errorf("expected dsn from env, got %q", cfg.AccessLog.Postgres.DSN)
	}
	if cfg.Sandbox.Runtimes["node"].Image != "postgres://logs:pw@db/logs" {
		t.Errorf("references inside maps should resolve, got %q", cfg.Sandbox.Runtimes["node"].Image)
	}
}

func TestSecretReferenceErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"unset env", "redis:\n  password: ${env:TEST_APPGATE_NOT_SET}\n", "Redis.Password"},
		{"missing file", "redis:\n  password: ${file:/nonexistent/appgate/secret}\n", "read secret file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader().Parse([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error mentioning %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestFileSecretsAllowedDirs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "key")
	if err := os.WriteFile(path, []byte("k"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.Redis.Password = "${file:" + path + "}"
	if err := NewSecrets(dir).Resolve(cfg); err != nil || cfg.Redis.Password != "k" {
		t.Fatalf("expected k, got %q (%v)", cfg.Redis.Password, err)
	}

	cfg.Redis.Password = "${file:" + path + "}"
	if err := NewSecrets("/run/secrets").Resolve(cfg); err == nil {
		t.Fatal("expected an error for a file outside the allowed directories")
	}
}

func TestRedacted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Redis.Password = "hunter2"
	cfg.AccessLog.Postgres.DSN = "postgres://logs:pw@db/logs"

	r := Redacted(cfg)
	if r.Redis.Password != RedactedValue || r.AccessLog.Postgres.DSN != RedactedValue {
		t.Errorf("secrets not redacted: %q %q", r.Redis.Password, r.AccessLog.Postgres.DSN)
	}
	if cfg.Redis.Password != "hunter2" {
		t.Error("Redacted must not modify its input")
	}
	if r.Server.Listen != cfg.Server.Listen {
		t.Error("untagged fields should be kept")
	}

	cfg.Redis.Password = ""
	if Redacted(cfg).Redis.Password != "" {
		t.Error("empty secrets should stay empty")
	}
}
