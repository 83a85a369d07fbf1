package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoaderParse(t *testing.T) {
	yaml := `
server:
  listen: ":9000"
  host: gateway.example.com
  read_timeout: 10s

tenant:
  source: header
  header: X-App-Name

sandbox:
  max_concurrency: 8
  default_timeout: 3s
  runtimes:
    python:
      image: python:3.12-slim
      source_file: function.py
      command: ["python", "/sandbox/runner.py"]

access_log:
  capacity: 50
  batch_size: 10
  flush_interval: 250ms
`

	loader := NewLoader()
	cfg, err := loader.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Server.Listen != ":9000" {
		t.Errorf("expected listen :9000, got %s", cfg.Server.Listen)
	}
	if cfg.Server.ReadTimeout != 10*time.Second {
		t.Errorf("expected read_timeout 10s, got %v", cfg.Server.ReadTimeout)
	}
	if cfg.Server.WriteTimeout != 60*time.Second {
		t.Errorf("expected default write_timeout 60s, got %v", cfg.Server.WriteTimeout)
	}
	if cfg.Tenant.Header != "X-App-Name" {
		t.Errorf("expected tenant header X-App-Name, got %s", cfg.Tenant.Header)
	}
	if cfg.Sandbox.MaxConcurrency != 8 {
		t.Errorf("expected max_concurrency 8, got %d", cfg.Sandbox.MaxConcurrency)
	}
	if cfg.Sandbox.DefaultTimeout != 3*time.Second {
		t.Errorf("expected default_timeout 3s, got %v", cfg.Sandbox.DefaultTimeout)
	}
	rt, ok := cfg.Sandbox.Runtimes["python"]
	if !ok {
		t.Fatal("expected python runtime")
	}
	if rt.SourceFile != "function.py" || len(rt.Command) != 2 {
		t.Errorf("unexpected python runtime: %+v", rt)
	}
	if cfg.AccessLog.FlushInterval != 250*time.Millisecond {
		t.Errorf("expected flush_interval 250ms, got %v", cfg.AccessLog.FlushInterval)
	}
	if cfg.AccessLog.FlushTimeout != 10*time.Second {
		t.Errorf("expected default flush_timeout, got %v", cfg.AccessLog.FlushTimeout)
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	if err := NewLoader().validate(DefaultConfig()); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoaderEnvExpansion(t *testing.T) {
	t.Setenv("TEST_REDIS_ADDR", "redis:6379")
	t.Setenv("TEST_PG_DSN", "postgres://logs@db/logs")

	yaml := `
redis:
  address: ${TEST_REDIS_ADDR}
  password: ${TEST_UNSET_SECRET}

access_log:
  store: postgres
  postgres:
    dsn: ${TEST_PG_DSN}
`

	cfg, err := NewLoader().Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Redis.Address != "redis:6379" {
		t.Errorf("expected redis address from env, got %q", cfg.Redis.Address)
	}
	if cfg.AccessLog.Postgres.DSN != "postgres://logs@db/logs" {
		t.Errorf("expected dsn from env, got %q", cfg.AccessLog.Postgres.DSN)
	}
	if cfg.Redis.Password != "${TEST_UNSET_SECRET}" {
		t.Errorf("unset variables should be kept verbatim, got %q", cfg.Redis.Password)
	}
}

func TestLoaderValidation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "valid subdomain source",
			yaml: `
tenant:
  source: subdomain
  base_domain: apps.example.com
`,
		},
		{
			name: "subdomain without base domain",
			yaml: `
tenant:
  source: subdomain
`,
			wantErr: "base_domain",
		},
		{
			name: "unknown tenant source",
			yaml: `
tenant:
  source: cookie
`,
			wantErr: "tenant.source",
		},
		{
			name: "bad trusted proxy",
			yaml: `
trusted_proxies:
  cidrs: ["10.0.0.0/33"]
`,
			wantErr: "CIDR",
		},
		{
			name: "bare trusted proxy address",
			yaml: `
trusted_proxies:
  cidrs: ["10.0.0.1", "fd00::/8"]
`,
		},
		{
			name: "zero concurrency",
			yaml: `
sandbox:
  max_concurrency: 0
`,
			wantErr: "max_concurrency",
		},
		{
			name: "runtime source file with path",
			yaml: `
sandbox:
  runtimes:
    node:
      image: node:22
      source_file: ../function.js
`,
			wantErr: "source_file",
		},
		{
			name: "postgres store without dsn",
			yaml: `
access_log:
  store: postgres
`,
			wantErr: "dsn",
		},
		{
			name: "topic store",
			yaml: `
access_log:
  store: topic
  topic_url: mem://access-logs
`,
		},
		{
			name: "storage url without scheme",
			yaml: `
storage:
  url: /var/lib/appgate
`,
			wantErr: "storage.url",
		},
		{
			name: "health path",
			yaml: `
health:
  path: healthz
`,
			wantErr: "health.path",
		},
		{
			name: "unknown compression algorithm",
			yaml: `
compression:
  algorithms: [gzip, lz4]
`,
			wantErr: "compression algorithm",
		},
		{
			name: "invalid log level",
			yaml: `
logging:
  level: verbose
`,
			wantErr: "logging.level",
		},
	}

	loader := NewLoader()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loader.Parse([]byte(tt.yaml))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoaderLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "appgate.yaml")
	if err := os.WriteFile(path, []byte("server:\n  host: edge.local\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := NewLoader().Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Host != "edge.local" {
		t.Errorf("expected host edge.local, got %s", cfg.Server.Host)
	}

	if _, err := NewLoader().Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestWatcherReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "appgate.yaml")
	if err := os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	w.SetDebounce(10 * time.Millisecond)

	changed := make(chan *Config, 1)
	w.OnChange(func(cfg *Config) {
		select {
		case changed <- cfg:
		default:
		}
	})
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-changed:
		if cfg.Logging.Level != "debug" {
			t.Errorf("expected reloaded level debug, got %s", cfg.Logging.Level)
		}
		if w.GetConfig().Logging.Level != "debug" {
			t.Error("GetConfig should return the reloaded config")
		}
		if st := w.Stats(); st.Reloads < 1 || st.Failures != 0 {
			t.Errorf("unexpected watcher stats %+v", st)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestWatcherKeepsConfigOnInvalidReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "appgate.yaml")
	if err := os.WriteFile(path, []byte("logging:\n  level: warn\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	w.SetDebounce(50 * time.Millisecond)
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte("logging:\n  level: verbose\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for w.Stats().Failures == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the failed reload")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if w.GetConfig().Logging.Level != "warn" {
		t.Errorf("invalid reload must keep the previous config, got %s", w.GetConfig().Logging.Level)
	}
}
