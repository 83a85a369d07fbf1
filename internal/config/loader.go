package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/wudi/appgate/internal/middleware/realip"
)

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
	secrets    *Secrets
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
		secrets:    NewSecrets(),
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := l.secrets.Resolve(cfg); err != nil {
		return nil, fmt.Errorf("failed to resolve secrets: %w", err)
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// validate checks configuration for errors
func (l *Loader) validate(cfg *Config) error {
	if cfg.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if cfg.Admin.Enabled && cfg.Admin.Listen == "" {
		return fmt.Errorf("admin.listen is required when admin is enabled")
	}

	switch cfg.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level: %s", cfg.Logging.Level)
	}

	switch cfg.Tenant.Source {
	case TenantSourceHeader:
		if cfg.Tenant.Header == "" {
			return fmt.Errorf("tenant.header is required for the header source")
		}
	case TenantSourceSubdomain:
		if cfg.Tenant.BaseDomain == "" {
			return fmt.Errorf("tenant.base_domain is required for the subdomain source")
		}
	default:
		return fmt.Errorf("invalid tenant.source: %s", cfg.Tenant.Source)
	}

	if _, err := realip.ParseTrusted(cfg.TrustedProxies.CIDRs); err != nil {
		return fmt.Errorf("trusted_proxies: %w", err)
	}
	if cfg.TrustedProxies.MaxHops < 0 {
		return fmt.Errorf("trusted_proxies.max_hops must be >= 0")
	}

	if !strings.HasPrefix(cfg.Health.Path, "/") {
		return fmt.Errorf("health.path must start with /")
	}

	if cfg.Cache.RouteMetadataSize <= 0 {
		return fmt.Errorf("cache.route_metadata_size must be > 0")
	}
	if cfg.Cache.RouteMetadataTTL <= 0 || cfg.Cache.SigningKeyTTL <= 0 {
		return fmt.Errorf("cache TTLs must be > 0")
	}
	if cfg.Cache.CompiledSize <= 0 {
		return fmt.Errorf("cache.compiled_size must be > 0")
	}

	u, err := url.Parse(cfg.Storage.URL)
	if err != nil || u.Scheme == "" {
		return fmt.Errorf("storage.url must be a URL with a scheme: %q", cfg.Storage.URL)
	}

	if err := validateSandbox(&cfg.Sandbox); err != nil {
		return err
	}
	if err := validateAccessLog(&cfg.AccessLog); err != nil {
		return err
	}

	if cfg.Compression.Level < 0 || cfg.Compression.Level > 11 {
		return fmt.Errorf("compression.level must be between 0 and 11")
	}
	for _, algo := range cfg.Compression.Algorithms {
		switch algo {
		case "br", "zstd", "gzip":
		default:
			return fmt.Errorf("invalid compression algorithm: %s", algo)
		}
	}

	if cfg.Shutdown.Timeout <= 0 {
		return fmt.Errorf("shutdown.timeout must be > 0")
	}

	return nil
}

func validateSandbox(sb *SandboxConfig) error {
	if sb.MaxConcurrency <= 0 {
		return fmt.Errorf("sandbox.max_concurrency must be > 0")
	}
	if sb.DefaultTimeout <= 0 {
		return fmt.Errorf("sandbox.default_timeout must be > 0")
	}
	if sb.WorkDir == "" {
		return fmt.Errorf("sandbox.work_dir is required")
	}
	if sb.MemoryMB < 0 || sb.CPUs < 0 || sb.PidsLimit < 0 {
		return fmt.Errorf("sandbox resource limits must be >= 0")
	}
	if sb.MaxLogEntries < 0 || sb.MaxLogLength < 0 {
		return fmt.Errorf("sandbox log limits must be >= 0")
	}
	for name, rt := range sb.Runtimes {
		if rt.Image == "" {
			return fmt.Errorf("sandbox.runtimes.%s: image is required", name)
		}
		if rt.SourceFile == "" || strings.ContainsAny(rt.SourceFile, `/\`) {
			return fmt.Errorf("sandbox.runtimes.%s: source_file must be a bare file name", name)
		}
	}
	return nil
}

func validateAccessLog(al *AccessLogConfig) error {
	if al.Capacity <= 0 {
		return fmt.Errorf("access_log.capacity must be > 0")
	}
	if al.BatchSize <= 0 {
		return fmt.Errorf("access_log.batch_size must be > 0")
	}
	if al.FlushInterval <= 0 || al.FlushTimeout <= 0 {
		return fmt.Errorf("access_log flush interval and timeout must be > 0")
	}
	switch al.Store {
	case AccessLogStoreLogger:
	case AccessLogStorePostgres:
		if al.Postgres.DSN == "" {
			return fmt.Errorf("access_log.postgres.dsn is required for the postgres store")
		}
		if al.Postgres.Table == "" {
			return fmt.Errorf("access_log.postgres.table is required")
		}
	case AccessLogStoreTopic:
		if al.TopicURL == "" {
			return fmt.Errorf("access_log.topic_url is required for the topic store")
		}
	default:
		return fmt.Errorf("invalid access_log.store: %s", al.Store)
	}
	return nil
}
