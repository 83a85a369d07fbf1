package config

import "time"

// Config is the root configuration of the gateway process.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Admin          AdminConfig          `yaml:"admin"`
	Logging        LoggingConfig        `yaml:"logging"`
	Tenant         TenantConfig         `yaml:"tenant"`
	TrustedProxies TrustedProxiesConfig `yaml:"trusted_proxies"`
	Health         HealthConfig         `yaml:"health"`
	Redis          RedisConfig          `yaml:"redis"`
	Cache          CacheConfig          `yaml:"cache"`
	Storage        StorageConfig        `yaml:"storage"`
	Sandbox        SandboxConfig        `yaml:"sandbox"`
	AccessLog      AccessLogConfig      `yaml:"access_log"`
	Compression    CompressionConfig    `yaml:"compression"`
	Shutdown       ShutdownConfig       `yaml:"shutdown"`
}

// ServerConfig defines the public HTTP listener.
type ServerConfig struct {
	Listen       string        `yaml:"listen"`
	Host         string        `yaml:"host"` // the gateway's own host name, used for health checks
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	MaxBodySize  int64         `yaml:"max_body_size"`
	Debug        bool          `yaml:"debug"` // expose error details in responses
}

// AdminConfig defines the metrics listener.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Level    string            `yaml:"level"`
	Output   string            `yaml:"output"`
	Rotation LogRotationConfig `yaml:"rotation"`
	Watch    bool              `yaml:"watch"` // reload level when the config file changes
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // max megabytes before rotation (default 100)
	MaxBackups int  `yaml:"max_backups"` // old rotated files to keep (default 3)
	MaxAge     int  `yaml:"max_age"`     // days to retain old files (default 28)
	Compress   bool `yaml:"compress"`
	LocalTime  bool `yaml:"local_time"`
}

// Tenant sources.
const (
	TenantSourceHeader    = "header"
	TenantSourceSubdomain = "subdomain"
)

// TenantConfig selects how the owning app of a request is found.
type TenantConfig struct {
	Source     string `yaml:"source"`      // header or subdomain
	Header     string `yaml:"header"`      // slug header for the header source
	BaseDomain string `yaml:"base_domain"` // apps live at {slug}.{base_domain} for the subdomain source
}

// TrustedProxiesConfig defines which peers may set forwarding headers.
type TrustedProxiesConfig struct {
	CIDRs   []string `yaml:"cidrs"`
	Headers []string `yaml:"headers"`
	MaxHops int      `yaml:"max_hops"`
}

// HealthConfig defines the gateway health probe.
type HealthConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig defines the shared cache connection. An empty address
// selects an in-process cache.
type RedisConfig struct {
	Address     string        `yaml:"address"`
	Password    string        `yaml:"password" redact:"true"`
	DB          int           `yaml:"db"`
	KeyPrefix   string        `yaml:"key_prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	OpTimeout   time.Duration `yaml:"op_timeout"`
}

// CacheConfig defines cache lifetimes.
type CacheConfig struct {
	SpecTTL           time.Duration `yaml:"spec_ttl"` // used by the publisher
	RouteMetadataTTL  time.Duration `yaml:"route_metadata_ttl"`
	RouteMetadataSize int           `yaml:"route_metadata_size"`
	SigningKeyTTL     time.Duration `yaml:"signing_key_ttl"`
	CompiledSize      int           `yaml:"compiled_size"` // compiled routing tables and schemas
}

// StorageConfig defines where deployment content lives.
type StorageConfig struct {
	URL               string `yaml:"url"` // file://, s3:// or mem://
	ManifestCacheSize int    `yaml:"manifest_cache_size"`
}

// RuntimeConfig describes one function runtime image.
type RuntimeConfig struct {
	Image      string   `yaml:"image"`
	SourceFile string   `yaml:"source_file"`
	Command    []string `yaml:"command"`
}

// SandboxConfig defines function execution.
type SandboxConfig struct {
	DockerEndpoint string                   `yaml:"docker_endpoint"` // empty uses DOCKER_HOST
	WorkDir        string                   `yaml:"work_dir"`        // invocation directories as seen by the gateway
	HostBindPath   string                   `yaml:"host_bind_path"`  // the same directory as seen by the docker host
	MaxConcurrency int                      `yaml:"max_concurrency"`
	DefaultTimeout time.Duration            `yaml:"default_timeout"`
	MemoryMB       int64                    `yaml:"memory_mb"`
	CPUs           float64                  `yaml:"cpus"`
	PidsLimit      int64                    `yaml:"pids_limit"`
	Network        string                   `yaml:"network"`
	MaxLogEntries  int                      `yaml:"max_log_entries"`
	MaxLogLength   int                      `yaml:"max_log_length"`
	Runtimes       map[string]RuntimeConfig `yaml:"runtimes"`
}

// Access log stores.
const (
	AccessLogStoreLogger   = "logger"
	AccessLogStorePostgres = "postgres"
	AccessLogStoreTopic    = "topic"
)

// AccessLogConfig defines the access log pipeline.
type AccessLogConfig struct {
	Capacity      int            `yaml:"capacity"`
	BatchSize     int            `yaml:"batch_size"`
	FlushInterval time.Duration  `yaml:"flush_interval"`
	FlushTimeout  time.Duration  `yaml:"flush_timeout"`
	Store         string         `yaml:"store"`
	Postgres      PostgresConfig `yaml:"postgres"`
	TopicURL      string         `yaml:"topic_url"` // gocloud pubsub URL for the topic store
}

// PostgresConfig defines the access log database.
type PostgresConfig struct {
	DSN         string `yaml:"dsn" redact:"true"`
	Table       string `yaml:"table"`
	MaxConns    int32  `yaml:"max_conns"`
	CreateTable bool   `yaml:"create_table"` // create the table at startup when missing
}

// CompressionConfig defines response compression for tenant responses.
type CompressionConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Level        int      `yaml:"level"`         // 1-11; gzip caps at 9
	MinSize      int      `yaml:"min_size"`      // bytes buffered before deciding
	Algorithms   []string `yaml:"algorithms"`    // br, zstd, gzip
	ContentTypes []string `yaml:"content_types"` // empty uses a text-like default set
}

// ShutdownConfig bounds graceful shutdown.
type ShutdownConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:       ":8080",
			Host:         "localhost",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
			MaxBodySize:  10 << 20,
		},
		Admin: AdminConfig{
			Enabled: true,
			Listen:  ":9090",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			Rotation: LogRotationConfig{
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     28,
				Compress:   true,
			},
		},
		Tenant: TenantConfig{
			Source: TenantSourceHeader,
			Header: "X-App-Slug",
		},
		TrustedProxies: TrustedProxiesConfig{
			Headers: []string{"X-Forwarded-For", "X-Real-IP"},
		},
		Health: HealthConfig{
			Path: "/healthz",
		},
		Redis: RedisConfig{
			KeyPrefix:   "appgate:",
			DialTimeout: 5 * time.Second,
			OpTimeout:   100 * time.Millisecond,
		},
		Cache: CacheConfig{
			SpecTTL:           24 * time.Hour,
			RouteMetadataTTL:  6 * time.Hour,
			RouteMetadataSize: 10000,
			SigningKeyTTL:     time.Hour,
			CompiledSize:      1024,
		},
		Storage: StorageConfig{
			URL:               "file:///var/lib/appgate",
			ManifestCacheSize: 1024,
		},
		Sandbox: SandboxConfig{
			WorkDir:        "/var/lib/appgate/sandbox",
			MaxConcurrency: 100,
			DefaultTimeout: 10 * time.Second,
			MemoryMB:       128,
			CPUs:           0.5,
			PidsLimit:      64,
			Network:        "none",
			MaxLogEntries:  100,
			MaxLogLength:   4096,
			Runtimes: map[string]RuntimeConfig{
				"node": {
					Image:      "node:22-alpine",
					SourceFile: "function.js",
					Command:    []string{"node", "/sandbox/runner.js"},
				},
			},
		},
		AccessLog: AccessLogConfig{
			Capacity:      10000,
			BatchSize:     100,
			FlushInterval: 5 * time.Second,
			FlushTimeout:  10 * time.Second,
			Store:         AccessLogStoreLogger,
			Postgres: PostgresConfig{
				Table:    "access_logs",
				MaxConns: 4,
			},
		},
		Compression: CompressionConfig{
			Enabled: true,
			Level:   6,
			MinSize: 1024,
		},
		Shutdown: ShutdownConfig{
			Timeout: 30 * time.Second,
		},
	}
}
