package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Cache    CacheConfig    `yaml:"cache"`
	Sweeper  SweeperConfig  `yaml:"sweeper"`
	Flag     FlagConfig     `yaml:"flag"`
	Events   EventsConfig   `yaml:"events"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Security SecurityConfig `yaml:"security"`
	TLS      TLSConfig      `yaml:"tls"`
	Proxy    ProxyConfig    `yaml:"proxy"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

// RuntimeConfig selects and tunes the container backend that hosts challenge instances.
type RuntimeConfig struct {
	Backend           string           `yaml:"backend"` // "docker" or "kubernetes"
	PublicEntry       string           `yaml:"public_entry"`
	FlagEnv           string           `yaml:"flag_env"`
	DefaultLimits     DefaultLimits    `yaml:"default_limits"`
	Lifetime          time.Duration    `yaml:"lifetime"`
	RenewalWindow     time.Duration    `yaml:"renewal_window"`
	OperationCooldown time.Duration    `yaml:"operation_cooldown"`
	CreateRetries     int              `yaml:"create_retries"`
	PollInterval      time.Duration    `yaml:"poll_interval"`
	PollAttempts      int              `yaml:"poll_attempts"`
	Docker            DockerConfig     `yaml:"docker"`
	Kubernetes        KubernetesConfig `yaml:"kubernetes"`
	Registry          RegistryConfig   `yaml:"registry"`
}

type DefaultLimits struct {
	CPUMilli  int64 `yaml:"cpu_milli"`
	MemoryMB  int64 `yaml:"memory_mb"`
	StorageMB int64 `yaml:"storage_mb"`
}

type DockerConfig struct {
	Host      string   `yaml:"host"` // empty uses DOCKER_HOST
	Network   string   `yaml:"network"`
	Hardened  bool     `yaml:"hardened"` // apply the seccomp service profile
	CapAdd    []string `yaml:"cap_add"`
	PidsLimit int64    `yaml:"pids_limit"`
}

type KubernetesConfig struct {
	Kubeconfig   string   `yaml:"kubeconfig"` // empty uses in-cluster config
	Namespace    string   `yaml:"namespace"`
	AllowedCIDRs []string `yaml:"allowed_cidrs"`
	DNS          []string `yaml:"dns"`
}

type RegistryConfig struct {
	Server   string `yaml:"server"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Enabled reports whether private registry credentials are configured.
func (r RegistryConfig) Enabled() bool {
	return r.Server != "" && r.Username != ""
}

type DatabaseConfig struct {
	DSN      string `yaml:"dsn"` // empty runs on the in-memory store
	Migrate  bool   `yaml:"migrate"`
	SeedFile string `yaml:"seed_file"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"` // empty uses the in-memory cache
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PipelineConfig struct {
	Workers            int           `yaml:"workers"` // 0 sizes the pool from host resources
	MaxWorkers         int           `yaml:"max_workers"`
	MaxConflictRetries int           `yaml:"max_conflict_retries"`
	DrainTimeout       time.Duration `yaml:"drain_timeout"`
}

type CacheConfig struct {
	ScoreboardTTL time.Duration `yaml:"scoreboard_ttl"`
	LockTTL       time.Duration `yaml:"lock_ttl"`
	FetchWait     time.Duration `yaml:"fetch_wait"`
}

type SweeperConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type FlagConfig struct {
	Prefix string `yaml:"prefix"`
}

type EventsConfig struct {
	AuditBufferSize int  `yaml:"audit_buffer_size"`
	Publish         bool `yaml:"publish"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

type SecurityConfig struct {
	APIKeyHeader   string   `yaml:"api_key_header"`
	AllowedKeys    []string `yaml:"allowed_keys"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProxyConfig controls the WebSocket-to-TCP bridge for instances without a public port.
type ProxyConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// Load reads configuration from a YAML file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CONFIG_PATH or hardcoded default
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Warn().Str("path", path).Msg("config file not found, using defaults")
	case err != nil:
		return nil, fmt.Errorf("reading config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnv lets deployments keep secrets out of the config file.
func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("REGISTRY_PASSWORD"); v != "" {
		c.Runtime.Registry.Password = v
	}
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    90 * time.Second, // > slowest instance provision
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  64 << 10,
		},
		Runtime: RuntimeConfig{
			Backend:           "docker",
			PublicEntry:       "127.0.0.1",
			FlagEnv:           "FLAG",
			Lifetime:          2 * time.Hour,
			RenewalWindow:     10 * time.Minute,
			OperationCooldown: 10 * time.Second,
			CreateRetries:     3,
			PollInterval:      500 * time.Millisecond,
			PollAttempts:      60,
			DefaultLimits: DefaultLimits{
				CPUMilli:  500,
				MemoryMB:  256,
				StorageMB: 0,
			},
			Docker: DockerConfig{
				CapAdd:    []string{"CHOWN", "SETUID", "SETGID", "NET_BIND_SERVICE", "DAC_OVERRIDE"},
				PidsLimit: 256,
			},
			Kubernetes: KubernetesConfig{
				Namespace: "ctf-arena",
			},
		},
		Pipeline: PipelineConfig{
			MaxWorkers:         8,
			MaxConflictRetries: 32,
			DrainTimeout:       30 * time.Second,
		},
		Cache: CacheConfig{
			ScoreboardTTL: 10 * time.Minute,
			LockTTL:       30 * time.Second,
			FetchWait:     2 * time.Second,
		},
		Sweeper: SweeperConfig{
			Interval: 30 * time.Second,
		},
		Flag: FlagConfig{
			Prefix: "flag",
		},
		Events: EventsConfig{
			AuditBufferSize: 10000,
			Publish:         true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		Security: SecurityConfig{
			APIKeyHeader:   "X-API-Key",
			RateLimitRPS:   100,
			RateLimitBurst: 200,
		},
		TLS: TLSConfig{
			Enabled: false,
		},
		Proxy: ProxyConfig{
			Enabled:     false,
			Host:        "0.0.0.0",
			Port:        8081,
			DialTimeout: 5 * time.Second,
			IdleTimeout: 10 * time.Minute,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	switch c.Runtime.Backend {
	case "docker", "kubernetes":
	default:
		return fmt.Errorf("runtime.backend must be docker or kubernetes, got %q", c.Runtime.Backend)
	}
	if c.Runtime.Lifetime <= 0 {
		return fmt.Errorf("runtime.lifetime must be positive")
	}
	if c.Runtime.RenewalWindow <= 0 || c.Runtime.RenewalWindow > c.Runtime.Lifetime {
		return fmt.Errorf("runtime.renewal_window (%s) must be in (0, lifetime]", c.Runtime.RenewalWindow)
	}
	if c.Runtime.CreateRetries < 1 {
		return fmt.Errorf("runtime.create_retries must be >= 1")
	}
	if c.Runtime.PollAttempts < 1 || c.Runtime.PollInterval <= 0 {
		return fmt.Errorf("runtime.poll_attempts and runtime.poll_interval must be positive")
	}
	if c.Runtime.DefaultLimits.MemoryMB < 16 {
		return fmt.Errorf("runtime.default_limits.memory_mb must be >= 16")
	}
	if c.Runtime.DefaultLimits.CPUMilli < 10 {
		return fmt.Errorf("runtime.default_limits.cpu_milli must be >= 10")
	}
	if c.Runtime.FlagEnv == "" {
		return fmt.Errorf("runtime.flag_env is required")
	}
	if c.Runtime.Backend == "kubernetes" && c.Runtime.Kubernetes.Namespace == "" {
		return fmt.Errorf("runtime.kubernetes.namespace is required for the kubernetes backend")
	}
	if c.Pipeline.Workers < 0 {
		return fmt.Errorf("pipeline.workers must be >= 0")
	}
	if c.Pipeline.MaxWorkers < 1 {
		return fmt.Errorf("pipeline.max_workers must be >= 1")
	}
	if c.Pipeline.MaxConflictRetries < 1 {
		return fmt.Errorf("pipeline.max_conflict_retries must be >= 1")
	}
	if c.Cache.LockTTL <= 0 || c.Cache.ScoreboardTTL <= 0 {
		return fmt.Errorf("cache.lock_ttl and cache.scoreboard_ttl must be positive")
	}
	if c.Tracing.Sample < 0 || c.Tracing.Sample > 1 {
		return fmt.Errorf("tracing.sample_rate must be in [0, 1], got %v", c.Tracing.Sample)
	}
	if c.Sweeper.Interval < time.Second {
		return fmt.Errorf("sweeper.interval must be >= 1s, got %s", c.Sweeper.Interval)
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Proxy.Enabled {
		if c.Proxy.Port < 1 || c.Proxy.Port > 65535 {
			return fmt.Errorf("proxy.port must be 1-65535, got %d", c.Proxy.Port)
		}
		if c.Proxy.Port == c.Server.Port && c.Proxy.Host == c.Server.Host {
			return fmt.Errorf("proxy.port must differ from server.port")
		}
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// ProxyAddress returns the proxy listen address string.
func (c *Config) ProxyAddress() string {
	return fmt.Sprintf("%s:%d", c.Proxy.Host, c.Proxy.Port)
}
