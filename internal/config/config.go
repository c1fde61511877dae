// Package config loads gateway configuration from a TOML file with
// environment-variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Quota    QuotaConfig    `mapstructure:"quota"`
	Log      LogConfig      `mapstructure:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Admin    AdminConfig    `mapstructure:"admin"`
}

// ServerConfig holds HTTP bind and timeout configuration.
type ServerConfig struct {
	Host                    string        `mapstructure:"host"`
	Port                    int           `mapstructure:"port"`
	ReadHeaderTimeout       time.Duration `mapstructure:"read_header_timeout"`
	GracefulShutdownTimeout time.Duration `mapstructure:"graceful_shutdown_timeout"`
}

// AuthConfig holds credential-issuance configuration.
type AuthConfig struct {
	JWTSecret             string `mapstructure:"jwt_secret"`
	TokenTTLSeconds        int   `mapstructure:"token_ttl_seconds"`
	LoginCacheTTLSeconds   int   `mapstructure:"login_cache_ttl_seconds"`
	// LoginCacheCapacity bounds the Login Cache's backing LRU. 0 (the
	// default) means unbounded, matching the documented "unbounded but
	// periodically swept of expired entries" capacity.
	LoginCacheCapacity int `mapstructure:"login_cache_capacity"`
}

// EffectiveTTL returns the client-visible login TTL (spec.md §4.2: the
// advertised expires_in reflects the cache TTL, not the crypto expiry).
func (a AuthConfig) EffectiveTTL() time.Duration {
	return time.Duration(a.LoginCacheTTLSeconds) * time.Second
}

// TokenTTL returns the cryptographic token lifetime.
func (a AuthConfig) TokenTTL() time.Duration {
	return time.Duration(a.TokenTTLSeconds) * time.Second
}

// UpstreamConfig holds upstream chat-completion API connection settings.
type UpstreamConfig struct {
	APIKey                string        `mapstructure:"api_key"`
	APIKeyEnvVar          string        `mapstructure:"api_key_env_var"`
	APIKeyEnvVarLegacy    string        `mapstructure:"api_key_env_var_legacy"`
	BaseURL               string        `mapstructure:"base_url"`
	ConnectTimeoutSeconds int           `mapstructure:"connect_timeout_seconds"`
	HTTPClient            HTTPClientConfig `mapstructure:"http_client"`
}

// ConnectTimeout returns the connection-establishment timeout.
func (u UpstreamConfig) ConnectTimeout() time.Duration {
	return time.Duration(u.ConnectTimeoutSeconds) * time.Second
}

// HTTPClientConfig holds pool-tuning knobs for the upstream HTTP client.
type HTTPClientConfig struct {
	PoolMaxIdlePerHost   int  `mapstructure:"pool_max_idle_per_host"`
	PoolIdleTimeoutSec   int  `mapstructure:"pool_idle_timeout_seconds"`
	TCPNoDelay           bool `mapstructure:"tcp_nodelay"`
	HTTP2AdaptiveWindow  bool `mapstructure:"http2_adaptive_window"`
}

// PoolIdleTimeout returns the idle-connection timeout as a duration.
func (h HTTPClientConfig) PoolIdleTimeout() time.Duration {
	return time.Duration(h.PoolIdleTimeoutSec) * time.Second
}

// QuotaConfig holds monthly-quota accounting configuration.
type QuotaConfig struct {
	SaveInterval     int        `mapstructure:"save_interval"`
	MonthlyResetDay  int        `mapstructure:"monthly_reset_day"`
	Tiers            TierLimits `mapstructure:"tiers"`
	DataDir          string     `mapstructure:"data_dir"`
}

// TierLimits holds the monthly request limit per tier.
type TierLimits struct {
	Basic   int `mapstructure:"basic"`
	Pro     int `mapstructure:"pro"`
	Premium int `mapstructure:"premium"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig holds Prometheus exposition configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// AdminConfig holds administrative-surface configuration.
type AdminConfig struct {
	UsersDir     string   `mapstructure:"users_dir"`
	SeedUsers    []string `mapstructure:"seed_users"`
}

// LoadConfig loads configuration from a TOML file, with environment
// variables (UPPER_SNAKE, dot-to-underscore) overriding file values.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("toml")

		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	resolveUpstreamAPIKey(&cfg, v)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// resolveUpstreamAPIKey reads the upstream credential from its primary
// environment variable, falling back to the documented legacy name for
// backward compatibility (spec.md §6 "Environment").
func resolveUpstreamAPIKey(cfg *Config, v *viper.Viper) {
	if cfg.Upstream.APIKey != "" {
		return
	}
	if key := v.GetString(cfg.Upstream.APIKeyEnvVar); key != "" {
		cfg.Upstream.APIKey = key
		return
	}
	if cfg.Upstream.APIKeyEnvVarLegacy != "" {
		if key := v.GetString(cfg.Upstream.APIKeyEnvVarLegacy); key != "" {
			cfg.Upstream.APIKey = key
		}
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_header_timeout", "10s")
	v.SetDefault("server.graceful_shutdown_timeout", "30s")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl_seconds", 3600)
	v.SetDefault("auth.login_cache_ttl_seconds", 60)
	v.SetDefault("auth.login_cache_capacity", 0)

	v.SetDefault("upstream.api_key", "")
	v.SetDefault("upstream.api_key_env_var", "UPSTREAM_API_KEY")
	v.SetDefault("upstream.api_key_env_var_legacy", "OPENAI_API_KEY")
	v.SetDefault("upstream.base_url", "https://api.upstream.example/v1")
	v.SetDefault("upstream.connect_timeout_seconds", 10)
	v.SetDefault("upstream.http_client.pool_max_idle_per_host", 16)
	v.SetDefault("upstream.http_client.pool_idle_timeout_seconds", 90)
	v.SetDefault("upstream.http_client.tcp_nodelay", true)
	v.SetDefault("upstream.http_client.http2_adaptive_window", true)

	v.SetDefault("quota.save_interval", 10)
	v.SetDefault("quota.monthly_reset_day", 1)
	v.SetDefault("quota.tiers.basic", 500)
	v.SetDefault("quota.tiers.pro", 5000)
	v.SetDefault("quota.tiers.premium", 50000)
	v.SetDefault("quota.data_dir", "data/quotas")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
	v.SetDefault("log.compress", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("admin.users_dir", "data/users")
	v.SetDefault("admin.seed_users", []string{})
}

// Validate checks the configuration for obvious misconfiguration.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret cannot be empty")
	}
	if c.Auth.TokenTTLSeconds <= 0 {
		return fmt.Errorf("auth.token_ttl_seconds must be positive")
	}
	if c.Auth.LoginCacheTTLSeconds <= 0 {
		return fmt.Errorf("auth.login_cache_ttl_seconds must be positive")
	}
	if c.Upstream.APIKey == "" {
		return fmt.Errorf("upstream API key not set (env %s or %s)", c.Upstream.APIKeyEnvVar, c.Upstream.APIKeyEnvVarLegacy)
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url cannot be empty")
	}
	if c.Quota.SaveInterval <= 0 {
		return fmt.Errorf("quota.save_interval must be positive")
	}
	if c.Quota.MonthlyResetDay < 1 || c.Quota.MonthlyResetDay > 31 {
		return fmt.Errorf("quota.monthly_reset_day must be between 1 and 31, got %d", c.Quota.MonthlyResetDay)
	}
	if c.Log.Level == "" {
		return fmt.Errorf("log level cannot be empty")
	}
	return nil
}

// LimitForTier returns the monthly request limit configured for a tier name.
func (c *Config) LimitForTier(tier string) (int, bool) {
	switch tier {
	case "basic":
		return c.Quota.Tiers.Basic, true
	case "pro":
		return c.Quota.Tiers.Pro, true
	case "premium":
		return c.Quota.Tiers.Premium, true
	default:
		return 0, false
	}
}
