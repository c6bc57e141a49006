package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for settlementd.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	DatabasePath  string          `yaml:"database"`
	Workers       int             `yaml:"workers"`
	QueueCapacity int             `yaml:"queue_capacity"`
	RailTimeout   Duration        `yaml:"rail_timeout"`
	PauseOnStart  bool            `yaml:"pause"`
	Admin         AdminConfig     `yaml:"admin"`
	Log           LogConfig       `yaml:"log"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
}

// AdminConfig captures security settings for the admin API.
type AdminConfig struct {
	JWTSecret    string `yaml:"jwt_secret"`
	JWTSecretEnv string `yaml:"jwt_secret_env"`
	Issuer       string `yaml:"issuer"`
}

// Secret resolves the admin JWT signing secret, preferring the environment
// variable indirection so secrets stay out of config files.
func (a AdminConfig) Secret() (string, error) {
	if env := strings.TrimSpace(a.JWTSecretEnv); env != "" {
		if value := strings.TrimSpace(os.Getenv(env)); value != "" {
			return value, nil
		}
		return "", fmt.Errorf("admin jwt secret env %s is empty", env)
	}
	if secret := strings.TrimSpace(a.JWTSecret); secret != "" {
		return secret, nil
	}
	return "", fmt.Errorf("admin jwt secret not configured")
}

// LogConfig tunes the optional rotated file sink.
type LogConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// RateLimitConfig throttles public API clients.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// Load reads the YAML configuration and applies defaults.
func Load(path string) (Config, error) {
	cfg := Config{
		ListenAddress: ":8090",
		Workers:       4,
		QueueCapacity: 1024,
		RailTimeout:   Duration{10 * time.Second},
		RateLimit:     RateLimitConfig{RequestsPerMinute: 120, Burst: 30},
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if strings.TrimSpace(cfg.DatabasePath) == "" {
		return cfg, fmt.Errorf("database path required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1024
	}
	if cfg.RailTimeout.Duration <= 0 {
		cfg.RailTimeout = Duration{10 * time.Second}
	}
	return cfg, nil
}
