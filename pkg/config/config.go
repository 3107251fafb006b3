// Package config loads the YAML configuration shared by every quotaguard component.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// FailurePolicy names what a bounded operation does when its outcome is
// ambiguous, such as a timeout.
type FailurePolicy string

const (
	// FailOpen permits the action when the outcome is unknown.
	FailOpen FailurePolicy = "fail_open"
	// FailClosed surfaces an error when the outcome is unknown.
	FailClosed FailurePolicy = "fail_closed"
)

// Valid reports whether p is one of the known policies.
func (p FailurePolicy) Valid() bool {
	return p == FailOpen || p == FailClosed
}

// Config is the root of the quotaguard configuration file.
type Config struct {
	LogLevel        string `yaml:"log_level"`
	LogFormat       string `yaml:"log_format"`
	HTTPPort        string `yaml:"http_port"`
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`
	// APIRateLimitPerMinute caps requests per client IP. Zero disables it.
	APIRateLimitPerMinute int `yaml:"api_rate_limit_per_minute"`

	Breaker   BreakerConfig   `yaml:"breaker"`
	Cache     CacheConfig     `yaml:"cache"`
	Data      DataConfig      `yaml:"data"`
	Admission AdmissionConfig `yaml:"admission"`
	Presence  PresenceConfig  `yaml:"presence"`
	Events    EventsConfig    `yaml:"events"`
}

// BreakerConfig configures the request circuit breaker.
type BreakerConfig struct {
	MaxRequestsPerMinute int           `yaml:"max_requests_per_minute"`
	CooldownPeriod       time.Duration `yaml:"cooldown_period"`
	QuotaErrorThreshold  int           `yaml:"quota_error_threshold"`
	TickInterval         time.Duration `yaml:"tick_interval"`
	// Window is "fixed" or "token_bucket".
	Window string `yaml:"window"`
}

// CacheConfig configures the read cache.
type CacheConfig struct {
	DefaultTTL      time.Duration `yaml:"default_ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// CollectionConfig describes one paginated collection exposed by the sidecar.
type CollectionConfig struct {
	Name      string        `yaml:"name"`
	OrderBy   string        `yaml:"order_by"`
	Direction string        `yaml:"direction"`
	PageSize  int           `yaml:"page_size"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

// DataConfig configures the data access facade.
type DataConfig struct {
	PageSize      int                `yaml:"page_size"`
	ReadTimeout   time.Duration      `yaml:"read_timeout"`
	WriteTimeout  time.Duration      `yaml:"write_timeout"`
	TimeoutPolicy FailurePolicy      `yaml:"timeout_policy"`
	Collections   []CollectionConfig `yaml:"collections"`
}

// AdmissionConfig configures the admission gatekeeper.
type AdmissionConfig struct {
	MaxConcurrentUsers int           `yaml:"max_concurrent_users"`
	Bypass             []string      `yaml:"bypass"`
	CountTimeout       time.Duration `yaml:"count_timeout"`
	TimeoutPolicy      FailurePolicy `yaml:"timeout_policy"`
}

// RedisConfig holds the connection settings for the Redis presence backend.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// PresenceConfig configures the presence registry and tracker.
type PresenceConfig struct {
	// Backend is "memory", "redis" or "firestore".
	Backend           string        `yaml:"backend"`
	Collection        string        `yaml:"collection"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	LeaseTTL          time.Duration `yaml:"lease_ttl"`
	Redis             RedisConfig   `yaml:"redis"`
}

// EventsConfig configures the Pub/Sub event publisher.
type EventsConfig struct {
	Enabled bool   `yaml:"enabled"`
	TopicID string `yaml:"topic_id"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads the file at path, expands ${VAR} references from the
// environment, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	// #nosec G304 -- path comes from the command line
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a configuration document. It is Load without the file read.
func Parse(data []byte) (*Config, error) {
	expanded := envPattern.ReplaceAllStringFunc(string(data), func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills every unset field with its default value.
func ApplyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
	if cfg.HTTPPort == "" {
		cfg.HTTPPort = ":8080"
	}

	b := &cfg.Breaker
	if b.MaxRequestsPerMinute == 0 {
		b.MaxRequestsPerMinute = 50
	}
	if b.CooldownPeriod == 0 {
		b.CooldownPeriod = 60 * time.Second
	}
	if b.QuotaErrorThreshold == 0 {
		b.QuotaErrorThreshold = 3
	}
	if b.TickInterval == 0 {
		b.TickInterval = time.Second
	}
	if b.Window == "" {
		b.Window = "fixed"
	}

	if cfg.Cache.DefaultTTL == 0 {
		cfg.Cache.DefaultTTL = 300 * time.Second
	}
	if cfg.Cache.CleanupInterval == 0 {
		cfg.Cache.CleanupInterval = 10 * time.Minute
	}

	d := &cfg.Data
	if d.PageSize == 0 {
		d.PageSize = 15
	}
	if d.ReadTimeout == 0 {
		d.ReadTimeout = 10 * time.Second
	}
	if d.WriteTimeout == 0 {
		d.WriteTimeout = d.ReadTimeout
	}
	if d.TimeoutPolicy == "" {
		d.TimeoutPolicy = FailClosed
	}
	for i := range d.Collections {
		c := &d.Collections[i]
		if c.PageSize == 0 {
			c.PageSize = d.PageSize
		}
		if c.CacheTTL == 0 {
			c.CacheTTL = cfg.Cache.DefaultTTL
		}
		if c.Direction == "" {
			c.Direction = "desc"
		}
	}

	a := &cfg.Admission
	if a.MaxConcurrentUsers == 0 {
		a.MaxConcurrentUsers = 50
	}
	if a.CountTimeout == 0 {
		a.CountTimeout = 5 * time.Second
	}
	if a.TimeoutPolicy == "" {
		a.TimeoutPolicy = FailOpen
	}

	p := &cfg.Presence
	if p.Backend == "" {
		p.Backend = "memory"
	}
	if p.Collection == "" {
		p.Collection = "presence"
	}
	if p.HeartbeatInterval == 0 {
		p.HeartbeatInterval = 10 * time.Second
	}
	if p.LeaseTTL == 0 {
		p.LeaseTTL = 30 * time.Second
	}
	if p.Redis.KeyPrefix == "" {
		p.Redis.KeyPrefix = p.Collection
	}
}

// Validate reports the first invalid setting it finds.
func (c *Config) Validate() error {
	if c.APIRateLimitPerMinute < 0 {
		return errors.New("api_rate_limit_per_minute cannot be negative")
	}
	if c.Breaker.MaxRequestsPerMinute < 1 {
		return errors.New("breaker.max_requests_per_minute must be positive")
	}
	if c.Breaker.QuotaErrorThreshold < 1 {
		return errors.New("breaker.quota_error_threshold must be positive")
	}
	if c.Breaker.Window != "fixed" && c.Breaker.Window != "token_bucket" {
		return fmt.Errorf("breaker.window %q must be fixed or token_bucket", c.Breaker.Window)
	}
	if !c.Data.TimeoutPolicy.Valid() {
		return fmt.Errorf("data.timeout_policy %q is not a known policy", c.Data.TimeoutPolicy)
	}
	if !c.Admission.TimeoutPolicy.Valid() {
		return fmt.Errorf("admission.timeout_policy %q is not a known policy", c.Admission.TimeoutPolicy)
	}
	if c.Admission.MaxConcurrentUsers < 1 {
		return errors.New("admission.max_concurrent_users must be positive")
	}
	switch c.Presence.Backend {
	case "memory":
	case "redis":
		if c.Presence.Redis.Addr == "" {
			return errors.New("presence.redis.addr is required for the redis backend")
		}
	case "firestore":
		if c.ProjectID == "" {
			return errors.New("project_id is required for the firestore backend")
		}
	default:
		return fmt.Errorf("presence.backend %q must be memory, redis or firestore", c.Presence.Backend)
	}
	if c.Presence.LeaseTTL <= c.Presence.HeartbeatInterval {
		return errors.New("presence.lease_ttl must be longer than presence.heartbeat_interval")
	}
	if len(c.Data.Collections) > 0 && c.ProjectID == "" {
		return errors.New("project_id is required when data.collections are configured")
	}
	for _, col := range c.Data.Collections {
		if col.Name == "" {
			return errors.New("data.collections entries need a name")
		}
		if col.Direction != "asc" && col.Direction != "desc" {
			return fmt.Errorf("collection %s: direction %q must be asc or desc", col.Name, col.Direction)
		}
	}
	if c.Events.Enabled && c.Events.TopicID == "" {
		return errors.New("events.topic_id is required when events are enabled")
	}
	return nil
}
