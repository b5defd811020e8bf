package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/foxzi/listsync/internal/ipfilter"
)

// Provider slugs with a driver in this build
const (
	ProviderMailchimp = "mailchimp"
	ProviderMemory    = "memory"
)

var knownProviders = map[string]bool{
	ProviderMailchimp: true,
	ProviderMemory:    true,
}

// Config is the main configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	API       APIConfig       `yaml:"api"`
	Provider  ProviderConfig  `yaml:"provider"`
	Storage   StorageConfig   `yaml:"storage"`
	Queue     QueueConfig     `yaml:"queue"`
	Cache     CacheConfig     `yaml:"cache"`
	Attempts  AttemptsConfig  `yaml:"attempts"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig contains server-wide settings
type ServerConfig struct {
	Hostname        string        `yaml:"hostname"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // Default: 30s
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr       string        `yaml:"listen_addr"`
	APIKey           string        `yaml:"api_key"`
	WorkerToken      string        `yaml:"worker_token"`       // Token of POST /internal/worker/intents
	MaxHeaderBytes   int           `yaml:"max_header_bytes"`   // Default: 1MB
	ReadTimeout      time.Duration `yaml:"read_timeout"`       // Default: 30s
	WriteTimeout     time.Duration `yaml:"write_timeout"`      // Default: 30s
	IdleTimeout      time.Duration `yaml:"idle_timeout"`       // Default: 60s
	AllowedIPs       []string      `yaml:"allowed_ips"`        // IPs/CIDRs allowed to access /api/v1 (empty = allow all)
	WorkerAllowedIPs []string      `yaml:"worker_allowed_ips"` // IPs/CIDRs allowed to trigger the worker (empty = allow all)
}

// ProviderConfig selects the email service provider
type ProviderConfig struct {
	Active      string                         `yaml:"active"`
	TagPrefix   string                         `yaml:"tag_prefix"`
	Credentials map[string]ProviderCredentials `yaml:"credentials"`
}

// ProviderCredentials contains the settings of one provider
type ProviderCredentials struct {
	APIKey            string            `yaml:"api_key"`
	BaseURL           string            `yaml:"base_url"`
	DefaultListID     string            `yaml:"default_list_id"`
	RequestsPerSecond float64           `yaml:"requests_per_second"`
	Burst             int               `yaml:"burst"`
	Timeout           time.Duration     `yaml:"timeout"`
	MaxRetries        int               `yaml:"max_retries"`
	Lists             map[string]string `yaml:"lists"` // memory provider only: id -> name
}

// StorageConfig contains the bbolt record store settings
type StorageConfig struct {
	Path string `yaml:"path"`
}

// QueueConfig contains intent queue settings
type QueueConfig struct {
	BatchSize      int           `yaml:"batch_size"`      // Default: 3
	MaxErrors      int           `yaml:"max_errors"`      // Default: 3
	SweepInterval  time.Duration `yaml:"sweep_interval"`  // Default: 5m
	DispatchBuffer int           `yaml:"dispatch_buffer"` // Default: 64
	ProcessTimeout time.Duration `yaml:"process_timeout"` // Default: 2m
}

// CacheConfig contains metadata cache settings
type CacheConfig struct {
	TTL             time.Duration `yaml:"ttl"`              // Default: 20m
	RefreshInterval time.Duration `yaml:"refresh_interval"` // Default: 10m
}

// AttemptsConfig contains the subscription attempts log settings
type AttemptsConfig struct {
	Path            string        `yaml:"path"`
	MaxAge          time.Duration `yaml:"max_age"`          // Default: 4380h
	BatchSize       int           `yaml:"batch_size"`       // Default: 1000
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // Default: 1h
}

// RateLimitConfig contains subscribe rate limiting settings
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Global        *LimitValues  `yaml:"global,omitempty"`
	Email         *LimitValues  `yaml:"email,omitempty"`
	IP            *LimitValues  `yaml:"ip,omitempty"`
	Provider      *LimitValues  `yaml:"provider,omitempty"`
	FlushInterval time.Duration `yaml:"flush_interval"` // Default: 10s
}

// LimitValues contains rate limit values
type LimitValues struct {
	RequestsPerHour int `yaml:"requests_per_hour"`
	RequestsPerDay  int `yaml:"requests_per_day"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddr    string        `yaml:"listen_addr"`    // Default: :9090
	Path          string        `yaml:"path"`           // Default: /metrics
	FlushInterval time.Duration `yaml:"flush_interval"` // Default: 10s
	AllowedIPs    []string      `yaml:"allowed_ips"`    // IP addresses/CIDRs allowed to access metrics
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.Hostname == "" {
		hostname, _ := os.Hostname()
		c.Server.Hostname = hostname
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	c.Provider.Active = strings.ToLower(strings.TrimSpace(c.Provider.Active))
	if c.Provider.TagPrefix == "" {
		c.Provider.TagPrefix = "listsync"
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/listsync/listsync.db"
	}

	if c.Queue.BatchSize == 0 {
		c.Queue.BatchSize = 3
	}
	if c.Queue.MaxErrors == 0 {
		c.Queue.MaxErrors = 3
	}
	if c.Queue.SweepInterval == 0 {
		c.Queue.SweepInterval = 5 * time.Minute
	}
	if c.Queue.DispatchBuffer == 0 {
		c.Queue.DispatchBuffer = 64
	}
	if c.Queue.ProcessTimeout == 0 {
		c.Queue.ProcessTimeout = 2 * time.Minute
	}

	if c.Cache.TTL == 0 {
		c.Cache.TTL = 20 * time.Minute
	}
	if c.Cache.RefreshInterval == 0 {
		c.Cache.RefreshInterval = 10 * time.Minute
	}

	if c.Attempts.Path == "" {
		c.Attempts.Path = "/var/lib/listsync/attempts.db"
	}
	if c.Attempts.MaxAge == 0 {
		c.Attempts.MaxAge = 4380 * time.Hour
	}
	if c.Attempts.BatchSize == 0 {
		c.Attempts.BatchSize = 1000
	}
	if c.Attempts.CleanupInterval == 0 {
		c.Attempts.CleanupInterval = time.Hour
	}

	if c.RateLimit.FlushInterval == 0 {
		c.RateLimit.FlushInterval = 10 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}
}

// Validate validates the configuration. A missing provider or missing
// credentials are not an error: the service starts and reports the provider
// as unavailable.
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	if err := c.validateProvider(); err != nil {
		return err
	}

	if c.Queue.BatchSize < 0 || c.Queue.MaxErrors < 0 || c.Queue.DispatchBuffer < 0 {
		return fmt.Errorf("queue values must not be negative")
	}
	if c.Attempts.BatchSize < 0 || c.Attempts.BatchSize > 1000 {
		return fmt.Errorf("attempts.batch_size must be between 1 and 1000")
	}

	if err := c.validateRateLimit(); err != nil {
		return err
	}

	allowLists := map[string][]string{
		"api.allowed_ips":        c.API.AllowedIPs,
		"api.worker_allowed_ips": c.API.WorkerAllowedIPs,
		"metrics.allowed_ips":    c.Metrics.AllowedIPs,
	}
	for name, list := range allowLists {
		if err := ipfilter.Validate(list); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	return nil
}

func (c *Config) validateProvider() error {
	if c.Provider.Active != "" && !knownProviders[c.Provider.Active] {
		return fmt.Errorf("unknown provider.active: %s (must be one of %s)", c.Provider.Active, strings.Join(KnownProviders(), ", "))
	}

	for slug, creds := range c.Provider.Credentials {
		if !knownProviders[slug] {
			return fmt.Errorf("unknown provider in provider.credentials: %s", slug)
		}
		if creds.RequestsPerSecond < 0 || creds.Burst < 0 || creds.MaxRetries < 0 {
			return fmt.Errorf("provider.credentials.%s: rate and retry values must not be negative", slug)
		}
	}

	return nil
}

func (c *Config) validateRateLimit() error {
	limits := map[string]*LimitValues{
		"global":   c.RateLimit.Global,
		"email":    c.RateLimit.Email,
		"ip":       c.RateLimit.IP,
		"provider": c.RateLimit.Provider,
	}
	for name, l := range limits {
		if l == nil {
			continue
		}
		if l.RequestsPerHour < 0 || l.RequestsPerDay < 0 {
			return fmt.Errorf("rate_limit.%s values must not be negative", name)
		}
	}
	return nil
}

// KnownProviders returns the slugs of the providers this build supports
func KnownProviders() []string {
	out := make([]string, 0, len(knownProviders))
	for slug := range knownProviders {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}

// ActiveCredentials returns the credentials of the active provider
func (c *Config) ActiveCredentials() (ProviderCredentials, bool) {
	creds, ok := c.Provider.Credentials[c.Provider.Active]
	return creds, ok
}
