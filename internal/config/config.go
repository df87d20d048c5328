package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds all application configuration.
type Config struct {
	// HTTP
	ListenAddr   string   `koanf:"listen_addr"`
	TrackOrigins []string `koanf:"track_origins"`
	AdminToken   string   `koanf:"admin_token"`

	// Scoring
	HomeCountries    []string `koanf:"home_countries"`
	HighRiskKeywords []string `koanf:"high_risk_keywords"`

	// Geo Enrichment
	GeoTimeout   time.Duration `koanf:"geo_timeout"`
	GeoCacheSize int           `koanf:"geo_cache_size"`

	// Bounded Stores
	IdentityCapacity int `koanf:"identity_capacity"`
	EventLogCapacity int `koanf:"eventlog_capacity"`

	// Notification Pool
	NotifyWorkers    int           `koanf:"notify_workers"`
	NotifyQueueDepth int           `koanf:"notify_queue_depth"`
	NotifyMaxRetries int           `koanf:"notify_max_retries"`
	NotifyRetryBase  time.Duration `koanf:"notify_retry_base"`

	// Storage
	DataDir string `koanf:"data_dir"`

	// Operational
	LogLevel        string        `koanf:"log_level"`
	LogFormat       string        `koanf:"log_format"`
	MetricsEnabled  bool          `koanf:"metrics_enabled"`
	MetricsAddr     string        `koanf:"metrics_addr"`
	JanitorInterval time.Duration `koanf:"janitor_interval"`
}

// sanitise removes a single layer of matching surrounding quotes from all string
// fields and string slice elements. This normalises values from Docker --env-file
// which does not strip shell quoting.
func (c *Config) sanitise() {
	c.ListenAddr = stripEnvQuotes(c.ListenAddr)
	c.AdminToken = stripEnvQuotes(c.AdminToken)
	c.DataDir = stripEnvQuotes(c.DataDir)
	c.LogLevel = stripEnvQuotes(c.LogLevel)
	c.LogFormat = stripEnvQuotes(c.LogFormat)
	c.MetricsAddr = stripEnvQuotes(c.MetricsAddr)

	for i, s := range c.TrackOrigins {
		c.TrackOrigins[i] = stripEnvQuotes(s)
	}
	for i, s := range c.HomeCountries {
		c.HomeCountries[i] = stripEnvQuotes(s)
	}
	for i, s := range c.HighRiskKeywords {
		c.HighRiskKeywords[i] = stripEnvQuotes(s)
	}
}

// defaults sets sensible default values.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"listen_addr":        ":8080",
		"track_origins":      "*",
		"home_countries":     "colombia",
		"geo_timeout":        "2s",
		"geo_cache_size":     20000,
		"identity_capacity":  100000,
		"eventlog_capacity":  30000,
		"notify_workers":     4,
		"notify_queue_depth": 1024,
		"notify_max_retries": 3,
		"notify_retry_base":  "1s",
		"data_dir":           "/data",
		"log_level":          "info",
		"log_format":         "json",
		"metrics_enabled":    true,
		"metrics_addr":       ":9090",
		"janitor_interval":   "5m",
	}
}

// stripEnvQuotes removes a single layer of matching surrounding single or double
// quotes from s. Only symmetric pairs are stripped: 'x' → x, "x" → x.
// Unpaired or mismatched quotes are left as-is.
func stripEnvQuotes(s string) string {
	if len(s) < 2 {
		return s
	}
	if (s[0] == '\'' && s[len(s)-1] == '\'') ||
		(s[0] == '"' && s[len(s)-1] == '"') {
		return s[1 : len(s)-1]
	}
	return s
}

// Load reads configuration from environment variables, applying _FILE secret injection.
func Load() (*Config, error) {
	// Use "." as delimiter so that env vars with "_" in their names are
	// treated as flat keys, not nested paths. E.g. LISTEN_ADDR → "listen_addr"
	// maps to struct tag koanf:"listen_addr" without any nesting.
	k := koanf.New(".")

	// Apply defaults first
	if err := k.Load(&rawProvider{data: defaults()}, nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	// Load from environment — use "." as delimiter so env vars aren't split
	// by "_". Our env var names don't contain ".", so they stay flat.
	if err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(s)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	// Inject _FILE secrets
	if err := injectFileSecrets(k); err != nil {
		return nil, fmt.Errorf("inject file secrets: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Post-process comma-separated list fields that koanf won't split automatically
	cfg.TrackOrigins = splitCSV(k.String("track_origins"))
	cfg.HomeCountries = splitCSV(k.String("home_countries"))
	cfg.HighRiskKeywords = splitCSV(k.String("high_risk_keywords"))

	// Strip Docker env-file quoting from all string values
	cfg.sanitise()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and semantic constraints.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("LISTEN_ADDR is required")
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of trace,debug,info,warn,error,fatal,panic; got %q", c.LogLevel)
	}

	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text; got %q", c.LogFormat)
	}

	if c.GeoTimeout <= 0 {
		return fmt.Errorf("GEO_TIMEOUT must be > 0; got %s", c.GeoTimeout)
	}
	if c.GeoCacheSize < 1 {
		return fmt.Errorf("GEO_CACHE_SIZE must be >= 1; got %d", c.GeoCacheSize)
	}

	if c.IdentityCapacity < 1 {
		return fmt.Errorf("IDENTITY_CAPACITY must be >= 1; got %d", c.IdentityCapacity)
	}
	if c.EventLogCapacity < 1 {
		return fmt.Errorf("EVENTLOG_CAPACITY must be >= 1; got %d", c.EventLogCapacity)
	}

	if c.NotifyWorkers < 1 || c.NotifyWorkers > 64 {
		return fmt.Errorf("NOTIFY_WORKERS must be 1–64; got %d", c.NotifyWorkers)
	}
	if c.NotifyQueueDepth < 1 {
		return fmt.Errorf("NOTIFY_QUEUE_DEPTH must be >= 1; got %d", c.NotifyQueueDepth)
	}

	if c.JanitorInterval <= 0 {
		return fmt.Errorf("JANITOR_INTERVAL must be > 0; got %s", c.JanitorInterval)
	}

	if len(c.TrackOrigins) == 0 {
		return fmt.Errorf("TRACK_ORIGINS must list at least one origin (or *)")
	}

	return nil
}

// injectFileSecrets reads _FILE env vars and injects their file contents.
var fileSecretKeys = []string{
	"admin_token",
}

func injectFileSecrets(k *koanf.Koanf) error {
	for _, key := range fileSecretKeys {
		fileKey := key + "_file"
		filePath := k.String(fileKey)
		if filePath == "" {
			// Also check uppercased env var with _FILE suffix
			envKey := strings.ToUpper(key) + "_FILE"
			filePath = os.Getenv(envKey)
		}
		if filePath == "" {
			continue
		}
		// Strip quotes from file path in case it was quoted in Docker --env-file
		filePath = stripEnvQuotes(filePath)
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("reading secret file for %s (%s): %w", key, filePath, err)
		}
		val := strings.TrimSpace(string(content))
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("setting %s from file: %w", key, err)
		}
	}
	return nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// rawProvider implements koanf.Provider for a map[string]interface{}.
type rawProvider struct {
	data map[string]interface{}
}

// Read returns the config map directly (no Parser needed).
func (r *rawProvider) Read() (map[string]interface{}, error) {
	return r.data, nil
}

// ReadBytes is not used by rawProvider; koanf calls Read() when no Parser is given.
func (r *rawProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("rawProvider does not support ReadBytes")
}
