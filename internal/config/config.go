// Package config handles configuration loading from TOML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the root configuration structure.
type Config struct {
	DefaultProvider string                    `toml:"default_provider"`
	Providers       map[string]ProviderConfig `toml:"providers"`
	Cache           CacheConfig               `toml:"cache"`
	Subagent        SubagentConfig            `toml:"subagent"`
	Compaction      CompactionConfig          `toml:"compaction"`
	Review          ReviewConfig              `toml:"review"`
}

// SubagentConfig holds subagent supervisor settings.
type SubagentConfig struct {
	MaxDepth      int `toml:"max_depth"`
	MaxConcurrent int `toml:"max_concurrent"`
}

// MaxDepthOrDefault returns the configured max depth or 1 if unset.
func (s SubagentConfig) MaxDepthOrDefault() int {
	if s.MaxDepth <= 0 {
		return 1
	}
	return s.MaxDepth
}

// MaxConcurrentOrDefault returns the configured concurrency cap or 2 if unset.
func (s SubagentConfig) MaxConcurrentOrDefault() int {
	if s.MaxConcurrent <= 0 {
		return 2
	}
	return s.MaxConcurrent
}

// CompactionConfig holds history-compaction thresholds.
type CompactionConfig struct {
	// TokenThreshold triggers compaction (inline, or staged when Staged is
	// set) once the session's running token estimate reaches it.
	TokenThreshold int `toml:"token_threshold"`
	// Staged selects the staged (segment-by-segment) algorithm instead of
	// the inline single-summary one.
	Staged bool `toml:"staged"`
}

// TokenThresholdOrDefault returns the configured threshold or 120000 if unset.
func (c CompactionConfig) TokenThresholdOrDefault() int {
	if c.TokenThreshold <= 0 {
		return 120000
	}
	return c.TokenThreshold
}

// ReviewConfig holds branch-review chunking limits.
type ReviewConfig struct {
	SmallFilesCap           int `toml:"small_files_cap"`
	LargeFilesCap           int `toml:"large_files_cap"`
	LargeFileThresholdLines int `toml:"large_file_threshold_lines"`
	MaxLines                int `toml:"max_lines"`
}

// Defaults fills zero fields with the teacher-derived default chunk limits.
func (r ReviewConfig) Defaults() ReviewConfig {
	if r.SmallFilesCap <= 0 {
		r.SmallFilesCap = 20
	}
	if r.LargeFilesCap <= 0 {
		r.LargeFilesCap = 4
	}
	if r.LargeFileThresholdLines <= 0 {
		r.LargeFileThresholdLines = 500
	}
	if r.MaxLines <= 0 {
		r.MaxLines = 4000
	}
	return r
}

// CacheConfig holds web cache settings.
type CacheConfig struct {
	TTLHours int `toml:"ttl_hours"`
}

// CacheTTLOrDefault returns the configured TTL or 24 hours if unset.
func (c CacheConfig) CacheTTLOrDefault() int {
	if c.TTLHours <= 0 {
		return 24
	}
	return c.TTLHours
}

// ProviderConfig holds LLM provider settings.
type ProviderConfig struct {
	Endpoint    string  `toml:"endpoint"`
	Model       string  `toml:"model"`
	Temperature float64 `toml:"temperature"`
	MaxTokens   int     `toml:"max_tokens"`
}

// MaxTokensOrDefault returns the configured max output tokens, or fallback if
// unset or non-positive.
func (p ProviderConfig) MaxTokensOrDefault(fallback int) int {
	if p.MaxTokens <= 0 {
		return fallback
	}
	return p.MaxTokens
}

// Load reads configuration from a TOML file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Providers: make(map[string]ProviderConfig),
	}

	// Config file is required
	if path == "" {
		return nil, fmt.Errorf("config path is required")
	}

	// File must exist
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	// Load from file
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate returns an error if the configuration is invalid.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Providers) == 0 {
		errs = append(errs, errors.New("providers: at least one provider must be configured"))
	} else {
		for name, providerCfg := range c.Providers {
			errs = append(errs, validateProviderConfig(name, providerCfg)...)
		}
	}

	// Validate default provider if specified
	if c.DefaultProvider != "" {
		if _, ok := c.Providers[c.DefaultProvider]; !ok {
			errs = append(errs, fmt.Errorf("default_provider=%q does not exist in providers", c.DefaultProvider))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

func validateProviderConfig(name string, cfg ProviderConfig) []error {
	var errs []error
	if cfg.Endpoint == "" {
		errs = append(errs, fmt.Errorf("providers.%s.endpoint is required", name))
	} else if err := validateEndpoint(cfg.Endpoint); err != nil {
		errs = append(errs, fmt.Errorf("providers.%s.endpoint=%q is invalid: %v", name, cfg.Endpoint, err))
	}

	if cfg.Model == "" {
		errs = append(errs, fmt.Errorf("providers.%s.model is required", name))
	}

	if cfg.Temperature < 0.0 || cfg.Temperature > 2.0 {
		errs = append(errs, fmt.Errorf("providers.%s.temperature=%v must be between 0.0 and 2.0", name, cfg.Temperature))
	}

	return errs
}

func validateEndpoint(value string) error {
	parsed, err := url.Parse(value)
	if err != nil {
		return err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return errors.New("missing scheme or host")
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	for _, setter := range []struct {
		env   string
		apply func(string)
	}{
		{"AGENTCORE_DEFAULT_PROVIDER", func(v string) {
			if v != "" {
				cfg.DefaultProvider = v
			}
		}},
	} {
		setter.apply(os.Getenv(setter.env))
	}
}

// DataDir returns the path to the agentcore data directory (~/.config/agentcore).
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "agentcore"), nil
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", err
	}
	return dir, nil
}
