package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// SourceConfig is the static configuration of one annotation source
type SourceConfig struct {
	Name                    string            `yaml:"name" json:"name"`
	BaseURL                 string            `yaml:"base_url" json:"base_url"`
	RequestsPerSecond       float64           `yaml:"requests_per_second" json:"requests_per_second"`
	MaxRetries              int               `yaml:"max_retries" json:"max_retries"`
	RetryInitialDelay       time.Duration     `yaml:"retry_initial_delay" json:"retry_initial_delay"`
	RetryMaxDelay           time.Duration     `yaml:"retry_max_delay" json:"retry_max_delay"`
	CacheTTL                time.Duration     `yaml:"cache_ttl" json:"cache_ttl"`
	BatchSize               int               `yaml:"batch_size" json:"batch_size"`
	MaxConcurrency          int               `yaml:"max_concurrency" json:"max_concurrency"`
	RequestTimeout          time.Duration     `yaml:"request_timeout" json:"request_timeout"`
	CircuitBreakerThreshold uint32            `yaml:"circuit_breaker_threshold" json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown  time.Duration     `yaml:"circuit_breaker_cooldown" json:"circuit_breaker_cooldown"`
	MaxAge                  time.Duration     `yaml:"max_age" json:"max_age"`
	Active                  *bool             `yaml:"active" json:"active"`
	Options                 map[string]string `yaml:"options" json:"options,omitempty"`
}

// SourcesConfig is the sources file layout
type SourcesConfig struct {
	Sources []SourceConfig `yaml:"sources" json:"sources"`
}

// IsActive reports whether the source takes part in pipeline runs.
// Sources are active unless explicitly disabled.
func (s SourceConfig) IsActive() bool {
	return s.Active == nil || *s.Active
}

// Option returns a source-specific option or the fallback
func (s SourceConfig) Option(key, fallback string) string {
	if value, ok := s.Options[key]; ok && value != "" {
		return value
	}
	return fallback
}

// WithDefaults fills unset tuning knobs
func (s SourceConfig) WithDefaults() SourceConfig {
	if s.RetryInitialDelay == 0 {
		s.RetryInitialDelay = 500 * time.Millisecond
	}
	if s.RetryMaxDelay == 0 {
		s.RetryMaxDelay = 30 * time.Second
	}
	if s.CacheTTL == 0 {
		s.CacheTTL = 24 * time.Hour
	}
	if s.MaxConcurrency == 0 {
		s.MaxConcurrency = 2
	}
	if s.RequestTimeout == 0 {
		s.RequestTimeout = 30 * time.Second
	}
	if s.CircuitBreakerThreshold == 0 {
		s.CircuitBreakerThreshold = 5
	}
	if s.CircuitBreakerCooldown == 0 {
		s.CircuitBreakerCooldown = time.Minute
	}
	return s
}

// Validate validates a single source configuration
func (s SourceConfig) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("source name is required")
	}
	if s.BaseURL == "" {
		return fmt.Errorf("source %s: base_url is required", s.Name)
	}
	if s.RequestsPerSecond <= 0 {
		return fmt.Errorf("source %s: requests_per_second must be positive", s.Name)
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("source %s: max_retries cannot be negative", s.Name)
	}
	// zero leaves the batch size to the source, which uses its upstream limit
	if s.BatchSize < 0 {
		return fmt.Errorf("source %s: batch_size cannot be negative", s.Name)
	}
	if s.MaxConcurrency < 0 {
		return fmt.Errorf("source %s: max_concurrency cannot be negative", s.Name)
	}
	if s.MaxAge < 0 {
		return fmt.Errorf("source %s: max_age cannot be negative", s.Name)
	}
	return nil
}

// LoadSources reads the sources file. Environment variables in the file are
// expanded before parsing.
func LoadSources(path string) (*SourcesConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sources file: %w", err)
	}
	return ParseSources(data)
}

// ParseSources parses, defaults and validates sources file content
func ParseSources(data []byte) (*SourcesConfig, error) {
	var cfg SourcesConfig
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse sources file: %w", err)
	}

	seen := make(map[string]struct{}, len(cfg.Sources))
	for i := range cfg.Sources {
		cfg.Sources[i] = cfg.Sources[i].WithDefaults()
		if err := cfg.Sources[i].Validate(); err != nil {
			return nil, err
		}
		name := strings.ToLower(cfg.Sources[i].Name)
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("source %s declared more than once", cfg.Sources[i].Name)
		}
		seen[name] = struct{}{}
	}

	return &cfg, nil
}

// Get returns the configuration of the named source
func (c *SourcesConfig) Get(name string) (SourceConfig, bool) {
	for _, source := range c.Sources {
		if strings.EqualFold(source.Name, name) {
			return source, true
		}
	}
	return SourceConfig{}, false
}

// Active returns the sources that are not disabled
func (c *SourcesConfig) Active() []SourceConfig {
	var active []SourceConfig
	for _, source := range c.Sources {
		if source.IsActive() {
			active = append(active, source)
		}
	}
	return active
}

func splitAndTrim(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// SplitList splits a comma separated list, dropping blanks
func SplitList(value string) []string {
	return splitAndTrim(value)
}
