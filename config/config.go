package config

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/obinexus/gov-clock/errors"
	"github.com/obinexus/gov-clock/manifest"
	"github.com/obinexus/gov-clock/pkg/tlsutil"
	"github.com/obinexus/gov-clock/version"
)

// Config represents the complete runtime configuration
type Config struct {
	Version    string           `json:"version,omitempty"` // Semantic version of the config document
	Resolution ResolutionConfig `json:"resolution"`
	Breaker    BreakerConfig    `json:"breaker"`
	Swap       SwapConfig       `json:"swap"`
	Evolution  EvolutionConfig  `json:"evolution"`
	Health     HealthConfig     `json:"health"`
	Manifests  ManifestsConfig  `json:"manifests"`
	NATS       NATSConfig       `json:"nats"`
	Admin      AdminConfig      `json:"admin"`
	Loader     LoaderConfig     `json:"loader"`

	// Components are instantiated once at startup, after the manifest
	// sources have been read.
	Components []ComponentConfig `json:"components,omitempty"`
}

// ResolutionConfig controls version resolution and load retries
type ResolutionConfig struct {
	DefaultStrategy  version.Strategy  `json:"default_strategy"`
	PreferredSources []manifest.Source `json:"preferred_sources,omitempty"`
	MaxFallbackDepth int               `json:"max_fallback_depth,omitempty"`
	MaxRetryAttempts int               `json:"max_retry_attempts"`
	RetryBackoffMs   int               `json:"retry_backoff_ms"`

	// GovernancePolicy is opaque to the runtime. It is handed to the
	// governance validator on registration and swap.
	GovernancePolicy map[string]any `json:"governance_policy,omitempty"`
}

// RetryBackoff returns the initial load retry delay.
func (r ResolutionConfig) RetryBackoff() time.Duration {
	return time.Duration(r.RetryBackoffMs) * time.Millisecond
}

// BreakerConfig controls the per-component circuit breakers
type BreakerConfig struct {
	Enabled          bool     `json:"enable_circuit_breaker"`
	Threshold        int      `json:"circuit_breaker_threshold"`
	SuccessThreshold int      `json:"success_threshold,omitempty"`
	OpenBackoff      Duration `json:"open_backoff,omitempty"`
	HalfOpenBackoff  Duration `json:"half_open_backoff,omitempty"`
}

// SwapConfig controls hot-swap timeouts and automatic swap rate
type SwapConfig struct {
	QuiesceTimeout Duration `json:"quiesce_timeout"`
	DefaultBudget  Duration `json:"default_budget"`
	AutomaticRate  float64  `json:"automatic_rate,omitempty"` // swaps per second, 0 = unlimited
	AutomaticBurst int      `json:"automatic_burst,omitempty"`
}

// EvolutionConfig controls evolution history retention
type EvolutionConfig struct {
	HistoryCapacity int `json:"history_capacity"`
}

// HealthConfig holds the defaults for component health checks
type HealthConfig struct {
	Interval Duration `json:"interval"`
	Timeout  Duration `json:"timeout"`
}

// ManifestsConfig controls manifest intake
type ManifestsConfig struct {
	Directory       string          `json:"directory,omitempty"`
	Source          manifest.Source `json:"source"` // trust tier for manifests read from Directory
	ValidateSchema  bool            `json:"validate_schema"`
	RequireChecksum bool            `json:"require_checksum,omitempty"`
	TrustedKeys     []string        `json:"trusted_keys,omitempty"` // hex ed25519 public keys
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URL           string   `json:"url,omitempty"`
	SubjectPrefix string   `json:"subject_prefix,omitempty"`
	KVBucket      string   `json:"kv_bucket,omitempty"`
	MaxReconnects int      `json:"max_reconnects,omitempty"`
	ReconnectWait Duration `json:"reconnect_wait,omitempty"`
	Username      string   `json:"username,omitempty"`
	Password      string   `json:"password,omitempty"`
	Token         string   `json:"token,omitempty"`

	TLS tlsutil.ClientConfig `json:"tls,omitempty"`
}

// Enabled reports whether a NATS connection is configured.
func (n NATSConfig) Enabled() bool {
	return n.URL != ""
}

// AdminConfig configures the admin HTTP surface
type AdminConfig struct {
	Addr string `json:"addr,omitempty"` // empty disables the admin server

	TLS tlsutil.ServerConfig `json:"tls,omitempty"`
}

// LoaderConfig selects where component units come from
type LoaderConfig struct {
	// PluginDir holds units built with -buildmode=plugin. Empty keeps the
	// in-process registry.
	PluginDir string `json:"plugin_dir,omitempty"`
}

// ComponentConfig names a component to start
type ComponentConfig struct {
	ID       string           `json:"id"`
	Version  string           `json:"version"`
	Strategy version.Strategy `json:"strategy,omitempty"` // default exact_match
}

// Default returns the configuration used when no layer overrides a field.
func Default() *Config {
	return &Config{
		Resolution: ResolutionConfig{
			DefaultStrategy:  version.Compatible,
			PreferredSources: slices.Clone(manifest.DefaultSourcePreference),
			MaxFallbackDepth: 4,
			MaxRetryAttempts: 3,
			RetryBackoffMs:   100,
		},
		Breaker: BreakerConfig{
			Enabled:          true,
			Threshold:        5,
			SuccessThreshold: 3,
			OpenBackoff:      Duration(30 * time.Second),
			HalfOpenBackoff:  Duration(60 * time.Second),
		},
		Swap: SwapConfig{
			QuiesceTimeout: Duration(5 * time.Second),
			DefaultBudget:  Duration(10 * time.Second),
			AutomaticBurst: 1,
		},
		Evolution: EvolutionConfig{
			HistoryCapacity: 64,
		},
		Health: HealthConfig{
			Interval: Duration(30 * time.Second),
			Timeout:  Duration(5 * time.Second),
		},
		Manifests: ManifestsConfig{
			Source:         manifest.LocalCache,
			ValidateSchema: true,
		},
		NATS: NATSConfig{
			SubjectPrefix: "govclock.events",
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
		},
	}
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if !c.Resolution.DefaultStrategy.Valid() {
		add("resolution.default_strategy %d is unknown", int(c.Resolution.DefaultStrategy))
	}
	for i, s := range c.Resolution.PreferredSources {
		if s.String() == "unknown" {
			add("resolution.preferred_sources[%d] is unknown", i)
		}
	}
	if c.Resolution.MaxRetryAttempts < 0 || c.Resolution.MaxRetryAttempts > 10 {
		add("resolution.max_retry_attempts must be between 0 and 10, got %d", c.Resolution.MaxRetryAttempts)
	}
	if c.Resolution.RetryBackoffMs < 0 {
		add("resolution.retry_backoff_ms must not be negative")
	}
	if c.Resolution.MaxFallbackDepth < 0 {
		add("resolution.max_fallback_depth must not be negative")
	}

	if c.Breaker.Enabled && c.Breaker.Threshold < 1 {
		add("breaker.circuit_breaker_threshold must be at least 1 when enabled")
	}
	if c.Breaker.SuccessThreshold < 0 {
		add("breaker.success_threshold must not be negative")
	}
	if c.Breaker.OpenBackoff < 0 || c.Breaker.HalfOpenBackoff < 0 {
		add("breaker backoffs must not be negative")
	}

	if c.Swap.QuiesceTimeout <= 0 {
		add("swap.quiesce_timeout must be positive")
	}
	if c.Swap.DefaultBudget <= 0 {
		add("swap.default_budget must be positive")
	}
	if c.Swap.AutomaticRate < 0 {
		add("swap.automatic_rate must not be negative")
	}
	if c.Swap.AutomaticRate > 0 && c.Swap.AutomaticBurst < 1 {
		add("swap.automatic_burst must be at least 1 when a rate is set")
	}

	if c.Evolution.HistoryCapacity < 1 {
		add("evolution.history_capacity must be at least 1")
	}

	if c.Health.Interval <= 0 || c.Health.Timeout <= 0 {
		add("health.interval and health.timeout must be positive")
	} else if c.Health.Timeout > c.Health.Interval {
		add("health.timeout (%s) must not exceed health.interval (%s)", c.Health.Timeout, c.Health.Interval)
	}

	for i, key := range c.Manifests.TrustedKeys {
		if _, err := manifest.ParsePublicKey(key); err != nil {
			add("manifests.trusted_keys[%d]: %v", i, err)
		}
	}

	if c.NATS.SubjectPrefix != "" && !isValidNATSSubjectPart(c.NATS.SubjectPrefix) {
		add("nats.subject_prefix %q is not valid for NATS subjects", c.NATS.SubjectPrefix)
	}
	if c.NATS.KVBucket != "" && c.NATS.URL == "" {
		add("nats.kv_bucket requires nats.url")
	}
	if err := c.NATS.TLS.Validate(); err != nil {
		add("nats.tls: %v", err)
	}
	if err := c.Admin.TLS.Validate(); err != nil {
		add("admin.tls: %v", err)
	}

	seen := make(map[string]bool, len(c.Components))
	for i, comp := range c.Components {
		switch {
		case comp.ID == "":
			add("components[%d].id is required", i)
		case seen[comp.ID]:
			add("components[%d]: %s listed twice", i, comp.ID)
		}
		seen[comp.ID] = true
		if _, err := version.Parse(comp.Version); err != nil {
			add("components[%d].version: %v", i, err)
		}
		if !comp.Strategy.Valid() {
			add("components[%d].strategy %d is unknown", i, int(comp.Strategy))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// isValidNATSSubjectPart checks if a string is valid for use in NATS subjects.
// Valid characters are alphanumeric, dots, dashes, and underscores.
func isValidNATSSubjectPart(s string) bool {
	if len(s) == 0 || strings.HasPrefix(s, ".") || strings.HasSuffix(s, ".") {
		return false
	}

	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) &&
			r != '-' && r != '_' && r != '.' {
			return false
		}
	}
	return true
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return Default()
	}

	// Use JSON marshaling/unmarshaling for deep copy
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}

	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}

	return &clone
}

// SaveToFile saves the configuration to a JSON file
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return safeWriteFile(path, data)
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := c.Clone()
	if masked.NATS.Password != "" {
		masked.NATS.Password = "****"
	}
	if masked.NATS.Token != "" {
		masked.NATS.Token = "****"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{
		config: cfg,
	}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically updates the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "SafeConfig", "Update", "check config")
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}
