package config

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/obinexus/gov-clock/manifest"
	"github.com/obinexus/gov-clock/version"
)

// DefaultEnvPrefix prefixes environment overrides (GOVCLOCK_NATS_URL, ...).
const DefaultEnvPrefix = "GOVCLOCK"

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		layers:    []string{},
		envPrefix: DefaultEnvPrefix,
		lookupEnv: os.LookupEnv,
	}
}

// AddLayer adds a configuration file layer. Later layers override earlier
// ones key by key.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// SetEnvPrefix changes the environment override prefix.
func (l *Loader) SetEnvPrefix(prefix string) {
	l.envPrefix = strings.TrimSuffix(prefix, "_")
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load loads and merges all configuration layers
func (l *Loader) Load() (*Config, error) {
	merged, err := toMap(Default())
	if err != nil {
		return nil, err
	}

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		merged = deepMergeMaps(merged, raw)
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encode merged config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode merged config: %w", err)
	}

	if err := l.applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	return &cfg, nil
}

// loadRaw reads one layer into a generic map
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	format, err := formatFromPath(path)
	if err != nil {
		return nil, err
	}

	raw := map[string]any{}
	switch format {
	case formatJSON:
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		err = json.Unmarshal(data, &raw)
	case formatYAML:
		err = yaml.Unmarshal(data, &raw)
	case formatTOML:
		err = toml.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return raw, nil
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return out, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := maps.Clone(base)
	if result == nil {
		result = make(map[string]any)
	}

	for k, v := range override {
		if v == nil {
			continue
		}

		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}

		result[k] = v
	}

	return result
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	var firstErr error
	env := func(name string, apply func(string) error) {
		key := l.envPrefix + "_" + name
		val, ok := l.lookupEnv(key)
		if !ok || val == "" {
			return
		}
		err := validateEnvVar(key, val)
		if err == nil {
			err = apply(val)
		}
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("environment override %s: %w", key, err)
		}
	}
	str := func(dst *string) func(string) error {
		return func(v string) error { *dst = v; return nil }
	}
	integer := func(dst *int) func(string) error {
		return func(v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			*dst = n
			return nil
		}
	}

	env("DEFAULT_STRATEGY", func(v string) error {
		s, err := version.ParseStrategy(v)
		if err != nil {
			return err
		}
		cfg.Resolution.DefaultStrategy = s
		return nil
	})
	env("PREFERRED_SOURCES", func(v string) error {
		var sources []manifest.Source
		for _, name := range strings.Split(v, ",") {
			s, err := manifest.ParseSource(name)
			if err != nil {
				return err
			}
			sources = append(sources, s)
		}
		cfg.Resolution.PreferredSources = sources
		return nil
	})
	env("MAX_RETRY_ATTEMPTS", integer(&cfg.Resolution.MaxRetryAttempts))
	env("RETRY_BACKOFF_MS", integer(&cfg.Resolution.RetryBackoffMs))
	env("BREAKER_ENABLED", func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		cfg.Breaker.Enabled = b
		return nil
	})
	env("BREAKER_THRESHOLD", integer(&cfg.Breaker.Threshold))
	env("MANIFEST_DIR", str(&cfg.Manifests.Directory))
	env("PLUGIN_DIR", str(&cfg.Loader.PluginDir))
	env("NATS_URL", str(&cfg.NATS.URL))
	env("NATS_KV_BUCKET", str(&cfg.NATS.KVBucket))
	env("NATS_USERNAME", str(&cfg.NATS.Username))
	env("NATS_PASSWORD", str(&cfg.NATS.Password))
	env("NATS_TOKEN", str(&cfg.NATS.Token))
	env("ADMIN_ADDR", str(&cfg.Admin.Addr))

	return firstErr
}
