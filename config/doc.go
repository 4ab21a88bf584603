// Package config holds the runtime configuration and its layered loader.
//
// A Config starts from Default, is overlaid by zero or more file layers and
// finally by GOVCLOCK_* environment variables:
//
//	loader := config.NewLoader()
//	loader.AddLayer("govclock.yaml")
//	loader.AddLayer("govclock.local.toml")
//	loader.EnableValidation(true)
//	cfg, err := loader.Load()
//
// Layers may be JSON, YAML or TOML, picked by file extension. They are merged
// key by key, so a layer only needs the fields it changes. Durations are
// written as strings ("30s", "2m", "14d").
//
// Sections:
//
//	resolution  default_strategy, preferred_sources, max_retry_attempts,
//	            retry_backoff_ms, max_fallback_depth, governance_policy
//	breaker     enable_circuit_breaker, circuit_breaker_threshold,
//	            success_threshold, open_backoff, half_open_backoff
//	swap        quiesce_timeout, default_budget, automatic_rate, automatic_burst
//	evolution   history_capacity
//	health      interval, timeout
//	manifests   directory, source, validate_schema, require_checksum, trusted_keys
//	nats        url, subject_prefix, kv_bucket, credentials, reconnect settings
//	admin       addr
//
// File reads are bounded in size and path; JSON layers are also checked for
// nesting depth. SafeConfig guards a Config shared between goroutines.
package config
