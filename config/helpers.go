package config

import "strings"

// Policy accessors read the opaque governance policy without panicking on
// unexpected shapes. A key may be a dotted path into nested maps
// ("swap_window.max"). A missing key or a value of the wrong type yields the
// default.

// Lookup returns the raw value at key.
func Lookup(cfg map[string]any, key string) (any, bool) {
	current := cfg
	parts := strings.Split(key, ".")
	for i, part := range parts {
		val, ok := current[part]
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return val, true
		}
		if current, ok = val.(map[string]any); !ok {
			return nil, false
		}
	}
	return nil, false
}

// HasKey reports whether key is present.
func HasKey(cfg map[string]any, key string) bool {
	_, ok := Lookup(cfg, key)
	return ok
}

func get[T any](cfg map[string]any, key string, defaultVal T) T {
	if val, ok := Lookup(cfg, key); ok {
		if v, ok := val.(T); ok {
			return v
		}
	}
	return defaultVal
}

// GetString reads a string.
func GetString(cfg map[string]any, key string, defaultVal string) string {
	return get(cfg, key, defaultVal)
}

// GetBool reads a boolean.
func GetBool(cfg map[string]any, key string, defaultVal bool) bool {
	return get(cfg, key, defaultVal)
}

// GetInt reads an integer. JSON numbers arrive as float64 and are truncated.
func GetInt(cfg map[string]any, key string, defaultVal int) int {
	val, ok := Lookup(cfg, key)
	if !ok {
		return defaultVal
	}
	switch v := val.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return defaultVal
}

// GetStringSlice reads a list of strings. Decoded documents produce []any;
// a list holding anything but strings yields the default.
func GetStringSlice(cfg map[string]any, key string, defaultVal []string) []string {
	val, ok := Lookup(cfg, key)
	if !ok {
		return defaultVal
	}
	switch v := val.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return defaultVal
			}
			out = append(out, s)
		}
		return out
	}
	return defaultVal
}
