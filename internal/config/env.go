// Package config provides environment and file configuration helpers for
// friendwatch commands.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix namespaces every friendwatch environment variable
const EnvPrefix = "FRIENDWATCH_"

// Key returns the prefixed variable name for name
func Key(name string) string {
	return EnvPrefix + name
}

// String returns the variable value, or def when unset or empty.
func String(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// Int returns the variable parsed as an int, or def when unset or invalid.
func Int(key string, def int) int {
	if n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key))); err == nil {
		return n
	}
	return def
}

// Int64 is Int for int64 values.
func Int64(key string, def int64) int64 {
	if n, err := strconv.ParseInt(strings.TrimSpace(os.Getenv(key)), 10, 64); err == nil {
		return n
	}
	return def
}

// Float returns the variable parsed as a float64, or def.
func Float(key string, def float64) float64 {
	if f, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv(key)), 64); err == nil {
		return f
	}
	return def
}

// Bool accepts the strconv.ParseBool spellings.
func Bool(key string, def bool) bool {
	if b, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key))); err == nil {
		return b
	}
	return def
}

// Duration accepts Go duration strings ("500ms", "2s").
func Duration(key string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(os.Getenv(key))); err == nil {
		return d
	}
	return def
}

// List splits a comma-separated variable, dropping empty items.
func List(key string, def []string) []string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
