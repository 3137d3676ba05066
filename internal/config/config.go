// Package config loads this system's configuration contract: the
// five environment variables spec.md §6 names (API_PORT,
// COLLECTOR_WS_PORT, DB_PATH, REALTIME_RANGE_END_TOLERANCE_MS,
// FLUSH_INTERVAL_MS). Grounded on the teacher's config package's
// struct-of-typed-fields-with-defaults idiom
// (plane/internal/config/config.go's DefaultConfig), adapted from a
// YAML file loader to an env-var loader — see DESIGN.md for why.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is this process's full runtime configuration.
type Config struct {
	APIPort               int
	CollectorWSPort       int
	DBPath                string
	RealtimeRangeEndTol   time.Duration
	FlushInterval         time.Duration
	LogLevel              string
	LogFormat             string
	LogOutputPath         string
}

// DefaultConfig mirrors spec.md §6's stated defaults.
func DefaultConfig() *Config {
	return &Config{
		APIPort:             3001,
		CollectorWSPort:     3002,
		DBPath:              "./stats.db",
		RealtimeRangeEndTol: 120 * time.Second,
		FlushInterval:       5 * time.Second,
		LogLevel:            "info",
		LogFormat:           "console",
		LogOutputPath:       "",
	}
}

// LoadFromEnv fills in DefaultConfig, then overrides each field whose
// environment variable is set, clamping bounds where spec.md §6
// states them (REALTIME_RANGE_END_TOLERANCE_MS min 10000ms).
func LoadFromEnv() *Config {
	cfg := DefaultConfig()

	if v, ok := envInt("API_PORT"); ok {
		cfg.APIPort = v
	}
	if v, ok := envInt("COLLECTOR_WS_PORT"); ok {
		cfg.CollectorWSPort = v
	}
	if v, ok := os.LookupEnv("DB_PATH"); ok && v != "" {
		cfg.DBPath = v
	}
	if v, ok := envInt("REALTIME_RANGE_END_TOLERANCE_MS"); ok {
		if v < 10000 {
			v = 10000
		}
		cfg.RealtimeRangeEndTol = time.Duration(v) * time.Millisecond
	}
	if v, ok := envInt("FLUSH_INTERVAL_MS"); ok && v > 0 {
		cfg.FlushInterval = time.Duration(v) * time.Millisecond
	}
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok && v != "" {
		cfg.LogLevel = v
	}
	if v, ok := os.LookupEnv("LOG_FORMAT"); ok && v != "" {
		cfg.LogFormat = v
	}
	if v, ok := os.LookupEnv("LOG_OUTPUT_PATH"); ok {
		cfg.LogOutputPath = v
	}

	return cfg
}

func envInt(key string) (int, bool) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}
