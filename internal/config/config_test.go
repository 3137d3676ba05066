package config

import (
	"testing"
	"time"
)

func TestLoadFromEnvDefaults(t *testing.T) {
	cfg := LoadFromEnv()
	want := DefaultConfig()
	if cfg.APIPort != want.APIPort || cfg.DBPath != want.DBPath || cfg.FlushInterval != want.FlushInterval {
		t.Fatalf("expected defaults when no env vars set, got %+v", cfg)
	}
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("API_PORT", "8080")
	t.Setenv("DB_PATH", "/tmp/custom.db")
	t.Setenv("FLUSH_INTERVAL_MS", "2000")
	t.Setenv("REALTIME_RANGE_END_TOLERANCE_MS", "5000")

	cfg := LoadFromEnv()
	if cfg.APIPort != 8080 {
		t.Fatalf("expected API_PORT override, got %d", cfg.APIPort)
	}
	if cfg.DBPath != "/tmp/custom.db" {
		t.Fatalf("expected DB_PATH override, got %q", cfg.DBPath)
	}
	if cfg.FlushInterval != 2*time.Second {
		t.Fatalf("expected FLUSH_INTERVAL_MS override, got %v", cfg.FlushInterval)
	}
	// Below-minimum tolerance must clamp to 10000ms (spec.md §6: "min
	// 10000").
	if cfg.RealtimeRangeEndTol != 10*time.Second {
		t.Fatalf("expected tolerance clamped to 10s minimum, got %v", cfg.RealtimeRangeEndTol)
	}
}
