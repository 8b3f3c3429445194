package config

import (
	"testing"
	"time"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg := LoadServerConfig()

	if cfg.Addr != DefaultAddr {
		t.Fatalf("Addr = %q, want %q", cfg.Addr, DefaultAddr)
	}
	if cfg.PoolMinConns != DefaultPoolMinConns || cfg.PoolMaxConns != DefaultPoolMaxConns {
		t.Fatalf("pool bounds = %d/%d, want %d/%d", cfg.PoolMinConns, cfg.PoolMaxConns, DefaultPoolMinConns, DefaultPoolMaxConns)
	}
	if cfg.AcquireTimeout != DefaultAcquireTimeoutMS*time.Millisecond {
		t.Fatalf("AcquireTimeout = %s", cfg.AcquireTimeout)
	}
	if cfg.PresenceLease != DefaultPresenceLeaseSec*time.Second {
		t.Fatalf("PresenceLease = %s", cfg.PresenceLease)
	}
}

func TestLoadServerConfigOverrides(t *testing.T) {
	t.Setenv("NOTIFIER_ADDR", ":9999")
	t.Setenv("POOL_MAX_CONNS", "32")
	t.Setenv("RATE_EVENTS_PER_SECOND", "5")
	t.Setenv("CLUSTER_WORKERS", "4")

	cfg := LoadServerConfig()
	if cfg.Addr != ":9999" {
		t.Fatalf("Addr = %q, want :9999", cfg.Addr)
	}
	if cfg.PoolMaxConns != 32 {
		t.Fatalf("PoolMaxConns = %d, want 32", cfg.PoolMaxConns)
	}
	if cfg.EventsPerSecond != 5 {
		t.Fatalf("EventsPerSecond = %d, want 5", cfg.EventsPerSecond)
	}
	if cfg.ClusterWorkers != 4 {
		t.Fatalf("ClusterWorkers = %d, want 4", cfg.ClusterWorkers)
	}
}

func TestValidateNormalizesBadValues(t *testing.T) {
	cfg := ServerConfig{PoolMinConns: 10, PoolMaxConns: 2, ClusterWorkers: -1}
	cfg.Validate()

	if cfg.PoolMinConns > cfg.PoolMaxConns {
		t.Fatalf("min %d exceeds max %d after validation", cfg.PoolMinConns, cfg.PoolMaxConns)
	}
	if cfg.ClusterWorkers != DefaultClusterWorkers {
		t.Fatalf("ClusterWorkers = %d, want %d", cfg.ClusterWorkers, DefaultClusterWorkers)
	}
	if cfg.AcquireTimeout <= 0 {
		t.Fatal("AcquireTimeout not normalized")
	}
}

func TestGetHelpers(t *testing.T) {
	t.Setenv("TEST_INT", "not-a-number")
	if got := GetInt("TEST_INT", 7); got != 7 {
		t.Fatalf("GetInt fallback = %d, want 7", got)
	}
	t.Setenv("TEST_SECONDS", "3")
	if got := GetSeconds("TEST_SECONDS", 10); got != 3*time.Second {
		t.Fatalf("GetSeconds = %s, want 3s", got)
	}
	if got := GetMillis("TEST_MISSING_MS", 250); got != 250*time.Millisecond {
		t.Fatalf("GetMillis fallback = %s, want 250ms", got)
	}
}
