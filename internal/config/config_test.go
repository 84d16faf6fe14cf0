package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scheduler.Alpha != 1 || cfg.Scheduler.Beta != 2 || cfg.Scheduler.Gamma != 3 {
		t.Fatalf("expected default scheduler weights 1/2/3, got %+v", cfg.Scheduler)
	}
	if cfg.Retry.MaxRetries != 3 || cfg.Retry.BackoffBaseS != 15 || cfg.Retry.BackoffMaxS != 300 {
		t.Fatalf("expected default retry config, got %+v", cfg.Retry)
	}
	if cfg.SLA.MonitorIntervalS != 30 || cfg.SLA.PendingStaleS != 900 {
		t.Fatalf("expected default SLA config, got %+v", cfg.SLA)
	}
	if cfg.Store.Backend != "bbolt" {
		t.Fatalf("expected bbolt as the default store backend, got %q", cfg.Store.Backend)
	}
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	os.Setenv("ORCH_SCHEDULER_ALPHA", "5")
	os.Setenv("ORCH_STORE_BACKEND", "redis")
	defer os.Unsetenv("ORCH_SCHEDULER_ALPHA")
	defer os.Unsetenv("ORCH_STORE_BACKEND")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scheduler.Alpha != 5 {
		t.Fatalf("expected env override to set alpha=5, got %v", cfg.Scheduler.Alpha)
	}
	if cfg.Store.Backend != "redis" {
		t.Fatalf("expected env override to set redis backend, got %q", cfg.Store.Backend)
	}
}

func TestSecondsConvertsFloatToDuration(t *testing.T) {
	if got := Seconds(1.5); got != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s, got %v", got)
	}
}
