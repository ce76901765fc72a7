package config

import "testing"

func TestDefaultMatchesPolicyDefaults(t *testing.T) {
	cfg := Default()
	if cfg.NREEntries != 32 {
		t.Fatalf("expected NRE default queue length 32, got %d", cfg.NREEntries)
	}
	if cfg.NRERetries != 5 {
		t.Fatalf("expected NRE default retries 5, got %d", cfg.NRERetries)
	}
	if cfg.NRUIntervalMS != 5000 {
		t.Fatalf("expected NRU default interval 5000ms, got %d", cfg.NRUIntervalMS)
	}
}

func TestEnvOverridesDefault(t *testing.T) {
	t.Setenv("JM_DEBUG", "3")
	t.Setenv("JM_PREFETCH", "delta")
	t.Setenv("JM_ASYNCEVICT", "1")
	t.Setenv("JM_SLAVEMEM", "64M")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Debug != 3 {
		t.Fatalf("expected debug=3, got %d", cfg.Debug)
	}
	if cfg.Prefetch != PrefetchDelta {
		t.Fatalf("expected delta prefetch, got %v", cfg.Prefetch)
	}
	if !cfg.AsyncEvict {
		t.Fatal("expected async evict enabled")
	}
	if cfg.SlaveMem != 64<<20 {
		t.Fatalf("expected 64MiB, got %d", cfg.SlaveMem)
	}
}

func TestUnsetEnvLeavesDefault(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Policy != PolicyNRU {
		t.Fatalf("expected default policy nru, got %v", cfg.Policy)
	}
}

func TestInvalidPrefetchIsError(t *testing.T) {
	t.Setenv("JM_PREFETCH", "bogus")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for unrecognized JM_PREFETCH value")
	}
}
