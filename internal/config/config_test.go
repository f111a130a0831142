package config

import (
	"testing"
	"time"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	if v := envInt("TEST_INT", 0); v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set.
	if v := envInt("TEST_INT_MISSING", 99); v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalidFallsBack(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	if v := envInt("TEST_INT_BAD", 7); v != 7 {
		t.Fatalf("expected fallback 7, got %d", v)
	}
}

func TestEnvFloat(t *testing.T) {
	t.Setenv("TEST_FLOAT", "0.85")
	if v := envFloat("TEST_FLOAT", 0); v != 0.85 {
		t.Fatalf("expected 0.85, got %v", v)
	}
	if v := envFloat("TEST_FLOAT_MISSING", 0.2); v != 0.2 {
		t.Fatalf("expected fallback 0.2, got %v", v)
	}
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	if v := envDuration("TEST_DUR", 0); v != 5*time.Second {
		t.Fatalf("expected 5s, got %s", v)
	}
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	if v := envDuration("TEST_DUR_BAD", time.Minute); v != time.Minute {
		t.Fatalf("expected fallback 1m, got %s", v)
	}
}

func TestEnvList(t *testing.T) {
	t.Setenv("TEST_LIST", "ops-1, ops-2 ,,ops-3")
	got := envList("TEST_LIST")
	want := []string{"ops-1", "ops-2", "ops-3"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestEnvKeyValues(t *testing.T) {
	t.Setenv("TEST_KEYS", "agent-1=hash1,ops-1=hash2,malformed,=nokey")
	got := envKeyValues("TEST_KEYS")
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %v", got)
	}
	if got["agent-1"] != "hash1" || got["ops-1"] != "hash2" {
		t.Fatalf("unexpected entries: %v", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.Rail != "sim" {
		t.Fatalf("expected default rail sim, got %q", cfg.Rail)
	}
	if cfg.Quorum != 0.75 {
		t.Fatalf("expected default quorum 0.75, got %v", cfg.Quorum)
	}
}

func TestValidateEthereumRequiresRPC(t *testing.T) {
	t.Setenv("CLEARLINE_RAIL", "ethereum")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when ETH_RPC_URL is missing")
	}
	t.Setenv("ETH_RPC_URL", "http://localhost:8545")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when ETH_PRIVATE_KEY is missing")
	}
	t.Setenv("ETH_PRIVATE_KEY", "abc123")
	if _, err := Load(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateReserveRatios(t *testing.T) {
	t.Setenv("CLEARLINE_MIN_RESERVE_RATIO", "0.5")
	t.Setenv("CLEARLINE_TARGET_RESERVE_RATIO", "0.2")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when min ratio exceeds target")
	}
}

func TestValidateQuorumRange(t *testing.T) {
	t.Setenv("CLEARLINE_QUORUM", "1.5")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for quorum above 1")
	}
}
