// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64

	// Database settings. Empty DatabaseURL selects the in-memory store,
	// which is only suitable for development and tests.
	DatabaseURL string

	// Redis settings for the velocity tracker. Empty selects the in-memory
	// tracker.
	RedisURL string

	// AMQP settings for the reconciliation queue. Empty selects the
	// in-process queue.
	AMQPURL string

	// JWT settings.
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTExpiration     time.Duration

	// API credentials: agent_id to Argon2id hash, plus the agent IDs that
	// receive operator tokens.
	APIKeyHashes map[string]string
	Operators    []string

	// Settlement rail selection: "sim" or "ethereum".
	Rail          string
	EthRPCURL     string
	EthPrivateKey string
	EthChainID    int64
	EthGasLimit   uint64

	// Yield source. Empty URL selects the simulated source.
	YieldAPIURL string
	YieldAPIKey string

	// Custody provider used by the liquidity evaluator for drift checks.
	// Empty disables the check.
	CustodyURL    string
	CustodyAPIKey string

	// AI risk-scoring service. Empty URL disables the AI signal; the risk
	// evaluator then scores on rules alone.
	RiskAIURL    string
	RiskAIKey    string
	RiskAIBudget time.Duration

	// Treasury pool settings.
	PoolID             string
	TargetReserveRatio float64
	MinReserveRatio    float64
	WithdrawTimeout    time.Duration

	// Consensus settings.
	EvaluatorTimeout time.Duration
	Quorum           float64

	// Currencies the identity evaluator accepts.
	SupportedCurrencies []string

	// Settlement settings.
	SettlementMaxAttempts   int
	SettlementConfirmWithin time.Duration

	// Reconciler settings.
	ReconcilePollInterval time.Duration
	ReconcileMaxAge       time.Duration

	// Reputation settings.
	CreditCeiling int64

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                    envInt("CLEARLINE_PORT", 8080),
		ReadTimeout:             envDuration("CLEARLINE_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:            envDuration("CLEARLINE_WRITE_TIMEOUT", 60*time.Second),
		MaxRequestBodyBytes:     int64(envInt("CLEARLINE_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
		DatabaseURL:             envStr("DATABASE_URL", ""),
		RedisURL:                envStr("REDIS_URL", ""),
		AMQPURL:                 envStr("AMQP_URL", ""),
		JWTPrivateKeyPath:       envStr("CLEARLINE_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:        envStr("CLEARLINE_JWT_PUBLIC_KEY", ""),
		JWTExpiration:           envDuration("CLEARLINE_JWT_EXPIRATION", 24*time.Hour),
		APIKeyHashes:            envKeyValues("CLEARLINE_API_KEYS"),
		Operators:               envList("CLEARLINE_OPERATORS"),
		Rail:                    envStr("CLEARLINE_RAIL", "sim"),
		EthRPCURL:               envStr("ETH_RPC_URL", ""),
		EthPrivateKey:           envStr("ETH_PRIVATE_KEY", ""),
		EthChainID:              int64(envInt("ETH_CHAIN_ID", 0)),
		EthGasLimit:             uint64(envInt("ETH_GAS_LIMIT", 21000)), //nolint:gosec // bounded config value
		YieldAPIURL:             envStr("YIELD_API_URL", ""),
		YieldAPIKey:             envStr("YIELD_API_KEY", ""),
		CustodyURL:              envStr("CUSTODY_URL", ""),
		CustodyAPIKey:           envStr("CUSTODY_API_KEY", ""),
		RiskAIURL:               envStr("RISK_AI_URL", ""),
		RiskAIKey:               envStr("RISK_AI_KEY", ""),
		RiskAIBudget:            envDuration("RISK_AI_BUDGET", 2*time.Second),
		PoolID:                  envStr("CLEARLINE_POOL_ID", "global"),
		TargetReserveRatio:      envFloat("CLEARLINE_TARGET_RESERVE_RATIO", 0.20),
		MinReserveRatio:         envFloat("CLEARLINE_MIN_RESERVE_RATIO", 0.10),
		WithdrawTimeout:         envDuration("CLEARLINE_WITHDRAW_TIMEOUT", 10*time.Second),
		EvaluatorTimeout:        envDuration("CLEARLINE_EVALUATOR_TIMEOUT", 5*time.Second),
		Quorum:                  envFloat("CLEARLINE_QUORUM", 0.75),
		SupportedCurrencies:     envList("CLEARLINE_CURRENCIES"),
		SettlementMaxAttempts:   envInt("CLEARLINE_SETTLEMENT_MAX_ATTEMPTS", 5),
		SettlementConfirmWithin: envDuration("CLEARLINE_SETTLEMENT_CONFIRM_WITHIN", 30*time.Second),
		ReconcilePollInterval:   envDuration("CLEARLINE_RECONCILE_POLL_INTERVAL", 5*time.Second),
		ReconcileMaxAge:         envDuration("CLEARLINE_RECONCILE_MAX_AGE", 15*time.Minute),
		CreditCeiling:           int64(envInt("CLEARLINE_CREDIT_CEILING", 10000)),
		OTELEndpoint:            envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:             envStr("OTEL_SERVICE_NAME", "clearline"),
		LogLevel:                envStr("CLEARLINE_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and consistent.
func (c Config) Validate() error {
	switch c.Rail {
	case "sim":
	case "ethereum":
		if c.EthRPCURL == "" {
			return fmt.Errorf("config: ETH_RPC_URL is required when CLEARLINE_RAIL=ethereum")
		}
		if c.EthPrivateKey == "" {
			return fmt.Errorf("config: ETH_PRIVATE_KEY is required when CLEARLINE_RAIL=ethereum")
		}
	default:
		return fmt.Errorf("config: unknown CLEARLINE_RAIL %q (want sim or ethereum)", c.Rail)
	}
	if c.Quorum <= 0 || c.Quorum > 1 {
		return fmt.Errorf("config: CLEARLINE_QUORUM must be in (0, 1]")
	}
	if c.MinReserveRatio < 0 || c.TargetReserveRatio <= 0 || c.TargetReserveRatio > 1 {
		return fmt.Errorf("config: reserve ratios must satisfy 0 <= min and 0 < target <= 1")
	}
	if c.MinReserveRatio > c.TargetReserveRatio {
		return fmt.Errorf("config: CLEARLINE_MIN_RESERVE_RATIO must not exceed CLEARLINE_TARGET_RESERVE_RATIO")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: CLEARLINE_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if c.CreditCeiling <= 0 {
		return fmt.Errorf("config: CLEARLINE_CREDIT_CEILING must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

// envList parses a comma-separated list, trimming whitespace and dropping
// empty entries.
func envList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// envKeyValues parses "id=value,id=value" pairs. Entries without an equals
// sign are skipped.
func envKeyValues(key string) map[string]string {
	out := make(map[string]string)
	for _, entry := range envList(key) {
		id, val, ok := strings.Cut(entry, "=")
		if !ok || id == "" || val == "" {
			continue
		}
		out[id] = val
	}
	return out
}
