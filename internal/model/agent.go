package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// AgentStatus represents the lifecycle status of an agent account.
type AgentStatus string

const (
	StatusActive AgentStatus = "active"
	StatusFrozen AgentStatus = "frozen"
	StatusClosed AgentStatus = "closed"
)

// Tier is the service tier derived from an agent's reputation score.
type Tier string

const (
	TierBronze   Tier = "bronze"
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierPlatinum Tier = "platinum"
)

// Agent is a versioned account record. All mutations go through the account
// store's CompareAndSwap; Version is the optimistic-concurrency guard.
type Agent struct {
	AgentID          string          `json:"agent_id"`
	Balance          decimal.Decimal `json:"balance"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	CreditLimit      decimal.Decimal `json:"credit_limit"`
	ReputationScore  float64         `json:"reputation_score"`
	Tier             Tier            `json:"tier"`
	Status           AgentStatus     `json:"status"`
	Version          int64           `json:"version"`

	// TxCount and AvgTxAmount summarize settled history; the risk
	// aggregator normalizes amounts against AvgTxAmount and the reputation
	// updater scales its learning rate by TxCount.
	TxCount     int64           `json:"tx_count"`
	AvgTxAmount decimal.Decimal `json:"avg_tx_amount"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TierForScore maps a reputation score to a service tier.
func TierForScore(score float64) Tier {
	switch {
	case score >= 90:
		return TierPlatinum
	case score >= 70:
		return TierGold
	case score >= 40:
		return TierSilver
	default:
		return TierBronze
	}
}

// Headroom returns the total spendable amount: available balance plus credit.
func (a Agent) Headroom() decimal.Decimal {
	return a.AvailableBalance.Add(a.CreditLimit)
}

// Validate checks the agent record invariants.
func (a Agent) Validate() error {
	if a.AgentID == "" {
		return fmt.Errorf("agent_id is required")
	}
	if a.AvailableBalance.GreaterThan(a.Balance) {
		return fmt.Errorf("available_balance %s exceeds balance %s", a.AvailableBalance, a.Balance)
	}
	if a.ReputationScore < 0 || a.ReputationScore > 100 {
		return fmt.Errorf("reputation_score %v outside [0, 100]", a.ReputationScore)
	}
	if a.CreditLimit.IsNegative() {
		return fmt.Errorf("credit_limit must not be negative")
	}
	switch a.Status {
	case StatusActive, StatusFrozen, StatusClosed:
	default:
		return fmt.Errorf("unknown status %q", a.Status)
	}
	return nil
}

// ValidateAgentID checks that an agent ID conforms to the allowed format:
// 1-255 ASCII characters, alphanumeric plus dots, hyphens, underscores, and @.
func ValidateAgentID(id string) error {
	if len(id) == 0 {
		return fmt.Errorf("agent_id is required")
	}
	if len(id) > 255 {
		return fmt.Errorf("agent_id must be at most 255 characters")
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') &&
			c != '.' && c != '-' && c != '_' && c != '@' {
			return fmt.Errorf("agent_id contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}
