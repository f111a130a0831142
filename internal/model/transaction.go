package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TxState is the lifecycle state of a transaction. Transitions are monotonic
// forward; SETTLING may retry internally without an externally visible change.
type TxState string

const (
	TxSubmitted         TxState = "submitted"
	TxEvaluating        TxState = "evaluating"
	TxConsensusApproved TxState = "consensus_approved"
	TxConsensusRejected TxState = "consensus_rejected"
	TxLiquidityCheck    TxState = "liquidity_check"
	TxSettling          TxState = "settling"
	TxSettled           TxState = "settled"
	TxSettlementFailed  TxState = "settlement_failed"
	TxReconciled        TxState = "reconciled"
)

// validTransitions encodes the forward-only state machine.
var validTransitions = map[TxState][]TxState{
	TxSubmitted:         {TxEvaluating},
	TxEvaluating:        {TxConsensusApproved, TxConsensusRejected},
	TxConsensusApproved: {TxLiquidityCheck},
	TxLiquidityCheck:    {TxSettling, TxConsensusRejected, TxSettlementFailed},
	TxSettling:          {TxSettled, TxSettlementFailed, TxReconciled},
	TxSettled:           {TxReconciled},
	TxSettlementFailed:  {},
	TxConsensusRejected: {},
	TxReconciled:        {},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to TxState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a state admits no further transitions.
func (s TxState) Terminal() bool {
	return len(validTransitions[s]) == 0
}

// Transaction is a proposed transfer moving through the decision pipeline.
// TxID is the caller-supplied idempotency key; resubmitting the same TxID
// replays the recorded outcome instead of re-running the pipeline.
type Transaction struct {
	TxID               string          `json:"tx_id"`
	AgentID            string          `json:"agent_id"`
	CounterpartyRef    string          `json:"counterparty_ref"`
	Amount             decimal.Decimal `json:"amount"`
	Currency           string          `json:"currency"`
	Purpose            string          `json:"purpose"`
	State              TxState         `json:"state"`
	Votes              []Vote          `json:"votes,omitempty"`
	CompositeRiskScore *float64        `json:"composite_risk_score,omitempty"`
	SettlementRef      string          `json:"settlement_ref,omitempty"`
	FailureReason      string          `json:"failure_reason,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Validate checks submission invariants. State-machine invariants are
// enforced by the pipeline, not here.
func (t Transaction) Validate() error {
	if t.TxID == "" {
		return fmt.Errorf("tx_id is required")
	}
	if err := ValidateAgentID(t.AgentID); err != nil {
		return err
	}
	if t.CounterpartyRef == "" {
		return fmt.Errorf("counterparty_ref is required")
	}
	if !t.Amount.IsPositive() {
		return fmt.Errorf("amount must be positive, got %s", t.Amount)
	}
	if len(t.Currency) != 3 {
		return fmt.Errorf("currency must be a 3-letter code, got %q", t.Currency)
	}
	if len(t.Purpose) > 1024 {
		return fmt.Errorf("purpose must be at most 1024 characters")
	}
	return nil
}

// TxLogEntry is one append-only audit record of a state transition.
// Entries are write-once and never deleted.
type TxLogEntry struct {
	TxID       string    `json:"tx_id"`
	AgentID    string    `json:"agent_id"`
	FromState  TxState   `json:"from_state"`
	ToState    TxState   `json:"to_state"`
	Reason     string    `json:"reason,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}
