package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// SettlementStatus is the state of an external settlement execution.
type SettlementStatus string

const (
	SettlementPending   SettlementStatus = "pending"
	SettlementSubmitted SettlementStatus = "submitted"
	SettlementConfirmed SettlementStatus = "confirmed"
	SettlementFailed    SettlementStatus = "failed"
	// SettlementBreak marks a record that stayed ambiguous past the
	// reconciliation age limit. It is out of automation's hands until an
	// operator resolves it.
	SettlementBreak SettlementStatus = "break"
)

// SettlementRecord tracks one on-chain execution attempt chain. TxID is the
// primary key, which is what enforces at-most-one execution per transaction:
// a second Execute for the same TxID finds this record instead of
// resubmitting. PoolID and HoldAmount carry the treasury pool and agent
// hold across process restarts so asynchronous resolution can settle or
// unwind the ledger.
type SettlementRecord struct {
	TxID          string           `json:"tx_id"`
	ExternalTxRef string           `json:"external_tx_ref,omitempty"`
	Status        SettlementStatus `json:"status"`
	PoolID        string           `json:"pool_id,omitempty"`
	HoldAmount    decimal.Decimal  `json:"hold_amount"`
	Attempts      int              `json:"attempts"`
	LastError     string           `json:"last_error,omitempty"`
	LastAttemptAt time.Time        `json:"last_attempt_at"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}
