package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/clearline-hq/clearline/internal/model"
	"github.com/clearline-hq/clearline/internal/store"
)

// SaveTransaction upserts the transaction snapshot. Votes are stored as a
// JSONB document; they are write-once per transaction so the upsert never
// loses history.
func (db *DB) SaveTransaction(ctx context.Context, tx model.Transaction) error {
	votes, err := json.Marshal(tx.Votes)
	if err != nil {
		return fmt.Errorf("storage: marshal votes for %s: %w", tx.TxID, err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO transactions (tx_id, agent_id, counterparty_ref, amount, currency,
			purpose, state, votes, composite_risk_score, settlement_ref, failure_reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (tx_id) DO UPDATE SET
			state = EXCLUDED.state,
			votes = EXCLUDED.votes,
			composite_risk_score = EXCLUDED.composite_risk_score,
			settlement_ref = EXCLUDED.settlement_ref,
			failure_reason = EXCLUDED.failure_reason,
			updated_at = now()`,
		tx.TxID, tx.AgentID, tx.CounterpartyRef, tx.Amount.String(), tx.Currency,
		tx.Purpose, string(tx.State), votes, tx.CompositeRiskScore,
		tx.SettlementRef, tx.FailureReason,
	)
	if err != nil {
		return fmt.Errorf("storage: save transaction %s: %w", tx.TxID, err)
	}
	return nil
}

// GetTransaction returns one transaction with its recorded votes.
func (db *DB) GetTransaction(ctx context.Context, txID string) (model.Transaction, error) {
	var tx model.Transaction
	var amount string
	var votes []byte
	err := db.pool.QueryRow(ctx,
		`SELECT tx_id, agent_id, counterparty_ref, amount::text, currency, purpose,
			state, votes, composite_risk_score, settlement_ref, failure_reason,
			created_at, updated_at
		 FROM transactions WHERE tx_id = $1`, txID).
		Scan(&tx.TxID, &tx.AgentID, &tx.CounterpartyRef, &amount, &tx.Currency,
			&tx.Purpose, &tx.State, &votes, &tx.CompositeRiskScore,
			&tx.SettlementRef, &tx.FailureReason, &tx.CreatedAt, &tx.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Transaction{}, store.ErrNotFound
	}
	if err != nil {
		return model.Transaction{}, fmt.Errorf("storage: get transaction %s: %w", txID, err)
	}
	if tx.Amount, err = decimal.NewFromString(amount); err != nil {
		return model.Transaction{}, fmt.Errorf("storage: parse amount: %w", err)
	}
	if err := json.Unmarshal(votes, &tx.Votes); err != nil {
		return model.Transaction{}, fmt.Errorf("storage: unmarshal votes for %s: %w", txID, err)
	}
	return tx, nil
}

// AppendTransition records one state transition in the append-only log.
func (db *DB) AppendTransition(ctx context.Context, entry model.TxLogEntry) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO tx_transitions (tx_id, agent_id, from_state, to_state, reason)
		 VALUES ($1, $2, $3, $4, $5)`,
		entry.TxID, entry.AgentID, string(entry.FromState), string(entry.ToState), entry.Reason,
	)
	if err != nil {
		return fmt.Errorf("storage: append transition for %s: %w", entry.TxID, err)
	}
	return nil
}

// ListTransitions returns a transaction's transitions in recorded order.
func (db *DB) ListTransitions(ctx context.Context, txID string) ([]model.TxLogEntry, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT tx_id, agent_id, from_state, to_state, reason, recorded_at
		 FROM tx_transitions WHERE tx_id = $1 ORDER BY id ASC`, txID)
	if err != nil {
		return nil, fmt.Errorf("storage: list transitions for %s: %w", txID, err)
	}
	defer rows.Close()

	var out []model.TxLogEntry
	for rows.Next() {
		var e model.TxLogEntry
		if err := rows.Scan(&e.TxID, &e.AgentID, &e.FromState, &e.ToState, &e.Reason, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("storage: scan transition: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
