package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/clearline-hq/clearline/internal/model"
	"github.com/clearline-hq/clearline/internal/store"
)

const settlementColumns = `tx_id, external_tx_ref, status, pool_id, hold_amount::text,
	attempts, last_error, last_attempt_at, created_at, updated_at`

func scanSettlement(row pgx.Row) (model.SettlementRecord, error) {
	var rec model.SettlementRecord
	var lastAttempt *time.Time
	var hold string
	err := row.Scan(&rec.TxID, &rec.ExternalTxRef, &rec.Status, &rec.PoolID, &hold,
		&rec.Attempts, &rec.LastError, &lastAttempt, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return model.SettlementRecord{}, err
	}
	if rec.HoldAmount, err = decimal.NewFromString(hold); err != nil {
		return model.SettlementRecord{}, fmt.Errorf("parse hold_amount: %w", err)
	}
	if lastAttempt != nil {
		rec.LastAttemptAt = *lastAttempt
	}
	return rec, nil
}

// GetSettlement returns the settlement record for a tx_id.
func (db *DB) GetSettlement(ctx context.Context, txID string) (model.SettlementRecord, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+settlementColumns+` FROM settlements WHERE tx_id = $1`, txID)
	rec, err := scanSettlement(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.SettlementRecord{}, store.ErrNotFound
	}
	if err != nil {
		return model.SettlementRecord{}, fmt.Errorf("storage: get settlement %s: %w", txID, err)
	}
	return rec, nil
}

// CreateSettlement inserts a record. The tx_id primary key turns a
// duplicate insert into ErrAlreadyExists, which is what makes concurrent
// executions of one transaction collapse into a single submission.
func (db *DB) CreateSettlement(ctx context.Context, rec model.SettlementRecord) error {
	var lastAttempt *time.Time
	if !rec.LastAttemptAt.IsZero() {
		lastAttempt = &rec.LastAttemptAt
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO settlements (tx_id, external_tx_ref, status, pool_id, hold_amount,
			attempts, last_error, last_attempt_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.TxID, rec.ExternalTxRef, string(rec.Status), rec.PoolID, rec.HoldAmount.String(),
		rec.Attempts, rec.LastError, lastAttempt,
	)
	if isUniqueViolation(err) {
		return store.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("storage: create settlement %s: %w", rec.TxID, err)
	}
	return nil
}

// UpdateSettlement rewrites a record's mutable fields.
func (db *DB) UpdateSettlement(ctx context.Context, rec model.SettlementRecord) error {
	var lastAttempt *time.Time
	if !rec.LastAttemptAt.IsZero() {
		lastAttempt = &rec.LastAttemptAt
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE settlements SET external_tx_ref = $2, status = $3, pool_id = $4,
			hold_amount = $5, attempts = $6, last_error = $7, last_attempt_at = $8,
			updated_at = now()
		 WHERE tx_id = $1`,
		rec.TxID, rec.ExternalTxRef, string(rec.Status), rec.PoolID, rec.HoldAmount.String(),
		rec.Attempts, rec.LastError, lastAttempt,
	)
	if err != nil {
		return fmt.Errorf("storage: update settlement %s: %w", rec.TxID, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListSettlementsByStatus returns records in the given status, oldest first.
func (db *DB) ListSettlementsByStatus(ctx context.Context, status model.SettlementStatus, limit int) ([]model.SettlementRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+settlementColumns+` FROM settlements
		 WHERE status = $1 ORDER BY created_at ASC LIMIT $2`,
		string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list settlements: %w", err)
	}
	defer rows.Close()

	var out []model.SettlementRecord
	for rows.Next() {
		rec, err := scanSettlement(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan settlement: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
