package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/clearline-hq/clearline/internal/model"
	"github.com/clearline-hq/clearline/internal/store"
)

// LoadPosition returns one pool's treasury position.
func (db *DB) LoadPosition(ctx context.Context, poolID string) (model.TreasuryPosition, error) {
	var p model.TreasuryPosition
	var liquid, invested string
	err := db.pool.QueryRow(ctx,
		`SELECT pool_id, liquid_balance::text, invested_balance::text,
			target_reserve_ratio, min_reserve_ratio, updated_at
		 FROM treasury_positions WHERE pool_id = $1`, poolID).
		Scan(&p.PoolID, &liquid, &invested, &p.TargetReserveRatio, &p.MinReserveRatio, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.TreasuryPosition{}, store.ErrNotFound
	}
	if err != nil {
		return model.TreasuryPosition{}, fmt.Errorf("storage: load position %s: %w", poolID, err)
	}
	if p.LiquidBalance, err = decimal.NewFromString(liquid); err != nil {
		return model.TreasuryPosition{}, fmt.Errorf("storage: parse liquid_balance: %w", err)
	}
	if p.InvestedBalance, err = decimal.NewFromString(invested); err != nil {
		return model.TreasuryPosition{}, fmt.Errorf("storage: parse invested_balance: %w", err)
	}
	return p, nil
}

// SavePosition upserts a pool position. The allocator is the single writer
// per pool, so the write is unconditional.
func (db *DB) SavePosition(ctx context.Context, pos model.TreasuryPosition) error {
	if err := pos.Validate(); err != nil {
		return err
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO treasury_positions
			(pool_id, liquid_balance, invested_balance, target_reserve_ratio, min_reserve_ratio, updated_at)
		 VALUES ($1, $2, $3, $4, $5, now())
		 ON CONFLICT (pool_id) DO UPDATE SET
			liquid_balance = EXCLUDED.liquid_balance,
			invested_balance = EXCLUDED.invested_balance,
			target_reserve_ratio = EXCLUDED.target_reserve_ratio,
			min_reserve_ratio = EXCLUDED.min_reserve_ratio,
			updated_at = now()`,
		pos.PoolID, pos.LiquidBalance.String(), pos.InvestedBalance.String(),
		pos.TargetReserveRatio, pos.MinReserveRatio,
	)
	if err != nil {
		return fmt.Errorf("storage: save position %s: %w", pos.PoolID, err)
	}
	return nil
}
