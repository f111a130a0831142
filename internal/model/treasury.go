package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TreasuryPosition tracks one pool's split between liquid funds and funds
// invested in a yield source. Mutated only by the treasury allocator, which
// is the single writer per pool.
type TreasuryPosition struct {
	PoolID             string          `json:"pool_id"`
	LiquidBalance      decimal.Decimal `json:"liquid_balance"`
	InvestedBalance    decimal.Decimal `json:"invested_balance"`
	TargetReserveRatio float64         `json:"target_reserve_ratio"`
	MinReserveRatio    float64         `json:"min_reserve_ratio"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// ReserveRatio returns liquid / (liquid + invested). An empty pool reports
// a full reserve.
func (p TreasuryPosition) ReserveRatio() float64 {
	total := p.LiquidBalance.Add(p.InvestedBalance)
	if total.IsZero() {
		return 1
	}
	ratio, _ := p.LiquidBalance.Div(total).Float64()
	return ratio
}

// Validate checks the reserve-ratio invariant and balance signs.
func (p TreasuryPosition) Validate() error {
	if p.PoolID == "" {
		return fmt.Errorf("pool_id is required")
	}
	if p.LiquidBalance.IsNegative() || p.InvestedBalance.IsNegative() {
		return fmt.Errorf("pool balances must not be negative")
	}
	if p.MinReserveRatio < 0 || p.MinReserveRatio > 1 || p.TargetReserveRatio < 0 || p.TargetReserveRatio > 1 {
		return fmt.Errorf("reserve ratios must be within [0, 1]")
	}
	if p.MinReserveRatio > p.TargetReserveRatio {
		return fmt.Errorf("min_reserve_ratio %v exceeds target_reserve_ratio %v", p.MinReserveRatio, p.TargetReserveRatio)
	}
	return nil
}
