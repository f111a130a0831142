package model_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearline-hq/clearline/internal/model"
)

func TestTierForScore(t *testing.T) {
	tests := []struct {
		score float64
		want  model.Tier
	}{
		{0, model.TierBronze},
		{39.9, model.TierBronze},
		{40, model.TierSilver},
		{69.9, model.TierSilver},
		{70, model.TierGold},
		{89.9, model.TierGold},
		{90, model.TierPlatinum},
		{100, model.TierPlatinum},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, model.TierForScore(tt.score), "score %v", tt.score)
	}
}

func TestAgentValidate(t *testing.T) {
	valid := model.Agent{
		AgentID:          "agent-1",
		Balance:          decimal.NewFromInt(1000),
		AvailableBalance: decimal.NewFromInt(800),
		CreditLimit:      decimal.NewFromInt(100),
		ReputationScore:  50,
		Status:           model.StatusActive,
	}
	require.NoError(t, valid.Validate())

	overdrawn := valid
	overdrawn.AvailableBalance = decimal.NewFromInt(1200)
	assert.Error(t, overdrawn.Validate())

	outOfRange := valid
	outOfRange.ReputationScore = 101
	assert.Error(t, outOfRange.Validate())

	badStatus := valid
	badStatus.Status = "suspended"
	assert.Error(t, badStatus.Validate())
}

func TestTransactionValidate(t *testing.T) {
	valid := model.Transaction{
		TxID:            "tx-1",
		AgentID:         "agent-1",
		CounterpartyRef: "merchant-9",
		Amount:          decimal.NewFromInt(50),
		Currency:        "USD",
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*model.Transaction)
	}{
		{"missing tx_id", func(tx *model.Transaction) { tx.TxID = "" }},
		{"missing counterparty", func(tx *model.Transaction) { tx.CounterpartyRef = "" }},
		{"zero amount", func(tx *model.Transaction) { tx.Amount = decimal.Zero }},
		{"negative amount", func(tx *model.Transaction) { tx.Amount = decimal.NewFromInt(-5) }},
		{"bad currency", func(tx *model.Transaction) { tx.Currency = "DOLLARS" }},
		{"bad agent id", func(tx *model.Transaction) { tx.AgentID = "agent one" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := valid
			tt.mutate(&tx)
			assert.Error(t, tx.Validate())
		})
	}
}

func TestStateMachine(t *testing.T) {
	assert.True(t, model.CanTransition(model.TxSubmitted, model.TxEvaluating))
	assert.True(t, model.CanTransition(model.TxEvaluating, model.TxConsensusApproved))
	assert.True(t, model.CanTransition(model.TxEvaluating, model.TxConsensusRejected))
	assert.True(t, model.CanTransition(model.TxConsensusApproved, model.TxLiquidityCheck))
	assert.True(t, model.CanTransition(model.TxLiquidityCheck, model.TxSettling))
	assert.True(t, model.CanTransition(model.TxLiquidityCheck, model.TxConsensusRejected))
	assert.True(t, model.CanTransition(model.TxLiquidityCheck, model.TxSettlementFailed))
	assert.True(t, model.CanTransition(model.TxSettling, model.TxSettled))
	assert.True(t, model.CanTransition(model.TxSettling, model.TxSettlementFailed))
	assert.True(t, model.CanTransition(model.TxSettled, model.TxReconciled))

	// No backwards or skipping transitions.
	assert.False(t, model.CanTransition(model.TxEvaluating, model.TxSubmitted))
	assert.False(t, model.CanTransition(model.TxSubmitted, model.TxSettled))
	assert.False(t, model.CanTransition(model.TxConsensusRejected, model.TxEvaluating))
	assert.False(t, model.CanTransition(model.TxSettled, model.TxSettling))

	for _, terminal := range []model.TxState{model.TxConsensusRejected, model.TxSettlementFailed, model.TxReconciled} {
		assert.True(t, terminal.Terminal(), "state %s", terminal)
	}
	for _, live := range []model.TxState{model.TxSubmitted, model.TxEvaluating, model.TxSettling, model.TxSettled} {
		assert.False(t, live.Terminal(), "state %s", live)
	}
}

func TestTreasuryPosition(t *testing.T) {
	pos := model.TreasuryPosition{
		PoolID:             "global",
		LiquidBalance:      decimal.NewFromInt(200),
		InvestedBalance:    decimal.NewFromInt(800),
		TargetReserveRatio: 0.20,
		MinReserveRatio:    0.10,
	}
	require.NoError(t, pos.Validate())
	assert.InDelta(t, 0.20, pos.ReserveRatio(), 1e-9)

	empty := pos
	empty.LiquidBalance = decimal.Zero
	empty.InvestedBalance = decimal.Zero
	assert.Equal(t, 1.0, empty.ReserveRatio())

	inverted := pos
	inverted.MinReserveRatio = 0.5
	assert.Error(t, inverted.Validate())
}

func TestPipelineErrorClassification(t *testing.T) {
	transient := model.NewPipelineError(model.ReasonSettlementTransient, "nonce conflict", nil)
	assert.True(t, model.IsRetryable(transient))
	assert.Equal(t, model.ReasonSettlementTransient, model.ReasonOf(transient))

	terminal := model.NewPipelineError(model.ReasonSettlementTerminal, "contract revert", nil)
	assert.False(t, model.IsRetryable(terminal))

	assert.Equal(t, model.ReasonCode(""), model.ReasonOf(assert.AnError))
	assert.False(t, model.IsRetryable(assert.AnError))
}
