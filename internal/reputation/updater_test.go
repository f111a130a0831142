package reputation

import (
	"context"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearline-hq/clearline/internal/model"
	"github.com/clearline-hq/clearline/internal/store/memory"
)

func TestAlphaShrinksWithHistory(t *testing.T) {
	assert.InDelta(t, 0.30, Alpha(0), 1e-9)
	assert.InDelta(t, 0.15, Alpha(20), 1e-9)
	assert.Greater(t, Alpha(5), Alpha(100))
	assert.InDelta(t, 0.05, Alpha(10000), 1e-9, "long history bottoms out at the floor")
}

func TestNextScoreMovesTowardOutcome(t *testing.T) {
	assert.InDelta(t, 65.0, NextScore(50, 100, 0), 1e-9)
	assert.InDelta(t, 42.5, NextScore(50, 0, 20), 1e-9)
	assert.Equal(t, 100.0, NextScore(100, 100, 0))
	assert.Equal(t, 0.0, NextScore(0, 0, 0))
}

func TestNextScoreStaysBounded(t *testing.T) {
	score := 50.0
	for i := range int64(200) {
		score = NextScore(score, 100, i)
		require.LessOrEqual(t, score, 100.0)
		require.GreaterOrEqual(t, score, 0.0)
	}
	score = 50.0
	for i := range int64(200) {
		score = NextScore(score, 0, i)
		require.LessOrEqual(t, score, 100.0)
		require.GreaterOrEqual(t, score, 0.0)
	}
}

func TestNextCreditLimitCaps(t *testing.T) {
	ceiling := decimal.NewFromInt(10000)

	// Perfect score wants 10000 but growth is capped at +10%.
	next := NextCreditLimit(decimal.NewFromInt(1000), ceiling, 100)
	assert.True(t, next.Equal(decimal.NewFromInt(1100)), "next = %s", next)

	// Zero score wants 0 but shrink is capped at -20%.
	next = NextCreditLimit(decimal.NewFromInt(1000), ceiling, 0)
	assert.True(t, next.Equal(decimal.NewFromInt(800)), "next = %s", next)

	// Target inside the band lands exactly on target.
	next = NextCreditLimit(decimal.NewFromInt(1000), ceiling, 10)
	assert.True(t, next.Equal(decimal.NewFromInt(1000)), "next = %s", next)

	// A fresh agent with no limit bootstraps straight at the target.
	next = NextCreditLimit(decimal.Zero, ceiling, 50)
	assert.True(t, next.Equal(decimal.NewFromInt(5000)), "next = %s", next)
}

func seedAgent(t *testing.T, st *memory.Store, score float64, txCount int64) {
	t.Helper()
	err := st.CreateAgent(context.Background(), model.Agent{
		AgentID:          "agent-1",
		Balance:          decimal.NewFromInt(1000),
		AvailableBalance: decimal.NewFromInt(1000),
		CreditLimit:      decimal.NewFromInt(1000),
		ReputationScore:  score,
		Tier:             model.TierForScore(score),
		Status:           model.StatusActive,
		TxCount:          txCount,
	})
	require.NoError(t, err)
}

func newTestUpdater(st *memory.Store) *Updater {
	return NewUpdater(st, DefaultConfig(), slog.New(slog.DiscardHandler))
}

func TestApplyOutcomeSettled(t *testing.T) {
	st := memory.New()
	seedAgent(t, st, 50, 0)
	u := newTestUpdater(st)

	err := u.ApplyOutcome(context.Background(), "agent-1", OutcomeSettled, decimal.NewFromInt(50))
	require.NoError(t, err)

	agent, _, err := st.Load(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.InDelta(t, 65.0, agent.ReputationScore, 1e-9)
	assert.Equal(t, model.TierSilver, agent.Tier)
	assert.True(t, agent.CreditLimit.Equal(decimal.NewFromInt(1100)), "credit = %s", agent.CreditLimit)
	assert.Equal(t, int64(1), agent.TxCount)
	assert.True(t, agent.AvgTxAmount.Equal(decimal.NewFromInt(50)), "avg = %s", agent.AvgTxAmount)
}

func TestApplyOutcomeAgentFault(t *testing.T) {
	st := memory.New()
	err := st.CreateAgent(context.Background(), model.Agent{
		AgentID:          "agent-1",
		Balance:          decimal.NewFromInt(10000),
		AvailableBalance: decimal.NewFromInt(10000),
		CreditLimit:      decimal.NewFromInt(8000),
		ReputationScore:  50,
		Tier:             model.TierSilver,
		Status:           model.StatusActive,
		TxCount:          20,
	})
	require.NoError(t, err)
	u := newTestUpdater(st)

	err = u.ApplyOutcome(context.Background(), "agent-1", OutcomeAgentFault, decimal.NewFromInt(500))
	require.NoError(t, err)

	agent, _, err := st.Load(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.InDelta(t, 42.5, agent.ReputationScore, 1e-9)
	assert.Equal(t, int64(20), agent.TxCount, "failed settlements do not count as history")
	// Target is 4250 but the shrink cap holds the limit at 80% of 8000.
	assert.True(t, agent.CreditLimit.Equal(decimal.NewFromInt(6400)), "credit = %s", agent.CreditLimit)
}

func TestApplyOutcomeNeutralLeavesAgentUntouched(t *testing.T) {
	st := memory.New()
	seedAgent(t, st, 50, 5)
	u := newTestUpdater(st)

	_, before, err := st.Load(context.Background(), "agent-1")
	require.NoError(t, err)

	require.NoError(t, u.ApplyOutcome(context.Background(), "agent-1", OutcomeNeutral, decimal.NewFromInt(10)))

	agent, after, err := st.Load(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, before, after, "neutral outcome must not write")
	assert.InDelta(t, 50.0, agent.ReputationScore, 1e-9)
}

func TestApplyOutcomeRollingAverage(t *testing.T) {
	st := memory.New()
	seedAgent(t, st, 80, 0)
	u := newTestUpdater(st)

	for _, amount := range []int64{100, 200, 300} {
		require.NoError(t, u.ApplyOutcome(context.Background(), "agent-1",
			OutcomeSettled, decimal.NewFromInt(amount)))
	}

	agent, _, err := st.Load(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), agent.TxCount)
	assert.True(t, agent.AvgTxAmount.Equal(decimal.NewFromInt(200)), "avg = %s", agent.AvgTxAmount)
	assert.Equal(t, model.TierPlatinum, agent.Tier, "repeated settlements reach the top tier")
}
