package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearline-hq/clearline/internal/model"
	"github.com/clearline-hq/clearline/internal/store"
	"github.com/clearline-hq/clearline/internal/store/memory"
)

func newAgent(id string, balance int64) model.Agent {
	return model.Agent{
		AgentID:          id,
		Balance:          decimal.NewFromInt(balance),
		AvailableBalance: decimal.NewFromInt(balance),
		CreditLimit:      decimal.NewFromInt(100),
		ReputationScore:  50,
		Tier:             model.TierSilver,
		Status:           model.StatusActive,
	}
}

func TestCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	require.NoError(t, s.CreateAgent(ctx, newAgent("a1", 1000)))

	agent, version, err := s.Load(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
	assert.Equal(t, int64(1), agent.Version)

	newVersion, err := s.CompareAndSwap(ctx, "a1", version, func(a *model.Agent) error {
		a.AvailableBalance = a.AvailableBalance.Sub(decimal.NewFromInt(50))
		a.Balance = a.Balance.Sub(decimal.NewFromInt(50))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), newVersion)

	// Stale version fails.
	_, err = s.CompareAndSwap(ctx, "a1", version, func(a *model.Agent) error { return nil })
	assert.ErrorIs(t, err, store.ErrVersionConflict)

	// Mutations that break invariants are rejected and leave state intact.
	_, err = s.CompareAndSwap(ctx, "a1", newVersion, func(a *model.Agent) error {
		a.AvailableBalance = a.Balance.Add(decimal.NewFromInt(1))
		return nil
	})
	assert.Error(t, err)
	reloaded, v, err := s.Load(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
	assert.True(t, reloaded.AvailableBalance.Equal(decimal.NewFromInt(950)))
}

func TestCASConcurrentDebits(t *testing.T) {
	// 20 goroutines each debit 10 from a 100 balance via the retry helper;
	// available balance must never go negative and exactly 10 must succeed.
	ctx := context.Background()
	s := memory.New()
	require.NoError(t, s.CreateAgent(ctx, newAgent("a1", 100)))

	debit := decimal.NewFromInt(10)
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				_, version, err := s.Load(ctx, "a1")
				if err != nil {
					return
				}
				_, err = s.CompareAndSwap(ctx, "a1", version, func(a *model.Agent) error {
					if a.AvailableBalance.LessThan(debit) {
						return errors.New("insufficient")
					}
					a.AvailableBalance = a.AvailableBalance.Sub(debit)
					a.Balance = a.Balance.Sub(debit)
					return nil
				})
				if err == nil {
					mu.Lock()
					succeeded++
					mu.Unlock()
					return
				}
				if !errors.Is(err, store.ErrVersionConflict) {
					return
				}
			}
		}()
	}
	wg.Wait()

	agent, _, err := s.Load(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 10, succeeded)
	assert.True(t, agent.AvailableBalance.Equal(decimal.Zero), "got %s", agent.AvailableBalance)
	assert.False(t, agent.AvailableBalance.IsNegative())
}

func TestWithCASExhaustion(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	require.NoError(t, s.CreateAgent(ctx, newAgent("a1", 100)))

	// conflictStore wraps the memory store and forces version conflicts.
	cs := &conflictStore{Store: s}
	_, err := store.WithCAS(ctx, cs, "a1", func(a *model.Agent) error { return nil })
	require.Error(t, err)
	assert.Equal(t, model.ReasonConcurrentModification, model.ReasonOf(err))
}

type conflictStore struct {
	*memory.Store
}

func (c *conflictStore) CompareAndSwap(ctx context.Context, agentID string, expectedVersion int64, mutate store.Mutation) (int64, error) {
	return 0, store.ErrVersionConflict
}

func TestSettlementIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	rec := model.SettlementRecord{TxID: "tx-1", Status: model.SettlementPending}
	require.NoError(t, s.CreateSettlement(ctx, rec))
	assert.ErrorIs(t, s.CreateSettlement(ctx, rec), store.ErrAlreadyExists)

	rec.Status = model.SettlementConfirmed
	rec.ExternalTxRef = "0xabc"
	require.NoError(t, s.UpdateSettlement(ctx, rec))

	got, err := s.GetSettlement(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, model.SettlementConfirmed, got.Status)

	listed, err := s.ListSettlementsByStatus(ctx, model.SettlementConfirmed, 10)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "tx-1", listed[0].TxID)
}

func TestTransitionLogAppendOnly(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	entries := []model.TxLogEntry{
		{TxID: "tx-1", AgentID: "a1", FromState: model.TxSubmitted, ToState: model.TxEvaluating},
		{TxID: "tx-1", AgentID: "a1", FromState: model.TxEvaluating, ToState: model.TxConsensusApproved},
	}
	for _, e := range entries {
		require.NoError(t, s.AppendTransition(ctx, e))
	}
	got, err := s.ListTransitions(ctx, "tx-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, model.TxEvaluating, got[0].ToState)
	assert.Equal(t, model.TxConsensusApproved, got[1].ToState)
	assert.False(t, got[0].RecordedAt.IsZero())
}
