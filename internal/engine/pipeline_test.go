package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearline-hq/clearline/internal/consensus"
	"github.com/clearline-hq/clearline/internal/evaluator"
	"github.com/clearline-hq/clearline/internal/model"
	"github.com/clearline-hq/clearline/internal/reconcile"
	"github.com/clearline-hq/clearline/internal/reputation"
	"github.com/clearline-hq/clearline/internal/settlement"
	"github.com/clearline-hq/clearline/internal/store/memory"
	"github.com/clearline-hq/clearline/internal/treasury"
)

// stubEval is a scripted evaluator. blocks makes it hang until its
// context expires, which the engine records as an abstention.
type stubEval struct {
	id     string
	vote   model.Vote
	err    error
	blocks bool
}

func (s *stubEval) ID() string { return s.id }

func (s *stubEval) Evaluate(ctx context.Context, tx model.Transaction, agent model.Agent) (model.Vote, error) {
	if s.blocks {
		<-ctx.Done()
		return model.Vote{}, ctx.Err()
	}
	if s.err != nil {
		return model.Vote{}, s.err
	}
	return s.vote, nil
}

func approveEval(id string) *stubEval {
	return &stubEval{id: id, vote: model.Vote{Decision: model.VoteApprove, Confidence: 0.9}}
}

func riskEval(decision model.VoteDecision, composite float64) *stubEval {
	return &stubEval{id: "risk", vote: model.Vote{
		Decision:         decision,
		Confidence:       0.9,
		RiskContribution: composite,
	}}
}

// stubRail is a scripted settlement rail recording submission counts.
type stubRail struct {
	mu        sync.Mutex
	submitErr error
	receipts  []settlement.Receipt
	submits   int
	polls     int
}

func (r *stubRail) Submit(ctx context.Context, req settlement.SubmitRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submits++
	if r.submitErr != nil {
		return "", r.submitErr
	}
	return "ext-" + req.TxID, nil
}

func (r *stubRail) GetReceipt(ctx context.Context, ref string) (settlement.Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.polls
	r.polls++
	if idx >= len(r.receipts) {
		return settlement.Receipt{Status: settlement.ReceiptPending}, nil
	}
	return r.receipts[idx], nil
}

func (r *stubRail) ProbeRail(ctx context.Context) error { return nil }

func (r *stubRail) submitCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.submits
}

// recordingSubmissions counts evaluated submissions per tx_id.
type recordingSubmissions struct {
	mu    sync.Mutex
	txIDs []string
}

func (r *recordingSubmissions) RecordOutcome(ctx context.Context, tx model.Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txIDs = append(r.txIDs, tx.TxID)
}

func (r *recordingSubmissions) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.txIDs...)
}

type fixture struct {
	pipeline *Pipeline
	store    *memory.Store
	rail     *stubRail
	queue    *reconcile.MemoryQueue
	yield    *treasury.SimYieldClient
	recorder *recordingSubmissions
}

// newFixture wires a full pipeline over the in-memory store: real
// consensus, treasury, executor, and reputation components around a
// scripted evaluator set and rail.
func newFixture(t *testing.T, evals []evaluator.Evaluator, rail *stubRail) *fixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	st := memory.New()

	require.NoError(t, st.CreateAgent(context.Background(), model.Agent{
		AgentID:          "agent-1",
		Balance:          decimal.NewFromInt(1000),
		AvailableBalance: decimal.NewFromInt(1000),
		CreditLimit:      decimal.NewFromInt(200),
		ReputationScore:  50,
		Tier:             model.TierSilver,
		Status:           model.StatusActive,
	}))
	require.NoError(t, st.SavePosition(context.Background(), model.TreasuryPosition{
		PoolID:             "global",
		LiquidBalance:      decimal.NewFromInt(2000),
		InvestedBalance:    decimal.NewFromInt(8000),
		TargetReserveRatio: 0.20,
		MinReserveRatio:    0.10,
	}))

	cons, err := consensus.New(evals, consensus.Config{
		EvaluatorTimeout: 50 * time.Millisecond,
		Quorum:           0.75,
	}, logger)
	require.NoError(t, err)

	yield := treasury.NewSimYieldClient(decimal.NewFromInt(8000), 0.04)
	alloc := treasury.NewAllocator(st, yield, treasury.Config{WithdrawTimeout: 100 * time.Millisecond}, logger)

	queue := reconcile.NewMemoryQueue(8)
	exec := settlement.NewExecutor(st, rail, alloc, queue, settlement.Config{
		BackoffBase:   time.Millisecond,
		BackoffFactor: 2,
		MaxAttempts:   3,
		ConfirmPoll:   time.Millisecond,
		ConfirmWithin: 50 * time.Millisecond,
	}, logger)

	updater := reputation.NewUpdater(st, reputation.DefaultConfig(), logger)
	recorder := &recordingSubmissions{}
	p := NewPipeline(st, cons, alloc, exec, updater, recorder, Config{PoolID: "global"}, logger)

	return &fixture{pipeline: p, store: st, rail: rail, queue: queue, yield: yield, recorder: recorder}
}

func allApprove() []evaluator.Evaluator {
	return []evaluator.Evaluator{
		approveEval("identity"),
		riskEval(model.VoteApprove, 0.2),
		approveEval("liquidity"),
		approveEval("settlement"),
	}
}

func submitTx(amount int64) model.Transaction {
	return model.Transaction{
		TxID:            "tx-1",
		AgentID:         "agent-1",
		CounterpartyRef: "merchant-9",
		Amount:          decimal.NewFromInt(amount),
		Currency:        "USD",
		Purpose:         "inventory restock",
	}
}

func TestProcessSettlesUnanimousApproval(t *testing.T) {
	rail := &stubRail{receipts: []settlement.Receipt{{Status: settlement.ReceiptConfirmed, Confirmations: 3}}}
	fx := newFixture(t, allApprove(), rail)

	res, err := fx.pipeline.Process(context.Background(), submitTx(50))
	require.NoError(t, err)
	assert.Equal(t, StatusSettled, res.Status)
	require.NotNil(t, res.Consensus)
	assert.Equal(t, model.ConsensusApprove, res.Consensus.Decision)
	require.NotNil(t, res.Settlement)
	assert.Equal(t, model.SettlementConfirmed, res.Settlement.Status)
	require.NotNil(t, res.Transaction.CompositeRiskScore)
	assert.InDelta(t, 0.2, *res.Transaction.CompositeRiskScore, 1e-9)

	agent, _, err := fx.store.Load(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.True(t, agent.Balance.Equal(decimal.NewFromInt(950)), "balance = %s", agent.Balance)
	assert.True(t, agent.AvailableBalance.Equal(decimal.NewFromInt(950)))
	assert.Greater(t, agent.ReputationScore, 50.0, "a settled transaction lifts the score")

	entries, err := fx.store.ListTransitions(context.Background(), "tx-1")
	require.NoError(t, err)
	var states []model.TxState
	for _, e := range entries {
		states = append(states, e.ToState)
	}
	assert.Equal(t, []model.TxState{
		model.TxEvaluating, model.TxConsensusApproved, model.TxLiquidityCheck,
		model.TxSettling, model.TxSettled,
	}, states)
}

func TestProcessSettlesAtQuorumBoundary(t *testing.T) {
	evals := []evaluator.Evaluator{
		approveEval("identity"),
		riskEval(model.VoteApprove, 0.2),
		approveEval("liquidity"),
		&stubEval{id: "settlement", blocks: true}, // times out, abstains
	}
	rail := &stubRail{receipts: []settlement.Receipt{{Status: settlement.ReceiptConfirmed}}}
	fx := newFixture(t, evals, rail)

	res, err := fx.pipeline.Process(context.Background(), submitTx(50))
	require.NoError(t, err)
	assert.Equal(t, StatusSettled, res.Status, "3 of 4 voting meets a 75%% quorum")
	assert.Equal(t, 1, res.Consensus.AbstainCount)
}

func TestProcessRejectsOnRiskVeto(t *testing.T) {
	evals := []evaluator.Evaluator{
		approveEval("identity"),
		riskEval(model.VoteReject, 0.85),
		approveEval("liquidity"),
		approveEval("settlement"),
	}
	rail := &stubRail{}
	fx := newFixture(t, evals, rail)

	res, err := fx.pipeline.Process(context.Background(), submitTx(5000))
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, model.ReasonConsensusRejected, res.Reason)
	assert.Equal(t, 0, rail.submitCount(), "no settlement may be attempted")

	agent, _, err := fx.store.Load(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.InDelta(t, 50.0, agent.ReputationScore, 1e-9, "a consensus rejection leaves the score alone")
	assert.True(t, agent.AvailableBalance.Equal(decimal.NewFromInt(1000)), "no hold may remain")

	tx, err := fx.store.GetTransaction(context.Background(), "tx-1")
	require.NoError(t, err)
	assert.Equal(t, model.TxConsensusRejected, tx.State)
}

func TestProcessRejectsWhenLiquidityUnavailable(t *testing.T) {
	rail := &stubRail{}
	fx := newFixture(t, allApprove(), rail)

	// Drain the pool: 10 liquid / 90 invested, and a dead yield source.
	require.NoError(t, fx.store.SavePosition(context.Background(), model.TreasuryPosition{
		PoolID:             "global",
		LiquidBalance:      decimal.NewFromInt(10),
		InvestedBalance:    decimal.NewFromInt(90),
		TargetReserveRatio: 0.20,
		MinReserveRatio:    0.10,
	}))
	fx.yield.WithdrawErr = errors.New("protocol paused")

	res, err := fx.pipeline.Process(context.Background(), submitTx(60))
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, model.ReasonLiquidityUnavailable, res.Reason)
	assert.Equal(t, 0, rail.submitCount(), "no funds may move")

	agent, _, err := fx.store.Load(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.True(t, agent.AvailableBalance.Equal(decimal.NewFromInt(1000)), "the hold must be refunded")
	assert.True(t, agent.Balance.Equal(decimal.NewFromInt(1000)))

	tx, err := fx.store.GetTransaction(context.Background(), "tx-1")
	require.NoError(t, err)
	assert.Equal(t, model.TxConsensusRejected, tx.State)
	assert.Equal(t, string(model.ReasonLiquidityUnavailable), tx.FailureReason)
}

func TestProcessLeavesAmbiguousSettlementForReconciliation(t *testing.T) {
	rail := &stubRail{} // receipts stay pending forever
	fx := newFixture(t, allApprove(), rail)

	res, err := fx.pipeline.Process(context.Background(), submitTx(50))
	require.NoError(t, err)
	assert.Equal(t, StatusPendingReconciliation, res.Status)
	assert.Equal(t, 1, rail.submitCount())

	rec, err := fx.store.GetSettlement(context.Background(), "tx-1")
	require.NoError(t, err)
	assert.Equal(t, model.SettlementSubmitted, rec.Status, "ambiguity must not become FAILED")

	task, err := fx.queue.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tx-1", task.TxID)

	// A duplicate submission replays the pending outcome, never resubmits.
	res2, err := fx.pipeline.Process(context.Background(), submitTx(50))
	require.NoError(t, err)
	assert.Equal(t, StatusPendingReconciliation, res2.Status)
	assert.Equal(t, 1, rail.submitCount())
}

func TestProcessReplaysSettledTransaction(t *testing.T) {
	rail := &stubRail{receipts: []settlement.Receipt{{Status: settlement.ReceiptConfirmed}}}
	fx := newFixture(t, allApprove(), rail)

	first, err := fx.pipeline.Process(context.Background(), submitTx(50))
	require.NoError(t, err)
	require.Equal(t, StatusSettled, first.Status)

	second, err := fx.pipeline.Process(context.Background(), submitTx(50))
	require.NoError(t, err)
	assert.Equal(t, StatusSettled, second.Status)
	assert.Equal(t, 1, rail.submitCount(), "replay must not re-run the pipeline")

	agent, _, err := fx.store.Load(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.True(t, agent.Balance.Equal(decimal.NewFromInt(950)), "the debit happens once")
}

func TestProcessRejectsFrozenAgent(t *testing.T) {
	rail := &stubRail{}
	fx := newFixture(t, allApprove(), rail)
	_, err := fx.store.CompareAndSwap(context.Background(), "agent-1", 1, func(a *model.Agent) error {
		a.Status = model.StatusFrozen
		return nil
	})
	require.NoError(t, err)

	res, err := fx.pipeline.Process(context.Background(), submitTx(50))
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, model.ReasonAgentFrozen, res.Reason)
	assert.Equal(t, 0, rail.submitCount())
}

func TestProcessRejectsInvalidTransaction(t *testing.T) {
	rail := &stubRail{}
	fx := newFixture(t, allApprove(), rail)

	tx := submitTx(50)
	tx.Amount = decimal.NewFromInt(-5)
	res, err := fx.pipeline.Process(context.Background(), tx)
	require.Error(t, err)
	assert.Equal(t, model.ReasonValidation, model.ReasonOf(err))
	assert.Equal(t, StatusRejected, res.Status)
}

func TestProcessReportsTransientLiquidityFailureConsistently(t *testing.T) {
	rail := &stubRail{}
	fx := newFixture(t, allApprove(), rail)

	// A thin pool forces a yield withdrawal, and the slow yield source
	// trips the allocator's deadline.
	require.NoError(t, fx.store.SavePosition(context.Background(), model.TreasuryPosition{
		PoolID:             "global",
		LiquidBalance:      decimal.NewFromInt(10),
		InvestedBalance:    decimal.NewFromInt(90),
		TargetReserveRatio: 0.20,
		MinReserveRatio:    0.10,
	}))
	fx.yield.WithdrawDelay = 300 * time.Millisecond

	res, err := fx.pipeline.Process(context.Background(), submitTx(60))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, model.ReasonSettlementTransient, res.Reason)
	assert.Equal(t, 0, rail.submitCount())

	agent, _, err := fx.store.Load(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.True(t, agent.AvailableBalance.Equal(decimal.NewFromInt(1000)), "the hold must be refunded")

	tx, err := fx.store.GetTransaction(context.Background(), "tx-1")
	require.NoError(t, err)
	assert.Equal(t, model.TxSettlementFailed, tx.State)
	assert.Equal(t, string(model.ReasonSettlementTransient), tx.FailureReason)

	// Resubmitting must report the same retryable outcome, not a
	// terminal rejection.
	res2, err := fx.pipeline.Process(context.Background(), submitTx(60))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res2.Status)
	assert.Equal(t, model.ReasonSettlementTransient, res2.Reason)
}

func TestProcessScoresAgentFaultOnRailInsufficientFunds(t *testing.T) {
	rail := &stubRail{submitErr: settlement.TerminalFault(settlement.FaultInsufficientFunds,
		errors.New("insufficient funds for gas * price + value"))}
	fx := newFixture(t, allApprove(), rail)

	res, err := fx.pipeline.Process(context.Background(), submitTx(50))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)

	agent, _, err := fx.store.Load(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Less(t, agent.ReputationScore, 50.0, "an agent-side shortfall drags the score down")
	assert.True(t, agent.AvailableBalance.Equal(decimal.NewFromInt(1000)), "the hold must be refunded")
}

func TestProcessRecordsEvaluatedSubmissions(t *testing.T) {
	rail := &stubRail{receipts: []settlement.Receipt{{Status: settlement.ReceiptConfirmed}}}
	fx := newFixture(t, allApprove(), rail)

	_, err := fx.pipeline.Process(context.Background(), submitTx(50))
	require.NoError(t, err)

	// A replay must not widen the velocity window.
	_, err = fx.pipeline.Process(context.Background(), submitTx(50))
	require.NoError(t, err)
	assert.Equal(t, []string{"tx-1"}, fx.recorder.recorded())

	// A frozen agent never reaches evaluation, so nothing is recorded.
	_, version, err := fx.store.Load(context.Background(), "agent-1")
	require.NoError(t, err)
	_, err = fx.store.CompareAndSwap(context.Background(), "agent-1", version, func(a *model.Agent) error {
		a.Status = model.StatusFrozen
		return nil
	})
	require.NoError(t, err)
	tx := submitTx(10)
	tx.TxID = "tx-2"
	res, err := fx.pipeline.Process(context.Background(), tx)
	require.NoError(t, err)
	require.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, []string{"tx-1"}, fx.recorder.recorded())
}

func TestProcessRecordsRejectedSubmissions(t *testing.T) {
	evals := []evaluator.Evaluator{
		approveEval("identity"),
		riskEval(model.VoteReject, 0.9),
		approveEval("liquidity"),
		approveEval("settlement"),
	}
	fx := newFixture(t, evals, &stubRail{})

	res, err := fx.pipeline.Process(context.Background(), submitTx(50))
	require.NoError(t, err)
	require.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, []string{"tx-1"}, fx.recorder.recorded(),
		"rejected submissions still count toward velocity")
}

func TestProcessSerializesPerAgent(t *testing.T) {
	// Two 700 transfers against 1000 balance + 200 credit: exactly one
	// may settle; the second must fail the headroom check, and the
	// available balance must never go negative.
	var wg sync.WaitGroup
	rail := &stubRail{receipts: []settlement.Receipt{
		{Status: settlement.ReceiptConfirmed},
		{Status: settlement.ReceiptConfirmed},
	}}
	fx := newFixture(t, allApprove(), rail)

	results := make([]Result, 2)
	errs := make([]error, 2)
	for i, txID := range []string{"tx-a", "tx-b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx := submitTx(700)
			tx.TxID = txID
			results[i], errs[i] = fx.pipeline.Process(context.Background(), tx)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	settled, rejected := 0, 0
	for _, res := range results {
		switch res.Status {
		case StatusSettled:
			settled++
		case StatusRejected:
			rejected++
			assert.Equal(t, model.ReasonInsufficientFunds, res.Reason)
		}
	}
	assert.Equal(t, 1, settled)
	assert.Equal(t, 1, rejected)

	agent, _, err := fx.store.Load(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.False(t, agent.AvailableBalance.IsNegative())
	assert.True(t, agent.Balance.Equal(decimal.NewFromInt(300)))
}
