// Package engine orchestrates the full decision pipeline: validation,
// per-agent serialization, consensus, liquidity, settlement, and the
// reputation feedback loop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/clearline-hq/clearline/internal/consensus"
	"github.com/clearline-hq/clearline/internal/model"
	"github.com/clearline-hq/clearline/internal/reputation"
	"github.com/clearline-hq/clearline/internal/settlement"
	"github.com/clearline-hq/clearline/internal/store"
)

var tracer = otel.Tracer("clearline/engine")

// Status is the caller-facing outcome of one pipeline run.
type Status string

const (
	StatusSettled  Status = "settled"
	StatusRejected Status = "rejected"
	StatusFailed   Status = "failed"
	// StatusPendingReconciliation means submission succeeded but
	// confirmation outlived the deadline; the reconciler owns it now.
	StatusPendingReconciliation Status = "pending_reconciliation"
	// StatusInFlight is returned for a duplicate tx_id whose first run
	// has not reached a terminal state yet.
	StatusInFlight Status = "in_flight"
)

// Result is what a caller gets back for a submitted transaction,
// including replays of previously decided ones.
type Result struct {
	TxID        string
	Status      Status
	Reason      model.ReasonCode
	Consensus   *model.ConsensusResult
	Settlement  *model.SettlementRecord
	Transaction model.Transaction
}

// LiquidityAllocator is the slice of the treasury allocator the pipeline
// needs. *treasury.Allocator satisfies it.
type LiquidityAllocator interface {
	EnsureLiquidity(ctx context.Context, poolID string, amount decimal.Decimal) error
	Release(ctx context.Context, poolID string, amount decimal.Decimal) error
}

// SettlementExecutor abstracts settlement execution. *settlement.Executor
// satisfies it.
type SettlementExecutor interface {
	Execute(ctx context.Context, req settlement.SubmitRequest) (model.SettlementRecord, error)
}

// SubmissionRecorder observes every evaluated submission so trailing
// signals such as the velocity window stay current. *risk.Aggregator
// satisfies it.
type SubmissionRecorder interface {
	RecordOutcome(ctx context.Context, tx model.Transaction)
}

// Config tunes the pipeline.
type Config struct {
	// PoolID names the treasury pool settlements draw from.
	PoolID string
}

func (c Config) applyDefaults() Config {
	if c.PoolID == "" {
		c.PoolID = "global"
	}
	return c
}

// Pipeline runs transactions through the decision stages. Per-agent
// processing is serialized through a FIFO lease; everything downstream of
// consensus assumes it runs alone for its agent.
type Pipeline struct {
	store     store.Store
	consensus *consensus.Engine
	treasury  LiquidityAllocator
	executor  SettlementExecutor
	outcomes  settlement.OutcomeApplier
	recorder  SubmissionRecorder
	cfg       Config
	lease     *keyedLease
	logger    *slog.Logger
}

// NewPipeline wires the pipeline. outcomes may be nil to disable
// reputation feedback; recorder may be nil when no trailing signals are
// tracked.
func NewPipeline(st store.Store, cons *consensus.Engine, alloc LiquidityAllocator, exec SettlementExecutor, outcomes settlement.OutcomeApplier, recorder SubmissionRecorder, cfg Config, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:     st,
		consensus: cons,
		treasury:  alloc,
		executor:  exec,
		outcomes:  outcomes,
		recorder:  recorder,
		cfg:       cfg.applyDefaults(),
		lease:     newKeyedLease(),
		logger:    logger.With("component", "pipeline"),
	}
}

// Process runs one transaction end to end. A tx_id that was already
// processed replays the recorded outcome without re-running any stage.
// Decided outcomes, including rejections and failures, return a nil
// error; a non-nil error means infrastructure trouble, not a verdict.
func (p *Pipeline) Process(ctx context.Context, tx model.Transaction) (Result, error) {
	ctx, span := tracer.Start(ctx, "engine.process", trace.WithAttributes(
		attribute.String("clearline.tx_id", tx.TxID),
		attribute.String("clearline.agent_id", tx.AgentID),
	))
	defer span.End()

	if err := tx.Validate(); err != nil {
		return Result{
			TxID:   tx.TxID,
			Status: StatusRejected,
			Reason: model.ReasonValidation,
		}, model.NewPipelineError(model.ReasonValidation, err.Error(), err)
	}

	// Cheap replay check before queueing behind the agent's lease.
	if res, ok, err := p.replay(ctx, tx.TxID); err != nil {
		return Result{}, err
	} else if ok {
		return res, nil
	}

	if err := p.lease.Acquire(ctx, tx.AgentID); err != nil {
		return Result{}, fmt.Errorf("engine: acquire agent lease: %w", err)
	}
	defer p.lease.Release(tx.AgentID)

	// A duplicate may have been processed while we waited.
	if res, ok, err := p.replay(ctx, tx.TxID); err != nil {
		return Result{}, err
	} else if ok {
		return res, nil
	}

	agent, _, err := p.store.Load(ctx, tx.AgentID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{TxID: tx.TxID, Status: StatusRejected, Reason: model.ReasonValidation},
			model.NewPipelineError(model.ReasonValidation, "unknown agent "+tx.AgentID, err)
	}
	if err != nil {
		return Result{}, fmt.Errorf("engine: load agent %s: %w", tx.AgentID, err)
	}

	tx.State = model.TxSubmitted
	tx.CreatedAt = time.Now().UTC()
	if err := p.store.SaveTransaction(ctx, tx); err != nil {
		return Result{}, fmt.Errorf("engine: record transaction: %w", err)
	}
	if err := p.advance(ctx, &tx, model.TxEvaluating, ""); err != nil {
		return Result{}, err
	}

	// A frozen agent is blocked outright; no evaluator runs.
	if agent.Status == model.StatusFrozen {
		if err := p.advance(ctx, &tx, model.TxConsensusRejected, string(model.ReasonAgentFrozen)); err != nil {
			return Result{}, err
		}
		return Result{TxID: tx.TxID, Status: StatusRejected, Reason: model.ReasonAgentFrozen, Transaction: tx}, nil
	}

	result, votes := p.consensus.Decide(ctx, tx, agent)
	if p.recorder != nil {
		p.recorder.RecordOutcome(ctx, tx)
	}
	tx.Votes = votes
	for _, v := range votes {
		if v.RiskContribution > 0 {
			score := v.RiskContribution
			tx.CompositeRiskScore = &score
		}
	}

	if result.Decision == model.ConsensusReject {
		if err := p.advance(ctx, &tx, model.TxConsensusRejected, result.Reason); err != nil {
			return Result{}, err
		}
		// Rejections driven by risk or counterparty factors leave the
		// agent's score untouched.
		return Result{
			TxID:        tx.TxID,
			Status:      StatusRejected,
			Reason:      model.ReasonCode(result.Reason),
			Consensus:   &result,
			Transaction: tx,
		}, nil
	}

	if err := p.advance(ctx, &tx, model.TxConsensusApproved, ""); err != nil {
		return Result{}, err
	}
	if err := p.advance(ctx, &tx, model.TxLiquidityCheck, ""); err != nil {
		return Result{}, err
	}

	hold, err := p.placeHold(ctx, tx)
	if err != nil {
		res, aerr := p.blockAtLiquidity(ctx, &tx, err, model.ReasonInsufficientFunds, &result)
		if aerr != nil {
			return Result{}, aerr
		}
		return res, nil
	}

	if err := p.treasury.EnsureLiquidity(ctx, p.cfg.PoolID, tx.Amount); err != nil {
		p.refundHold(ctx, tx.AgentID, hold)
		p.logger.InfoContext(ctx, "liquidity check blocked transaction",
			"tx_id", tx.TxID, "reason", string(model.ReasonOf(err)))
		res, aerr := p.blockAtLiquidity(ctx, &tx, err, model.ReasonLiquidityUnavailable, &result)
		if aerr != nil {
			return Result{}, aerr
		}
		return res, nil
	}

	if err := p.advance(ctx, &tx, model.TxSettling, ""); err != nil {
		return Result{}, err
	}

	rec, err := p.executor.Execute(ctx, settlement.SubmitRequest{
		TxID:            tx.TxID,
		AgentID:         tx.AgentID,
		CounterpartyRef: tx.CounterpartyRef,
		PoolID:          p.cfg.PoolID,
		Amount:          tx.Amount,
		HoldAmount:      hold,
		Currency:        tx.Currency,
	})
	switch {
	case err == nil:
		tx.SettlementRef = rec.ExternalTxRef
		if aerr := p.advance(ctx, &tx, model.TxSettled, ""); aerr != nil {
			return Result{}, aerr
		}
		p.finalizeHold(ctx, tx.AgentID, hold)
		p.applyOutcome(ctx, tx, reputation.OutcomeSettled)
		return Result{
			TxID: tx.TxID, Status: StatusSettled,
			Consensus: &result, Settlement: &rec, Transaction: tx,
		}, nil

	case errors.Is(err, settlement.ErrConfirmationPending):
		// Submission went out; the outcome is the reconciler's to
		// determine. The agent hold and the treasury hold both stand.
		tx.SettlementRef = rec.ExternalTxRef
		if serr := p.store.SaveTransaction(ctx, tx); serr != nil {
			return Result{}, fmt.Errorf("engine: record pending settlement: %w", serr)
		}
		return Result{
			TxID: tx.TxID, Status: StatusPendingReconciliation,
			Consensus: &result, Settlement: &rec, Transaction: tx,
		}, nil

	default:
		reason := model.ReasonOf(err)
		if reason == "" {
			reason = model.ReasonSettlementTerminal
		}
		if aerr := p.advance(ctx, &tx, model.TxSettlementFailed, string(reason)); aerr != nil {
			return Result{}, aerr
		}
		p.refundHold(ctx, tx.AgentID, hold)
		outcome := reputation.OutcomeNeutral
		if settlement.FaultOf(err) == settlement.FaultInsufficientFunds {
			outcome = reputation.OutcomeAgentFault
		}
		p.applyOutcome(ctx, tx, outcome)
		return Result{
			TxID: tx.TxID, Status: StatusFailed, Reason: reason,
			Consensus: &result, Transaction: tx,
		}, nil
	}
}

// blockAtLiquidity records a liquidity-stage failure. A hard verdict is a
// rejection; a retryable fault is recorded as a settlement failure so a
// replay of the same tx_id reports the retryable status the caller first
// saw instead of a terminal rejection.
func (p *Pipeline) blockAtLiquidity(ctx context.Context, tx *model.Transaction, cause error, fallback model.ReasonCode, result *model.ConsensusResult) (Result, error) {
	reason := model.ReasonOf(cause)
	if reason == "" {
		reason = fallback
	}
	status, state := StatusRejected, model.TxConsensusRejected
	if model.IsRetryable(cause) {
		status, state = StatusFailed, model.TxSettlementFailed
	}
	if err := p.advance(ctx, tx, state, string(reason)); err != nil {
		return Result{}, err
	}
	return Result{TxID: tx.TxID, Status: status, Reason: reason, Consensus: result, Transaction: *tx}, nil
}

// placeHold debits the agent's available balance for the transaction. The
// debit is capped at the available balance; the remainder rides on credit.
func (p *Pipeline) placeHold(ctx context.Context, tx model.Transaction) (decimal.Decimal, error) {
	var hold decimal.Decimal
	_, err := store.WithCAS(ctx, p.store, tx.AgentID, func(a *model.Agent) error {
		if tx.Amount.GreaterThan(a.Headroom()) {
			return model.NewPipelineError(model.ReasonInsufficientFunds,
				fmt.Sprintf("amount %s exceeds headroom %s", tx.Amount, a.Headroom()), nil)
		}
		hold = tx.Amount
		if hold.GreaterThan(a.AvailableBalance) {
			hold = a.AvailableBalance
		}
		a.AvailableBalance = a.AvailableBalance.Sub(hold)
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return hold, nil
}

func (p *Pipeline) refundHold(ctx context.Context, agentID string, hold decimal.Decimal) {
	if !hold.IsPositive() {
		return
	}
	if _, err := store.WithCAS(ctx, p.store, agentID, func(a *model.Agent) error {
		a.AvailableBalance = a.AvailableBalance.Add(hold)
		return nil
	}); err != nil {
		p.logger.ErrorContext(ctx, "refund hold failed", "agent_id", agentID, "error", err)
	}
}

// finalizeHold converts the hold into a ledger debit after settlement.
func (p *Pipeline) finalizeHold(ctx context.Context, agentID string, hold decimal.Decimal) {
	if !hold.IsPositive() {
		return
	}
	if _, err := store.WithCAS(ctx, p.store, agentID, func(a *model.Agent) error {
		a.Balance = a.Balance.Sub(hold)
		return nil
	}); err != nil {
		p.logger.ErrorContext(ctx, "finalize hold failed", "agent_id", agentID, "error", err)
	}
}

func (p *Pipeline) applyOutcome(ctx context.Context, tx model.Transaction, outcome reputation.Outcome) {
	if p.outcomes == nil {
		return
	}
	if err := p.outcomes.ApplyOutcome(ctx, tx.AgentID, outcome, tx.Amount); err != nil {
		p.logger.WarnContext(ctx, "reputation update failed", "tx_id", tx.TxID, "error", err)
	}
}

// advance moves the transaction forward one state with an audit entry.
func (p *Pipeline) advance(ctx context.Context, tx *model.Transaction, to model.TxState, reason string) error {
	if !model.CanTransition(tx.State, to) {
		return fmt.Errorf("engine: illegal transition %s -> %s for %s", tx.State, to, tx.TxID)
	}
	entry := model.TxLogEntry{
		TxID:      tx.TxID,
		AgentID:   tx.AgentID,
		FromState: tx.State,
		ToState:   to,
		Reason:    reason,
	}
	if err := p.store.AppendTransition(ctx, entry); err != nil {
		return fmt.Errorf("engine: append transition for %s: %w", tx.TxID, err)
	}
	tx.State = to
	if to == model.TxConsensusRejected || to == model.TxSettlementFailed {
		tx.FailureReason = reason
	}
	if err := p.store.SaveTransaction(ctx, *tx); err != nil {
		return fmt.Errorf("engine: save transaction %s: %w", tx.TxID, err)
	}
	return nil
}

// replay looks up a previously seen tx_id and reconstructs its result.
func (p *Pipeline) replay(ctx context.Context, txID string) (Result, bool, error) {
	existing, err := p.store.GetTransaction(ctx, txID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, fmt.Errorf("engine: replay lookup %s: %w", txID, err)
	}

	res := Result{
		TxID:        existing.TxID,
		Reason:      model.ReasonCode(existing.FailureReason),
		Transaction: existing,
	}
	switch existing.State {
	case model.TxSettled, model.TxReconciled:
		res.Status = StatusSettled
		res.Reason = ""
	case model.TxConsensusRejected:
		res.Status = StatusRejected
	case model.TxSettlementFailed:
		res.Status = StatusFailed
	case model.TxSettling:
		if existing.FailureReason == string(model.ReasonReconciliationBreak) {
			res.Status = StatusFailed
		} else if rec, rerr := p.store.GetSettlement(ctx, txID); rerr == nil && rec.Status == model.SettlementSubmitted {
			res.Status = StatusPendingReconciliation
			res.Settlement = &rec
		} else {
			res.Status = StatusInFlight
		}
	default:
		res.Status = StatusInFlight
	}
	return res, true, nil
}
