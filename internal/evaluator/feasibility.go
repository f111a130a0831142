package evaluator

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clearline-hq/clearline/internal/model"
)

// RailProber reports whether the settlement rail is currently reachable.
// The on-chain settlement client implements it.
type RailProber interface {
	ProbeRail(ctx context.Context) error
}

// FeasibilityEvaluator is the clearing-side evaluator: it verifies the
// settlement rail is reachable and the amount is within rail limits before
// any funds are committed.
type FeasibilityEvaluator struct {
	id        string
	prober    RailProber
	minAmount decimal.Decimal
	maxAmount decimal.Decimal
}

// NewFeasibilityEvaluator creates the settlement-feasibility evaluator.
// maxAmount of zero means no upper limit.
func NewFeasibilityEvaluator(prober RailProber, minAmount, maxAmount decimal.Decimal) *FeasibilityEvaluator {
	return &FeasibilityEvaluator{id: "settlement", prober: prober, minAmount: minAmount, maxAmount: maxAmount}
}

func (e *FeasibilityEvaluator) ID() string { return e.id }

func (e *FeasibilityEvaluator) Evaluate(ctx context.Context, tx model.Transaction, agent model.Agent) (model.Vote, error) {
	if tx.Amount.LessThan(e.minAmount) {
		return model.Vote{
			EvaluatorID: e.id,
			Decision:    model.VoteReject,
			Confidence:  1,
			Reasoning:   fmt.Sprintf("amount %s below rail minimum %s", tx.Amount, e.minAmount),
			RecordedAt:  time.Now().UTC(),
		}, nil
	}
	if !e.maxAmount.IsZero() && tx.Amount.GreaterThan(e.maxAmount) {
		return model.Vote{
			EvaluatorID: e.id,
			Decision:    model.VoteReject,
			Confidence:  1,
			Reasoning:   fmt.Sprintf("amount %s above rail maximum %s", tx.Amount, e.maxAmount),
			RecordedAt:  time.Now().UTC(),
		}, nil
	}

	// A rail outage is degradation, not a veto: returning the error makes
	// the consensus engine record an abstention.
	if err := e.prober.ProbeRail(ctx); err != nil {
		return model.Vote{}, fmt.Errorf("feasibility: settlement rail unreachable: %w", err)
	}

	return model.Vote{
		EvaluatorID: e.id,
		Decision:    model.VoteApprove,
		Confidence:  0.90,
		Reasoning:   "settlement rail reachable, amount within limits",
		RecordedAt:  time.Now().UTC(),
	}, nil
}
