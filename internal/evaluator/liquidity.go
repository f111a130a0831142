package evaluator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clearline-hq/clearline/internal/custody"
	"github.com/clearline-hq/clearline/internal/model"
)

// LiquidityEvaluator checks that the amount fits within the agent's
// available balance plus credit. When a custody client is configured it
// also cross-checks the internal ledger against the custody balance and
// lowers confidence on drift.
type LiquidityEvaluator struct {
	id      string
	custody custody.Client // optional
	logger  *slog.Logger
}

// NewLiquidityEvaluator creates the liquidity evaluator. custodyClient may
// be nil; the ledger snapshot is then authoritative on its own.
func NewLiquidityEvaluator(custodyClient custody.Client, logger *slog.Logger) *LiquidityEvaluator {
	return &LiquidityEvaluator{id: "liquidity", custody: custodyClient, logger: logger}
}

func (e *LiquidityEvaluator) ID() string { return e.id }

func (e *LiquidityEvaluator) Evaluate(ctx context.Context, tx model.Transaction, agent model.Agent) (model.Vote, error) {
	headroom := agent.Headroom()
	if tx.Amount.GreaterThan(headroom) {
		return model.Vote{
			EvaluatorID: e.id,
			Decision:    model.VoteReject,
			Confidence:  1,
			Reasoning: fmt.Sprintf("%s: amount %s exceeds available %s plus credit %s",
				model.ReasonInsufficientFunds, tx.Amount, agent.AvailableBalance, agent.CreditLimit),
			RecordedAt: time.Now().UTC(),
		}, nil
	}

	confidence := 0.95
	reasoning := fmt.Sprintf("amount %s within headroom %s", tx.Amount, headroom)

	// Custody drift check is advisory: a mismatch lowers confidence, a
	// custody outage does not block the vote.
	if e.custody != nil {
		custodial, err := e.custody.GetBalance(ctx, tx.AgentID)
		switch {
		case err != nil:
			e.logger.Warn("liquidity: custody balance check unavailable", "agent_id", tx.AgentID, "error", err)
		case custodial.LessThan(agent.Balance):
			confidence = 0.60
			reasoning += fmt.Sprintf("; custody balance %s below ledger %s", custodial, agent.Balance)
		}
	}

	// Thin headroom after the transfer also reduces confidence.
	if headroom.Sub(tx.Amount).LessThan(tx.Amount.Div(decimal.NewFromInt(10))) {
		confidence = min(confidence, 0.70)
		reasoning += "; post-transfer headroom is thin"
	}

	return model.Vote{
		EvaluatorID: e.id,
		Decision:    model.VoteApprove,
		Confidence:  confidence,
		Reasoning:   reasoning,
		RecordedAt:  time.Now().UTC(),
	}, nil
}
