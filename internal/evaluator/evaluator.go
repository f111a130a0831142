// Package evaluator defines the evaluation contract and the non-risk
// evaluators: identity/eligibility, liquidity, and settlement feasibility.
// The risk/compliance evaluator lives in internal/risk.
package evaluator

import (
	"context"

	"github.com/clearline-hq/clearline/internal/model"
)

// Evaluator produces one vote per transaction. Implementations must honor
// ctx cancellation: the consensus engine imposes a per-evaluator timeout
// and records an abstention when the deadline passes.
type Evaluator interface {
	// ID is the stable evaluator identifier recorded on votes.
	ID() string

	// Evaluate assesses the transaction against a point-in-time agent
	// snapshot. A returned error is treated as degradation, not a veto:
	// the engine records an abstention, never a rejection.
	Evaluate(ctx context.Context, tx model.Transaction, agent model.Agent) (model.Vote, error)
}
