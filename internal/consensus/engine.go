// Package consensus fans a transaction out to the registered evaluators,
// joins their votes under a per-evaluator timeout, and applies the approval
// rule: every non-abstaining evaluator must approve and the non-abstain
// fraction must reach quorum. Any single rejection fails closed.
package consensus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/clearline-hq/clearline/internal/evaluator"
	"github.com/clearline-hq/clearline/internal/model"
)

var tracer = otel.Tracer("clearline/consensus")

// Config tunes the engine.
type Config struct {
	// EvaluatorTimeout bounds each evaluator call; expiry records an
	// abstention with zero confidence (default 5s).
	EvaluatorTimeout time.Duration

	// Quorum is the minimum fraction of registered evaluators that must
	// cast a non-abstaining vote (default 0.75, boundary inclusive).
	Quorum float64
}

// DefaultConfig returns the standard quorum and timeout settings.
func DefaultConfig() Config {
	return Config{
		EvaluatorTimeout: 5 * time.Second,
		Quorum:           0.75,
	}
}

// Engine holds the fixed ordered set of evaluators. It is agnostic to
// their internals; registration order only fixes vote attribution order,
// the aggregation rule itself is order-independent.
type Engine struct {
	evaluators []evaluator.Evaluator
	cfg        Config
	logger     *slog.Logger
}

// New creates an engine over the given evaluators.
func New(evaluators []evaluator.Evaluator, cfg Config, logger *slog.Logger) (*Engine, error) {
	if len(evaluators) == 0 {
		return nil, fmt.Errorf("consensus: at least one evaluator is required")
	}
	if cfg.EvaluatorTimeout <= 0 {
		cfg.EvaluatorTimeout = 5 * time.Second
	}
	if cfg.Quorum <= 0 || cfg.Quorum > 1 {
		cfg.Quorum = 0.75
	}
	seen := make(map[string]bool, len(evaluators))
	for _, ev := range evaluators {
		if seen[ev.ID()] {
			return nil, fmt.Errorf("consensus: duplicate evaluator id %q", ev.ID())
		}
		seen[ev.ID()] = true
	}
	return &Engine{evaluators: evaluators, cfg: cfg, logger: logger}, nil
}

// Decide runs the fan-out/fan-in evaluation and aggregates the votes.
// The returned votes are ordered by evaluator registration. Decide never
// returns an error for a normal rejection; the result carries the reason.
func (e *Engine) Decide(ctx context.Context, tx model.Transaction, agent model.Agent) (model.ConsensusResult, []model.Vote) {
	ctx, span := tracer.Start(ctx, "consensus.decide")
	defer span.End()
	span.SetAttributes(
		attribute.String("clearline.tx_id", tx.TxID),
		attribute.Int("clearline.evaluators", len(e.evaluators)),
	)

	votes := make([]model.Vote, len(e.evaluators))
	g, gctx := errgroup.WithContext(ctx)
	for i, ev := range e.evaluators {
		g.Go(func() error {
			evalCtx, cancel := context.WithTimeout(gctx, e.cfg.EvaluatorTimeout)
			defer cancel()

			vote, err := ev.Evaluate(evalCtx, tx, agent)
			switch {
			case err != nil:
				// Degraded or timed-out evaluators abstain; they never veto.
				e.logger.Warn("consensus: evaluator abstained",
					"tx_id", tx.TxID, "evaluator", ev.ID(), "error", err)
				votes[i] = model.AbstainVote(ev.ID(), fmt.Sprintf("%s: %v", model.ReasonEvaluatorDegraded, err))
			default:
				vote.EvaluatorID = ev.ID()
				votes[i] = vote
			}
			return nil
		})
	}
	_ = g.Wait() // evaluator goroutines never return errors

	result := e.aggregate(tx.TxID, votes)
	span.SetAttributes(
		attribute.String("clearline.decision", string(result.Decision)),
		attribute.Float64("clearline.approval_rate", result.ApprovalRate),
		attribute.Int("clearline.abstain_count", result.AbstainCount),
	)
	return result, votes
}

// aggregate applies the decision rule over a complete vote set.
func (e *Engine) aggregate(txID string, votes []model.Vote) model.ConsensusResult {
	result := model.ConsensusResult{
		TxID:      txID,
		DecidedAt: time.Now().UTC(),
	}

	approvals, rejections := 0, 0
	for _, v := range votes {
		switch v.Decision {
		case model.VoteApprove:
			approvals++
		case model.VoteReject:
			rejections++
		case model.VoteAbstain:
			result.AbstainCount++
		}
	}
	voting := approvals + rejections
	result.ApprovalRate = float64(approvals) / float64(len(votes))

	participation := float64(voting) / float64(len(votes))
	switch {
	case rejections > 0:
		// Fail closed on any single rejection.
		result.Decision = model.ConsensusReject
		result.Reason = string(model.ReasonConsensusRejected)
	case voting == 0:
		// Total abstention: conservative default.
		result.Decision = model.ConsensusReject
		result.Reason = string(model.ReasonConsensusTimeout)
	case participation < e.cfg.Quorum:
		result.Decision = model.ConsensusReject
		result.Reason = string(model.ReasonConsensusTimeout)
	default:
		result.Decision = model.ConsensusApprove
	}
	return result
}
