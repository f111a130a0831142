// Package reputation applies terminal transaction outcomes to an agent's
// score, credit limit, and tier.
package reputation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/clearline-hq/clearline/internal/model"
	"github.com/clearline-hq/clearline/internal/store"
)

var tracer = otel.Tracer("clearline/reputation")

// Outcome is the reputation-relevant reading of a terminal transaction.
type Outcome int

const (
	// OutcomeSettled is a successful settlement; it pulls the score up.
	OutcomeSettled Outcome = iota
	// OutcomeAgentFault is a failure the agent caused, such as a
	// settlement that bounced on insufficient funds; it pulls the score
	// down hard.
	OutcomeAgentFault
	// OutcomeNeutral covers consensus rejections driven by counterparty
	// or risk factors outside the agent's control; the score holds.
	OutcomeNeutral
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSettled:
		return "settled"
	case OutcomeAgentFault:
		return "agent_fault"
	default:
		return "neutral"
	}
}

// Learning-rate bounds. New agents calibrate fast; established agents
// move slowly so one outlier cannot shift a long record.
const (
	alphaMax         = 0.30
	alphaMin         = 0.05
	alphaHistoryStep = 20.0

	outcomeScoreSettled = 100.0
	outcomeScoreFault   = 0.0

	creditGrowthCap = 0.10
	creditShrinkCap = 0.20
)

// Alpha returns the learning rate for an agent with txCount settled
// transactions behind it.
func Alpha(txCount int64) float64 {
	a := alphaMax / (1 + float64(txCount)/alphaHistoryStep)
	return max(a, alphaMin)
}

// NextScore moves old toward outcomeScore by the agent's learning rate,
// clamped to [0, 100].
func NextScore(old, outcomeScore float64, txCount int64) float64 {
	next := old + Alpha(txCount)*(outcomeScore-old)
	return min(max(next, 0), 100)
}

// NextCreditLimit recomputes the limit from the score against a reference
// ceiling, bounded to +10%/-20% of the current limit per recomputation so
// the limit cannot oscillate between consecutive outcomes.
func NextCreditLimit(current, ceiling decimal.Decimal, score float64) decimal.Decimal {
	target := ceiling.Mul(decimal.NewFromFloat(score / 100))
	if current.IsZero() {
		// Nothing to grow from; bootstrap directly at the target.
		return target
	}
	upper := current.Mul(decimal.NewFromFloat(1 + creditGrowthCap))
	lower := current.Mul(decimal.NewFromFloat(1 - creditShrinkCap))
	if target.GreaterThan(upper) {
		return upper
	}
	if target.LessThan(lower) {
		return lower
	}
	return target
}

// Config tunes the updater.
type Config struct {
	// CreditCeiling is the limit a perfect-score agent converges to.
	CreditCeiling decimal.Decimal
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{CreditCeiling: decimal.NewFromInt(10000)}
}

// Updater applies outcomes to agent records through the versioned store.
type Updater struct {
	accounts store.AccountStore
	cfg      Config
	logger   *slog.Logger
}

// NewUpdater creates an updater over the account store.
func NewUpdater(accounts store.AccountStore, cfg Config, logger *slog.Logger) *Updater {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CreditCeiling.IsZero() {
		cfg.CreditCeiling = DefaultConfig().CreditCeiling
	}
	return &Updater{accounts: accounts, cfg: cfg, logger: logger.With("component", "reputation")}
}

// ApplyOutcome folds one terminal outcome into the agent record: score EMA,
// credit limit, tier, and transaction history counters. Neutral outcomes
// leave the record untouched. The write goes through the store's
// compare-and-swap loop so it composes with concurrent mutations.
func (u *Updater) ApplyOutcome(ctx context.Context, agentID string, outcome Outcome, amount decimal.Decimal) error {
	ctx, span := tracer.Start(ctx, "reputation.apply_outcome", trace.WithAttributes(
		attribute.String("agent.id", agentID),
		attribute.String("outcome", outcome.String()),
	))
	defer span.End()

	if outcome == OutcomeNeutral {
		return nil
	}

	outcomeScore := outcomeScoreSettled
	if outcome == OutcomeAgentFault {
		outcomeScore = outcomeScoreFault
	}

	_, err := store.WithCAS(ctx, u.accounts, agentID, func(a *model.Agent) error {
		oldScore := a.ReputationScore
		a.ReputationScore = NextScore(oldScore, outcomeScore, a.TxCount)
		a.CreditLimit = NextCreditLimit(a.CreditLimit, u.cfg.CreditCeiling, a.ReputationScore)
		a.Tier = model.TierForScore(a.ReputationScore)

		if outcome == OutcomeSettled {
			a.TxCount++
			// Rolling mean over settled amounts.
			delta := amount.Sub(a.AvgTxAmount).Div(decimal.NewFromInt(a.TxCount))
			a.AvgTxAmount = a.AvgTxAmount.Add(delta)
		}

		u.logger.InfoContext(ctx, "reputation updated",
			"agent_id", agentID,
			"outcome", outcome.String(),
			"score_before", oldScore,
			"score_after", a.ReputationScore,
			"credit_limit", a.CreditLimit.String(),
			"tier", string(a.Tier))
		return nil
	})
	if err != nil {
		return fmt.Errorf("reputation: apply %s outcome for %s: %w", outcome, agentID, err)
	}
	return nil
}
