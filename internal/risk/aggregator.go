package risk

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/clearline-hq/clearline/internal/model"
)

// Flag appended to vote reasoning when the AI service was unavailable and
// the deterministic fallback decided alone.
const fallbackFlag = "ai_unavailable_fallback"

// Weights distributes signal influence over the composite score. They
// should sum to 1; Normalize rescales otherwise. When the AI signal is
// unavailable the remaining weights are renormalized so the composite still
// spans [0, 1].
type Weights struct {
	AI           float64
	Reputation   float64
	Amount       float64
	Velocity     float64
	Counterparty float64
	TimeOfDay    float64
}

// DefaultWeights gives the AI signal the highest influence per the risk
// model; the rest decays from reputation down to time-of-day.
func DefaultWeights() Weights {
	return Weights{
		AI:           0.35,
		Reputation:   0.20,
		Amount:       0.15,
		Velocity:     0.15,
		Counterparty: 0.10,
		TimeOfDay:    0.05,
	}
}

func (w Weights) sum() float64 {
	return w.AI + w.Reputation + w.Amount + w.Velocity + w.Counterparty + w.TimeOfDay
}

// Config tunes the aggregator.
type Config struct {
	Weights Weights

	// AIBudget bounds the AI scoring call (spec default 2s, no retries).
	AIBudget time.Duration

	// VelocityWindow is the trailing window for the velocity signal
	// (default 15m); VelocityCeiling is the count mapped to full risk.
	VelocityWindow  time.Duration
	VelocityCeiling int

	// RejectThreshold and ReviewThreshold split the composite range per
	// the decision rule: above reject → REJECT, between review and reject
	// → APPROVE with reduced confidence, below review → confident APPROVE.
	RejectThreshold float64
	ReviewThreshold float64
}

// DefaultConfig returns the standard weights, thresholds and AI budget.
func DefaultConfig() Config {
	return Config{
		Weights:         DefaultWeights(),
		AIBudget:        2 * time.Second,
		VelocityWindow:  15 * time.Minute,
		VelocityCeiling: 10,
		RejectThreshold: 0.70,
		ReviewThreshold: 0.40,
	}
}

// Aggregator is the risk/compliance evaluator. It combines ledger-derived
// signals with the external AI score, falling back to rule-based scoring
// when the AI call fails or exceeds its budget.
type Aggregator struct {
	id             string
	scorer         Scorer // nil disables the AI signal entirely
	velocity       VelocityTracker
	counterparties map[string]float64 // known counterparty reputation, 0..100
	cfg            Config
	logger         *slog.Logger
	now            func() time.Time
}

// NewAggregator creates the risk evaluator. scorer may be nil (fallback
// scoring only); counterparties maps known counterparty refs to reputation
// scores, unknown refs score neutral.
func NewAggregator(scorer Scorer, velocity VelocityTracker, counterparties map[string]float64, cfg Config, logger *slog.Logger) *Aggregator {
	if cfg.AIBudget <= 0 {
		cfg.AIBudget = 2 * time.Second
	}
	if cfg.VelocityWindow <= 0 {
		cfg.VelocityWindow = 15 * time.Minute
	}
	if cfg.VelocityCeiling <= 0 {
		cfg.VelocityCeiling = 10
	}
	if cfg.Weights.sum() == 0 {
		cfg.Weights = DefaultWeights()
	}
	if cfg.RejectThreshold == 0 {
		cfg.RejectThreshold = 0.70
	}
	if cfg.ReviewThreshold == 0 {
		cfg.ReviewThreshold = 0.40
	}
	return &Aggregator{
		id:             "risk",
		scorer:         scorer,
		velocity:       velocity,
		counterparties: counterparties,
		cfg:            cfg,
		logger:         logger,
		now:            time.Now,
	}
}

func (a *Aggregator) ID() string { return a.id }

// Evaluate computes the composite risk score and converts it to a vote.
// RiskContribution carries the composite so the pipeline can persist it on
// the transaction.
func (a *Aggregator) Evaluate(ctx context.Context, tx model.Transaction, agent model.Agent) (model.Vote, error) {
	signals := a.ruleSignals(ctx, tx, agent)

	var flags []string
	composite, aiUsed := a.composite(ctx, tx, agent, signals, &flags)
	if !aiUsed {
		flags = append(flags, fallbackFlag)
	}

	reasoning := fmt.Sprintf("composite=%.3f reputation=%.2f amount=%.2f velocity=%.2f counterparty=%.2f time_of_day=%.2f",
		composite, signals.reputation, signals.amount, signals.velocity, signals.counterparty, signals.timeOfDay)
	if len(flags) > 0 {
		reasoning += " flags=" + strings.Join(flags, ",")
	}

	vote := model.Vote{
		EvaluatorID:      a.id,
		RiskContribution: composite,
		Reasoning:        reasoning,
		RecordedAt:       a.now().UTC(),
	}
	switch {
	case composite > a.cfg.RejectThreshold:
		vote.Decision = model.VoteReject
		vote.Confidence = min(1, composite)
	case composite >= a.cfg.ReviewThreshold:
		vote.Decision = model.VoteApprove
		vote.Confidence = 0.60
	default:
		vote.Decision = model.VoteApprove
		vote.Confidence = 0.90
	}
	return vote, nil
}

type ruleSignals struct {
	reputation   float64
	amount       float64
	velocity     float64
	counterparty float64
	timeOfDay    float64
}

// ruleSignals computes the deterministic signals, each in [0, 1].
func (a *Aggregator) ruleSignals(ctx context.Context, tx model.Transaction, agent model.Agent) ruleSignals {
	var s ruleSignals

	// Lower reputation means higher risk.
	s.reputation = clamp01((100 - agent.ReputationScore) / 100)

	// Amount relative to the agent's historical average; no history scores
	// neutral. Ten times the usual amount saturates the signal.
	if agent.TxCount == 0 || agent.AvgTxAmount.IsZero() {
		s.amount = 0.5
	} else {
		ratio, _ := tx.Amount.Div(agent.AvgTxAmount).Float64()
		s.amount = clamp01(ratio / 10)
	}

	// Velocity over the trailing window. A tracker outage scores neutral
	// rather than blocking the vote.
	if count, err := a.velocity.Count(ctx, tx.AgentID, a.cfg.VelocityWindow); err != nil {
		a.logger.Warn("risk: velocity tracker unavailable", "agent_id", tx.AgentID, "error", err)
		s.velocity = 0.5
	} else {
		s.velocity = clamp01(float64(count) / float64(a.cfg.VelocityCeiling))
	}

	// Known counterparty reputation, inverted; unknown is neutral.
	if rep, ok := a.counterparties[tx.CounterpartyRef]; ok {
		s.counterparty = clamp01((100 - rep) / 100)
	} else {
		s.counterparty = 0.5
	}

	// Late-night activity is anomalous for payment flows.
	hour := a.now().UTC().Hour()
	if hour < 5 {
		s.timeOfDay = 0.8
	} else {
		s.timeOfDay = 0.2
	}

	return s
}

// composite folds the AI score into the rule signals. Returns the score and
// whether the AI signal participated.
func (a *Aggregator) composite(ctx context.Context, tx model.Transaction, agent model.Agent, s ruleSignals, flags *[]string) (float64, bool) {
	w := a.cfg.Weights
	ruleSum := w.Reputation*s.reputation + w.Amount*s.amount + w.Velocity*s.velocity +
		w.Counterparty*s.counterparty + w.TimeOfDay*s.timeOfDay
	ruleWeight := w.sum() - w.AI

	if a.scorer == nil {
		return clamp01(ruleSum / ruleWeight), false
	}

	aiCtx, cancel := context.WithTimeout(ctx, a.cfg.AIBudget)
	defer cancel()
	resp, err := a.scorer.Score(aiCtx, ScoreRequest{
		TxID:            tx.TxID,
		AgentID:         tx.AgentID,
		CounterpartyRef: tx.CounterpartyRef,
		Amount:          tx.Amount,
		Currency:        tx.Currency,
		Purpose:         tx.Purpose,
		ReputationScore: agent.ReputationScore,
		TxCount:         agent.TxCount,
		AvgTxAmount:     agent.AvgTxAmount,
	})
	if err != nil {
		a.logger.Warn("risk: ai scorer unavailable, using rule-based fallback",
			"tx_id", tx.TxID, "error", err)
		return clamp01(ruleSum / ruleWeight), false
	}

	*flags = append(*flags, resp.Flags...)
	return clamp01((ruleSum + w.AI*resp.RiskScore) / w.sum()), true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// RecordOutcome notes a processed transaction in the velocity window. The
// pipeline calls it once per accepted submission.
func (a *Aggregator) RecordOutcome(ctx context.Context, tx model.Transaction) {
	if err := a.velocity.Record(ctx, tx.AgentID, a.now()); err != nil {
		a.logger.Warn("risk: record velocity", "agent_id", tx.AgentID, "error", err)
	}
}
