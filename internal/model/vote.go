package model

import "time"

// VoteDecision is a single evaluator's verdict on a transaction.
type VoteDecision string

const (
	VoteApprove VoteDecision = "approve"
	VoteReject  VoteDecision = "reject"
	VoteAbstain VoteDecision = "abstain"
)

// Vote is one evaluator's assessment of a transaction. Immutable once
// recorded. RiskContribution is only meaningful for risk-type evaluators.
type Vote struct {
	EvaluatorID      string       `json:"evaluator_id"`
	Decision         VoteDecision `json:"decision"`
	Confidence       float64      `json:"confidence"`
	Reasoning        string       `json:"reasoning"`
	RiskContribution float64      `json:"risk_contribution,omitempty"`
	RecordedAt       time.Time    `json:"recorded_at"`
}

// AbstainVote builds the vote recorded for an evaluator that timed out or
// errored during fan-out.
func AbstainVote(evaluatorID, reasoning string) Vote {
	return Vote{
		EvaluatorID: evaluatorID,
		Decision:    VoteAbstain,
		Confidence:  0,
		Reasoning:   reasoning,
		RecordedAt:  time.Now().UTC(),
	}
}

// ConsensusDecision is the aggregate outcome over all votes.
type ConsensusDecision string

const (
	ConsensusApprove ConsensusDecision = "approve"
	ConsensusReject  ConsensusDecision = "reject"
)

// ConsensusResult is the derived aggregate of a transaction's votes.
// Never mutated after creation.
type ConsensusResult struct {
	TxID         string            `json:"tx_id"`
	Decision     ConsensusDecision `json:"decision"`
	ApprovalRate float64           `json:"approval_rate"`
	AbstainCount int               `json:"abstain_count"`
	Reason       string            `json:"reason,omitempty"`
	DecidedAt    time.Time         `json:"decided_at"`
}
