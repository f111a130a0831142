package model

import (
	"errors"
	"fmt"
)

// ReasonCode classifies a pipeline failure for callers and the audit log.
type ReasonCode string

const (
	ReasonValidation             ReasonCode = "validation"
	ReasonInsufficientFunds      ReasonCode = "insufficient_funds"
	ReasonConsensusTimeout       ReasonCode = "consensus_timeout"
	ReasonConsensusRejected      ReasonCode = "consensus_rejected"
	ReasonEvaluatorDegraded      ReasonCode = "evaluator_degraded"
	ReasonLiquidityUnavailable   ReasonCode = "liquidity_unavailable"
	ReasonSettlementTransient    ReasonCode = "settlement_transient"
	ReasonSettlementTerminal     ReasonCode = "settlement_terminal"
	ReasonReconciliationBreak    ReasonCode = "reconciliation_break"
	ReasonConcurrentModification ReasonCode = "concurrent_modification"
	ReasonAgentFrozen            ReasonCode = "agent_frozen"
)

// PipelineError is a classified failure within the decision pipeline.
// Retryable marks failures that may succeed on a later attempt; consensus
// and validation failures never are.
type PipelineError struct {
	Reason    ReasonCode
	Message   string
	Retryable bool
	Err       error
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// NewPipelineError builds a classified error. Retryability defaults follow
// the taxonomy: only settlement-transient and concurrent-modification
// failures are retryable.
func NewPipelineError(reason ReasonCode, message string, cause error) *PipelineError {
	return &PipelineError{
		Reason:    reason,
		Message:   message,
		Retryable: reason == ReasonSettlementTransient || reason == ReasonConcurrentModification,
		Err:       cause,
	}
}

// ReasonOf extracts the reason code from err, or empty if err carries none.
func ReasonOf(err error) ReasonCode {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	return ""
}

// IsRetryable reports whether err is a classified retryable failure.
func IsRetryable(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}
