package evaluator

import (
	"context"
	"fmt"
	"time"

	"github.com/clearline-hq/clearline/internal/model"
)

// IdentityEvaluator checks agent eligibility: account status, currency
// support, and well-formed counterparty reference. It is the front-office
// gate; it never scores risk.
type IdentityEvaluator struct {
	id         string
	currencies map[string]bool
}

// NewIdentityEvaluator creates the identity/eligibility evaluator.
// supportedCurrencies defaults to USD when empty.
func NewIdentityEvaluator(supportedCurrencies []string) *IdentityEvaluator {
	if len(supportedCurrencies) == 0 {
		supportedCurrencies = []string{"USD"}
	}
	set := make(map[string]bool, len(supportedCurrencies))
	for _, c := range supportedCurrencies {
		set[c] = true
	}
	return &IdentityEvaluator{id: "identity", currencies: set}
}

func (e *IdentityEvaluator) ID() string { return e.id }

func (e *IdentityEvaluator) Evaluate(ctx context.Context, tx model.Transaction, agent model.Agent) (model.Vote, error) {
	reject := func(reason string) model.Vote {
		return model.Vote{
			EvaluatorID: e.id,
			Decision:    model.VoteReject,
			Confidence:  1,
			Reasoning:   reason,
			RecordedAt:  time.Now().UTC(),
		}
	}

	switch agent.Status {
	case model.StatusFrozen:
		return reject("agent is frozen pending manual resolution"), nil
	case model.StatusClosed:
		return reject("agent account is closed"), nil
	case model.StatusActive:
	default:
		return reject(fmt.Sprintf("agent has unknown status %q", agent.Status)), nil
	}

	if !e.currencies[tx.Currency] {
		return reject(fmt.Sprintf("currency %s is not supported", tx.Currency)), nil
	}
	if tx.AgentID == tx.CounterpartyRef {
		return reject("self-transfer is not permitted"), nil
	}

	return model.Vote{
		EvaluatorID: e.id,
		Decision:    model.VoteApprove,
		Confidence:  0.95,
		Reasoning:   "agent active and transfer eligible",
		RecordedAt:  time.Now().UTC(),
	}, nil
}
