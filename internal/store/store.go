// Package store defines the narrow persistence contracts the pipeline
// depends on. Implementations live in internal/store/memory (in-process,
// used in tests and single-node dev) and internal/storage (Postgres).
package store

import (
	"context"
	"errors"

	"github.com/clearline-hq/clearline/internal/model"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrVersionConflict is returned by CompareAndSwap when the expected
	// version no longer matches; callers reload and retry.
	ErrVersionConflict = errors.New("store: version conflict")
	// ErrAlreadyExists is returned when inserting a record whose key is taken.
	ErrAlreadyExists = errors.New("store: already exists")
)

// Mutation applies an in-place change to an agent snapshot. It must not
// touch Version or AgentID; the store manages both.
type Mutation func(*model.Agent) error

// AccountStore holds versioned agent records. All mutations go through
// CompareAndSwap; there is no unconditional write.
type AccountStore interface {
	// Load returns the agent and its current version.
	Load(ctx context.Context, agentID string) (model.Agent, int64, error)

	// CompareAndSwap applies mutate to the agent iff its version still
	// equals expectedVersion, then validates invariants and bumps the
	// version. Returns ErrVersionConflict when the guard fails.
	CompareAndSwap(ctx context.Context, agentID string, expectedVersion int64, mutate Mutation) (int64, error)

	// CreateAgent inserts a new agent at version 1.
	CreateAgent(ctx context.Context, agent model.Agent) error
}

// TreasuryStore holds per-pool treasury positions. The allocator is the
// single writer per pool, so writes are unconditional.
type TreasuryStore interface {
	LoadPosition(ctx context.Context, poolID string) (model.TreasuryPosition, error)
	SavePosition(ctx context.Context, pos model.TreasuryPosition) error
}

// SettlementStore holds settlement records keyed by tx_id. The primary key
// is what enforces at-most-one execution: Create returns ErrAlreadyExists
// for a duplicate tx_id.
type SettlementStore interface {
	GetSettlement(ctx context.Context, txID string) (model.SettlementRecord, error)
	CreateSettlement(ctx context.Context, rec model.SettlementRecord) error
	UpdateSettlement(ctx context.Context, rec model.SettlementRecord) error

	// ListSettlementsByStatus returns records in the given status, oldest
	// first, for the reconciler sweep.
	ListSettlementsByStatus(ctx context.Context, status model.SettlementStatus, limit int) ([]model.SettlementRecord, error)
}

// TransactionLog is the write-once transaction history plus the append-only
// audit trail of state transitions.
type TransactionLog interface {
	SaveTransaction(ctx context.Context, tx model.Transaction) error
	GetTransaction(ctx context.Context, txID string) (model.Transaction, error)
	AppendTransition(ctx context.Context, entry model.TxLogEntry) error
	ListTransitions(ctx context.Context, txID string) ([]model.TxLogEntry, error)
}

// Store aggregates all persistence contracts; both backends satisfy it.
type Store interface {
	AccountStore
	TreasuryStore
	SettlementStore
	TransactionLog
}

// DefaultCASRetries bounds reload-and-retry loops around CompareAndSwap.
const DefaultCASRetries = 3

// WithCAS runs a load/mutate/swap loop until it succeeds or the retry
// budget is exhausted, then surfaces a concurrent-modification error.
func WithCAS(ctx context.Context, accounts AccountStore, agentID string, mutate Mutation) (int64, error) {
	var lastErr error
	for attempt := 0; attempt < DefaultCASRetries; attempt++ {
		_, version, err := accounts.Load(ctx, agentID)
		if err != nil {
			return 0, err
		}
		newVersion, err := accounts.CompareAndSwap(ctx, agentID, version, mutate)
		if err == nil {
			return newVersion, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return 0, err
		}
		lastErr = err
	}
	return 0, model.NewPipelineError(model.ReasonConcurrentModification,
		"agent "+agentID+" modified concurrently, retries exhausted", lastErr)
}
