package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/clearline-hq/clearline/internal/model"
	"github.com/clearline-hq/clearline/internal/store"
)

const agentColumns = `agent_id, balance::text, available_balance::text, credit_limit::text,
	reputation_score, tier, status, version, tx_count, avg_tx_amount::text, created_at, updated_at`

type agentRow struct {
	balance     string
	available   string
	creditLimit string
	avgTxAmount string
}

func scanAgent(row pgx.Row) (model.Agent, error) {
	var a model.Agent
	var r agentRow
	err := row.Scan(&a.AgentID, &r.balance, &r.available, &r.creditLimit,
		&a.ReputationScore, &a.Tier, &a.Status, &a.Version, &a.TxCount,
		&r.avgTxAmount, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return model.Agent{}, err
	}
	if a.Balance, err = decimal.NewFromString(r.balance); err != nil {
		return model.Agent{}, fmt.Errorf("parse balance: %w", err)
	}
	if a.AvailableBalance, err = decimal.NewFromString(r.available); err != nil {
		return model.Agent{}, fmt.Errorf("parse available_balance: %w", err)
	}
	if a.CreditLimit, err = decimal.NewFromString(r.creditLimit); err != nil {
		return model.Agent{}, fmt.Errorf("parse credit_limit: %w", err)
	}
	if a.AvgTxAmount, err = decimal.NewFromString(r.avgTxAmount); err != nil {
		return model.Agent{}, fmt.Errorf("parse avg_tx_amount: %w", err)
	}
	return a, nil
}

// CreateAgent inserts a new agent at version 1.
func (db *DB) CreateAgent(ctx context.Context, agent model.Agent) error {
	if err := agent.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err := db.pool.Exec(ctx,
		`INSERT INTO agents (agent_id, balance, available_balance, credit_limit,
			reputation_score, tier, status, version, tx_count, avg_tx_amount, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, $9, $10, $10)`,
		agent.AgentID, agent.Balance.String(), agent.AvailableBalance.String(),
		agent.CreditLimit.String(), agent.ReputationScore, string(agent.Tier),
		string(agent.Status), agent.TxCount, agent.AvgTxAmount.String(), now,
	)
	if isUniqueViolation(err) {
		return store.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("storage: create agent: %w", err)
	}
	return nil
}

// Load returns the agent and its current version.
func (db *DB) Load(ctx context.Context, agentID string) (model.Agent, int64, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE agent_id = $1`, agentID)
	agent, err := scanAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Agent{}, 0, store.ErrNotFound
	}
	if err != nil {
		return model.Agent{}, 0, fmt.Errorf("storage: load agent %s: %w", agentID, err)
	}
	return agent, agent.Version, nil
}

// CompareAndSwap applies mutate under a row lock iff the version still
// matches, then validates invariants and bumps the version.
func (db *DB) CompareAndSwap(ctx context.Context, agentID string, expectedVersion int64, mutate store.Mutation) (int64, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("storage: begin cas: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE agent_id = $1 FOR UPDATE`, agentID)
	agent, err := scanAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("storage: cas load %s: %w", agentID, err)
	}
	if agent.Version != expectedVersion {
		return 0, store.ErrVersionConflict
	}

	if err := mutate(&agent); err != nil {
		return 0, err
	}
	agent.AgentID = agentID
	agent.Version = expectedVersion
	if err := agent.Validate(); err != nil {
		return 0, fmt.Errorf("storage: cas invariant for %s: %w", agentID, err)
	}

	newVersion := expectedVersion + 1
	_, err = tx.Exec(ctx,
		`UPDATE agents SET balance = $2, available_balance = $3, credit_limit = $4,
			reputation_score = $5, tier = $6, status = $7, version = $8,
			tx_count = $9, avg_tx_amount = $10, updated_at = now()
		 WHERE agent_id = $1`,
		agentID, agent.Balance.String(), agent.AvailableBalance.String(),
		agent.CreditLimit.String(), agent.ReputationScore, string(agent.Tier),
		string(agent.Status), newVersion, agent.TxCount, agent.AvgTxAmount.String(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: cas update %s: %w", agentID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("storage: cas commit %s: %w", agentID, err)
	}
	return newVersion, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
