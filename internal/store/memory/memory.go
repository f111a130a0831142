// Package memory provides an in-process implementation of the store
// contracts, used by unit tests and single-node development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/clearline-hq/clearline/internal/model"
	"github.com/clearline-hq/clearline/internal/store"
)

// Store keeps all records in maps guarded by one mutex. Snapshots are
// copied on the way in and out so callers never share memory with the store.
type Store struct {
	mu          sync.Mutex
	agents      map[string]model.Agent
	positions   map[string]model.TreasuryPosition
	settlements map[string]model.SettlementRecord
	txs         map[string]model.Transaction
	transitions map[string][]model.TxLogEntry
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		agents:      make(map[string]model.Agent),
		positions:   make(map[string]model.TreasuryPosition),
		settlements: make(map[string]model.SettlementRecord),
		txs:         make(map[string]model.Transaction),
		transitions: make(map[string][]model.TxLogEntry),
	}
}

var _ store.Store = (*Store)(nil)

func (s *Store) Load(ctx context.Context, agentID string) (model.Agent, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[agentID]
	if !ok {
		return model.Agent{}, 0, store.ErrNotFound
	}
	return agent, agent.Version, nil
}

func (s *Store) CompareAndSwap(ctx context.Context, agentID string, expectedVersion int64, mutate store.Mutation) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[agentID]
	if !ok {
		return 0, store.ErrNotFound
	}
	if agent.Version != expectedVersion {
		return 0, store.ErrVersionConflict
	}
	next := agent
	if err := mutate(&next); err != nil {
		return 0, err
	}
	next.AgentID = agent.AgentID
	next.Version = agent.Version + 1
	next.UpdatedAt = time.Now().UTC()
	if err := next.Validate(); err != nil {
		return 0, err
	}
	s.agents[agentID] = next
	return next.Version, nil
}

func (s *Store) CreateAgent(ctx context.Context, agent model.Agent) error {
	if err := agent.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[agent.AgentID]; ok {
		return store.ErrAlreadyExists
	}
	agent.Version = 1
	now := time.Now().UTC()
	agent.CreatedAt = now
	agent.UpdatedAt = now
	s.agents[agent.AgentID] = agent
	return nil
}

func (s *Store) LoadPosition(ctx context.Context, poolID string) (model.TreasuryPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[poolID]
	if !ok {
		return model.TreasuryPosition{}, store.ErrNotFound
	}
	return pos, nil
}

func (s *Store) SavePosition(ctx context.Context, pos model.TreasuryPosition) error {
	if err := pos.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pos.UpdatedAt = time.Now().UTC()
	s.positions[pos.PoolID] = pos
	return nil
}

func (s *Store) GetSettlement(ctx context.Context, txID string) (model.SettlementRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.settlements[txID]
	if !ok {
		return model.SettlementRecord{}, store.ErrNotFound
	}
	return rec, nil
}

func (s *Store) CreateSettlement(ctx context.Context, rec model.SettlementRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.settlements[rec.TxID]; ok {
		return store.ErrAlreadyExists
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	s.settlements[rec.TxID] = rec
	return nil
}

func (s *Store) UpdateSettlement(ctx context.Context, rec model.SettlementRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.settlements[rec.TxID]; !ok {
		return store.ErrNotFound
	}
	rec.UpdatedAt = time.Now().UTC()
	s.settlements[rec.TxID] = rec
	return nil
}

func (s *Store) ListSettlementsByStatus(ctx context.Context, status model.SettlementStatus, limit int) ([]model.SettlementRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.SettlementRecord
	for _, rec := range s.settlements {
		if rec.Status == status {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) SaveTransaction(ctx context.Context, tx model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx.Votes = append([]model.Vote(nil), tx.Votes...)
	tx.UpdatedAt = time.Now().UTC()
	s.txs[tx.TxID] = tx
	return nil
}

func (s *Store) GetTransaction(ctx context.Context, txID string) (model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[txID]
	if !ok {
		return model.Transaction{}, store.ErrNotFound
	}
	tx.Votes = append([]model.Vote(nil), tx.Votes...)
	return tx, nil
}

func (s *Store) AppendTransition(ctx context.Context, entry model.TxLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now().UTC()
	}
	s.transitions[entry.TxID] = append(s.transitions[entry.TxID], entry)
	return nil
}

func (s *Store) ListTransitions(ctx context.Context, txID string) ([]model.TxLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.TxLogEntry(nil), s.transitions[txID]...), nil
}
