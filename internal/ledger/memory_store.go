package ledger

import (
	"context"
	"fmt"
	"sync"

	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"

	"github.com/google/uuid"
)

type positionKey struct {
	Account  uuid.UUID
	MarketID string
}

// MemoryStore is an in-memory AccountStore. It backs tests and single-node
// deployments without Postgres.
type MemoryStore struct {
	mu        sync.RWMutex
	balances  map[AccountKey]fpmath.Wad
	positions map[positionKey]state.Position
	batches   []*Batch
	gas       map[GasCharge]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:  make(map[AccountKey]fpmath.Wad),
		positions: make(map[positionKey]state.Position),
		gas:       make(map[GasCharge]bool),
	}
}

func (s *MemoryStore) GetPosition(_ context.Context, account uuid.UUID, marketID string) (state.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if pos, ok := s.positions[positionKey{account, marketID}]; ok {
		return pos, nil
	}
	return state.NewPosition(account, marketID), nil
}

func (s *MemoryStore) GetBankBalance(_ context.Context, account uuid.UUID) (fpmath.Wad, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[BankKey(account)], nil
}

func (s *MemoryStore) GetSystemBalance(_ context.Context, key AccountKey) (fpmath.Wad, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[key], nil
}

func (s *MemoryStore) Commit(_ context.Context, cs *ChangeSet) error {
	if cs.Batch != nil {
		if err := cs.Batch.Validate(); err != nil {
			return fmt.Errorf("invalid batch: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, pos := range cs.Positions {
		stored := s.positions[positionKey{pos.Account, pos.MarketID}]
		if pos.Version != stored.Version+1 {
			return fmt.Errorf("%w: %s/%s stored %d, got %d",
				ErrVersionConflict, pos.Account, pos.MarketID, stored.Version, pos.Version)
		}
	}
	for _, g := range cs.GasCharges {
		if s.gas[g] {
			return fmt.Errorf("%w: %s/%s", ErrGasAlreadyCharged, g.BatchID, g.Account)
		}
	}

	for _, pos := range cs.Positions {
		s.positions[positionKey{pos.Account, pos.MarketID}] = pos
	}
	for k, v := range cs.Balances {
		s.balances[k] = v
	}
	for _, g := range cs.GasCharges {
		s.gas[g] = true
	}
	if cs.Batch != nil && len(cs.Batch.Journals) > 0 {
		s.batches = append(s.batches, cs.Batch)
	}
	return nil
}

func (s *MemoryStore) WasGasCharged(_ context.Context, batchID string, account uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gas[GasCharge{BatchID: batchID, Account: account}], nil
}

// Credit adds amount to an account's bank against the external deposits
// account. Test and bootstrap helper; production deposits go through the engine.
func (s *MemoryStore) Credit(account uuid.UUID, amount fpmath.Wad) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[BankKey(account)] = s.balances[BankKey(account)].Add(amount)
	s.balances[ExternalDepositsKey] = s.balances[ExternalDepositsKey].Sub(amount)
}

// Batches returns the committed journal batches in order.
func (s *MemoryStore) Batches() []*Batch {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Batch(nil), s.batches...)
}

// ComputeGlobalBalance sums every balance including position margins.
// Every transfer is double-entry, so the total is always zero.
func (s *MemoryStore) ComputeGlobalBalance() fpmath.Wad {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := fpmath.Zero
	for _, v := range s.balances {
		total = total.Add(v)
	}
	for _, pos := range s.positions {
		total = total.Add(pos.Margin)
	}
	return total
}
