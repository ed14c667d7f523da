package core

import (
	"context"
	"sync"

	fpmath "PerpSettle/internal/math"

	"github.com/google/uuid"
)

// PriceOracle supplies the mark price used for every margin check.
type PriceOracle interface {
	MarkPrice(marketID string) (fpmath.Wad, error)
}

// FundingOracle supplies the market's cumulative funding index.
type FundingOracle interface {
	FundingIndex(marketID string) (fpmath.Wad, error)
}

// AccessControl answers the authorization questions of settlement.
type AccessControl interface {
	IsTradingAllowed(marketID string) bool
	IsSettlementOperator(caller uuid.UUID) bool
	// IsDelegate reports whether caller may act for account.
	IsDelegate(account, caller uuid.UUID) bool
}

// ChargeTracker remembers which accounts already paid the flat gas charge
// in a batch.
type ChargeTracker interface {
	WasCharged(ctx context.Context, batchID string, account uuid.UUID) (bool, error)
	MarkCharged(ctx context.Context, batchID string, accounts ...uuid.UUID) error
}

// StaticAccess is an in-memory AccessControl.
type StaticAccess struct {
	mu        sync.RWMutex
	halted    map[string]bool
	operators map[uuid.UUID]bool
	delegates map[uuid.UUID]map[uuid.UUID]bool
}

func NewStaticAccess(operators ...uuid.UUID) *StaticAccess {
	a := &StaticAccess{
		halted:    make(map[string]bool),
		operators: make(map[uuid.UUID]bool),
		delegates: make(map[uuid.UUID]map[uuid.UUID]bool),
	}
	for _, op := range operators {
		a.operators[op] = true
	}
	return a
}

func (a *StaticAccess) IsTradingAllowed(marketID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return !a.halted[marketID]
}

func (a *StaticAccess) IsSettlementOperator(caller uuid.UUID) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.operators[caller]
}

func (a *StaticAccess) IsDelegate(account, caller uuid.UUID) bool {
	if account == caller {
		return true
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.delegates[account][caller]
}

// SetTradingAllowed halts or resumes a market.
func (a *StaticAccess) SetTradingAllowed(marketID string, allowed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.halted[marketID] = !allowed
}

func (a *StaticAccess) AddOperator(caller uuid.UUID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.operators[caller] = true
}

func (a *StaticAccess) AddDelegate(account, caller uuid.UUID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.delegates[account] == nil {
		a.delegates[account] = make(map[uuid.UUID]bool)
	}
	a.delegates[account][caller] = true
}

// MemoryChargeTracker is a ChargeTracker for a single process.
type MemoryChargeTracker struct {
	mu      sync.Mutex
	charged map[string]map[uuid.UUID]bool
}

func NewMemoryChargeTracker() *MemoryChargeTracker {
	return &MemoryChargeTracker{charged: make(map[string]map[uuid.UUID]bool)}
}

func (t *MemoryChargeTracker) WasCharged(_ context.Context, batchID string, account uuid.UUID) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.charged[batchID][account], nil
}

func (t *MemoryChargeTracker) MarkCharged(_ context.Context, batchID string, accounts ...uuid.UUID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.charged[batchID] == nil {
		t.charged[batchID] = make(map[uuid.UUID]bool)
	}
	for _, a := range accounts {
		t.charged[batchID][a] = true
	}
	return nil
}
