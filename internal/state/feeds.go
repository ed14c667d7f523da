package state

import (
	"errors"
	"fmt"
	"sync"

	fpmath "PerpSettle/internal/math"
)

var ErrNoMarkPrice = errors.New("no mark price for market")

// feedState tracks the latest value per market and the sequence it came with.
type feedState struct {
	Value     fpmath.Wad
	Sequence  int64
	Timestamp int64
}

// Feeds holds push-driven mark prices and cumulative funding indices.
// Updates are applied in sequence order; stale or duplicate sequences are
// ignored so redelivered feed messages are harmless.
type Feeds struct {
	mu             sync.RWMutex
	markPrices     map[string]feedState
	fundingIndices map[string]feedState
}

func NewFeeds() *Feeds {
	return &Feeds{
		markPrices:     make(map[string]feedState),
		fundingIndices: make(map[string]feedState),
	}
}

// UpdateMarkPrice records a mark price. Reports whether it was applied.
func (f *Feeds) UpdateMarkPrice(marketID string, price fpmath.Wad, sequence, timestamp int64) (bool, error) {
	if price.Sign() <= 0 {
		return false, fmt.Errorf("mark price for %s must be > 0, got %s", marketID, price)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return apply(f.markPrices, marketID, price, sequence, timestamp), nil
}

// UpdateFundingIndex records a cumulative funding index. The index itself
// may move in either direction; only the sequence must advance.
func (f *Feeds) UpdateFundingIndex(marketID string, index fpmath.Wad, sequence, timestamp int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return apply(f.fundingIndices, marketID, index, sequence, timestamp)
}

func apply(m map[string]feedState, marketID string, v fpmath.Wad, sequence, timestamp int64) bool {
	if current, ok := m[marketID]; ok && sequence <= current.Sequence {
		return false
	}
	m[marketID] = feedState{Value: v, Sequence: sequence, Timestamp: timestamp}
	return true
}

// MarkPrice returns the current mark price for a market
func (f *Feeds) MarkPrice(marketID string) (fpmath.Wad, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.markPrices[marketID]
	if !ok {
		return fpmath.Zero, fmt.Errorf("%w: %s", ErrNoMarkPrice, marketID)
	}
	return s.Value, nil
}

// FundingIndex returns the cumulative funding index. A market that has never
// published one is at index zero.
func (f *Feeds) FundingIndex(marketID string) (fpmath.Wad, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.fundingIndices[marketID].Value, nil
}

// MarkPriceSequence returns the last applied mark price sequence.
func (f *Feeds) MarkPriceSequence(marketID string) int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.markPrices[marketID].Sequence
}
