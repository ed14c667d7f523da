package event

import (
	"fmt"

	fpmath "PerpSettle/internal/math"
)

// MarkPriceUpdate represents a mark price update from oracle
type MarkPriceUpdate struct {
	MarketID       string
	MarkPrice      fpmath.Wad
	PriceSequence  int64 // Monotonic per market
	PriceTimestamp int64 // Epoch microseconds
}

func (m *MarkPriceUpdate) IdempotencyKey() string {
	return fmt.Sprintf("%s:price:%d", m.MarketID, m.PriceSequence)
}

func (m *MarkPriceUpdate) EventType() EventType {
	return EventTypeMarkPriceUpdate
}

func (m *MarkPriceUpdate) Market() string {
	return m.MarketID
}

func (m *MarkPriceUpdate) SourceSequence() int64 {
	return m.PriceSequence
}

// FundingIndexUpdate carries the market's new cumulative funding index.
type FundingIndexUpdate struct {
	MarketID       string
	Index          fpmath.Wad // signed
	IndexSequence  int64
	IndexTimestamp int64
}

func (f *FundingIndexUpdate) IdempotencyKey() string {
	return fmt.Sprintf("%s:funding:%d", f.MarketID, f.IndexSequence)
}

func (f *FundingIndexUpdate) EventType() EventType {
	return EventTypeFundingIndexUpdate
}

func (f *FundingIndexUpdate) Market() string {
	return f.MarketID
}

func (f *FundingIndexUpdate) SourceSequence() int64 {
	return f.IndexSequence
}
