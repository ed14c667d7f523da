package event

import (
	"PerpSettle/internal/core"
)

// SettleRequested is a matched trade, liquidation or ADL fill submitted for
// settlement. Idempotency key: the trade id.
type SettleRequested struct {
	Request core.SettleRequest
	// Upstream sequence of the matcher or keeper that produced it.
	Sequence int64
}

func (s *SettleRequested) IdempotencyKey() string {
	return "settle:" + s.Request.TradeID.String()
}

func (s *SettleRequested) EventType() EventType {
	return EventTypeSettleRequested
}

func (s *SettleRequested) Market() string {
	return s.Request.MarketID
}

func (s *SettleRequested) SourceSequence() int64 {
	return s.Sequence
}
