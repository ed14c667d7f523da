package core

import (
	"fmt"

	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"

	"github.com/google/uuid"
)

// TradeKind selects the settlement policy.
type TradeKind int32

const (
	TradeKindNormal TradeKind = iota
	TradeKindLiquidation
	TradeKindADL
)

func (k TradeKind) String() string {
	switch k {
	case TradeKindNormal:
		return "Normal"
	case TradeKindLiquidation:
		return "Liquidation"
	case TradeKindADL:
		return "ADL"
	default:
		return "Unknown"
	}
}

// ParseTradeKind accepts the String form, case-sensitive.
func ParseTradeKind(s string) (TradeKind, error) {
	switch s {
	case "Normal", "":
		return TradeKindNormal, nil
	case "Liquidation":
		return TradeKindLiquidation, nil
	case "ADL":
		return TradeKindADL, nil
	}
	return 0, fmt.Errorf("unknown trade kind %q", s)
}

// Fill is a matched trade between a maker and a taker. Direction is from the
// taker's perspective: IsBuy means the taker goes long Quantity.
type Fill struct {
	Price        fpmath.Wad
	Quantity     fpmath.Wad
	IsBuy        bool
	AllOrNothing bool

	// Zero leverage keeps the position's current leverage.
	MakerLeverage fpmath.Wad
	TakerLeverage fpmath.Wad

	MakerReduceOnly bool
	TakerReduceOnly bool
}

// SettleRequest is one settlement call.
type SettleRequest struct {
	TradeID  uuid.UUID
	MarketID string
	// BatchID groups fills submitted together; the flat gas charge is taken
	// at most once per account per batch.
	BatchID string
	Kind    TradeKind
	Caller  uuid.UUID
	Maker   uuid.UUID
	Taker   uuid.UUID
	Fill    Fill

	Sequence  int64
	Timestamp int64 // epoch microseconds
}

// LegResult is one side of a committed settlement.
type LegResult struct {
	Account        uuid.UUID
	Position       state.Position
	BankBalance    fpmath.Wad
	RealizedPnL    fpmath.Wad
	Fee            fpmath.Wad
	GasCharge      fpmath.Wad
	FundingPayment fpmath.Wad
	MarginRatio    fpmath.Wad
}

// SettlementResult is the committed outcome of a settle call.
type SettlementResult struct {
	TradeID       uuid.UUID
	MarketID      string
	Kind          TradeKind
	ConfigVersion int64
	// NoOp is set for self-trades: nothing was read or written.
	NoOp bool

	// Price and Quantity actually executed. Liquidation and ADL may cap the
	// quantity; ADL executes at the maker's bankruptcy price.
	Price    fpmath.Wad
	Quantity fpmath.Wad

	Maker LegResult
	Taker LegResult

	InsurancePremium  fpmath.Wad
	LiquidatorPremium fpmath.Wad
	// ADLSettlementAmount is the maker's signed settlement amount.
	ADLSettlementAmount fpmath.Wad

	Batch     *ledger.Batch
	StateHash [32]byte
}
