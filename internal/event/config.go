package event

import (
	"slices"

	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"

	"github.com/google/uuid"
)

type FeeOverridePayload struct {
	Account      uuid.UUID   `json:"account"`
	MakerFeeRate *fpmath.Wad `json:"maker_fee_rate,omitempty"`
	TakerFeeRate *fpmath.Wad `json:"taker_fee_rate,omitempty"`
}

// MarketConfigPayload is the wire form of a market config snapshot.
type MarketConfigPayload struct {
	MarketID                 string               `json:"market_id"`
	Version                  int64                `json:"version"`
	InitialMarginRatio       fpmath.Wad           `json:"initial_margin_ratio"`
	MaintenanceMarginRatio   fpmath.Wad           `json:"maintenance_margin_ratio"`
	MaxLeverage              fpmath.Wad           `json:"max_leverage"`
	TickSize                 fpmath.Wad           `json:"tick_size"`
	MakerFeeRate             fpmath.Wad           `json:"maker_fee_rate"`
	TakerFeeRate             fpmath.Wad           `json:"taker_fee_rate"`
	FeeOverrides             []FeeOverridePayload `json:"fee_overrides,omitempty"`
	InsurancePoolRatio       fpmath.Wad           `json:"insurance_pool_ratio"`
	GasCharge                fpmath.Wad           `json:"gas_charge"`
	GaslessNotionalThreshold fpmath.Wad           `json:"gasless_notional_threshold"`
	Liquidators              []uuid.UUID          `json:"liquidators"`
	DeleveragingOperator     uuid.UUID            `json:"deleveraging_operator"`
}

// ConfigEvent is published after an admin command produced a new snapshot.
type ConfigEvent struct {
	Sequence  int64               `json:"sequence"`
	CommandID uuid.UUID           `json:"command_id"`
	Command   string              `json:"command"`
	Config    MarketConfigPayload `json:"config"`
}

func NewMarketConfigPayload(cfg *state.MarketConfig) MarketConfigPayload {
	p := MarketConfigPayload{
		MarketID:                 cfg.MarketID,
		Version:                  cfg.Version,
		InitialMarginRatio:       cfg.InitialMarginRatio,
		MaintenanceMarginRatio:   cfg.MaintenanceMarginRatio,
		MaxLeverage:              cfg.MaxLeverage,
		TickSize:                 cfg.TickSize,
		MakerFeeRate:             cfg.MakerFeeRate,
		TakerFeeRate:             cfg.TakerFeeRate,
		InsurancePoolRatio:       cfg.InsurancePoolRatio,
		GasCharge:                cfg.GasCharge,
		GaslessNotionalThreshold: cfg.GaslessNotionalThreshold,
		Liquidators:              make([]uuid.UUID, 0, len(cfg.Liquidators)),
		DeleveragingOperator:     cfg.DeleveragingOperator,
	}
	for acct, ok := range cfg.Liquidators {
		if ok {
			p.Liquidators = append(p.Liquidators, acct)
		}
	}
	slices.SortFunc(p.Liquidators, compareUUID)

	accounts := make(map[uuid.UUID]bool)
	for acct := range cfg.MakerFeeOverrides {
		accounts[acct] = true
	}
	for acct := range cfg.TakerFeeOverrides {
		accounts[acct] = true
	}
	for acct := range accounts {
		o := FeeOverridePayload{Account: acct}
		if r, ok := cfg.MakerFeeOverrides[acct]; ok {
			o.MakerFeeRate = &r
		}
		if r, ok := cfg.TakerFeeOverrides[acct]; ok {
			o.TakerFeeRate = &r
		}
		p.FeeOverrides = append(p.FeeOverrides, o)
	}
	slices.SortFunc(p.FeeOverrides, func(a, b FeeOverridePayload) int {
		return compareUUID(a.Account, b.Account)
	})
	return p
}

func NewConfigEvent(seq int64, cmd *ConfigCommand, cfg *state.MarketConfig) ConfigEvent {
	return ConfigEvent{
		Sequence:  seq,
		CommandID: cmd.CommandID,
		Command:   cmd.Command.Name(),
		Config:    NewMarketConfigPayload(cfg),
	}
}

func compareUUID(a, b uuid.UUID) int {
	return slices.Compare(a[:], b[:])
}
