package admin

import (
	"encoding/json"
	"fmt"

	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"

	"github.com/google/uuid"
)

// Command mutates a copy of a market config. Validation of the result is
// done by the registry, so Apply never fails.
type Command interface {
	Name() string
	Apply(cfg *state.MarketConfig)
}

// SetMarginRatios replaces the margin ratios and the leverage cap.
type SetMarginRatios struct {
	InitialMarginRatio     fpmath.Wad `json:"initial_margin_ratio"`
	MaintenanceMarginRatio fpmath.Wad `json:"maintenance_margin_ratio"`
	MaxLeverage            fpmath.Wad `json:"max_leverage"`
}

func (SetMarginRatios) Name() string { return "set_margin_ratios" }

func (c SetMarginRatios) Apply(cfg *state.MarketConfig) {
	cfg.InitialMarginRatio = c.InitialMarginRatio
	cfg.MaintenanceMarginRatio = c.MaintenanceMarginRatio
	cfg.MaxLeverage = c.MaxLeverage
}

type SetFeeRates struct {
	MakerFeeRate fpmath.Wad `json:"maker_fee_rate"`
	TakerFeeRate fpmath.Wad `json:"taker_fee_rate"`
}

func (SetFeeRates) Name() string { return "set_fee_rates" }

func (c SetFeeRates) Apply(cfg *state.MarketConfig) {
	cfg.MakerFeeRate = c.MakerFeeRate
	cfg.TakerFeeRate = c.TakerFeeRate
}

// SetFeeOverride whitelists an account at custom rates, or removes it.
type SetFeeOverride struct {
	Account      uuid.UUID  `json:"account"`
	MakerFeeRate fpmath.Wad `json:"maker_fee_rate"`
	TakerFeeRate fpmath.Wad `json:"taker_fee_rate"`
	Remove       bool       `json:"remove"`
}

func (SetFeeOverride) Name() string { return "set_fee_override" }

func (c SetFeeOverride) Apply(cfg *state.MarketConfig) {
	if c.Remove {
		delete(cfg.MakerFeeOverrides, c.Account)
		delete(cfg.TakerFeeOverrides, c.Account)
		return
	}
	if cfg.MakerFeeOverrides == nil {
		cfg.MakerFeeOverrides = make(map[uuid.UUID]fpmath.Wad)
	}
	if cfg.TakerFeeOverrides == nil {
		cfg.TakerFeeOverrides = make(map[uuid.UUID]fpmath.Wad)
	}
	cfg.MakerFeeOverrides[c.Account] = c.MakerFeeRate
	cfg.TakerFeeOverrides[c.Account] = c.TakerFeeRate
}

type SetLiquidator struct {
	Account uuid.UUID `json:"account"`
	Allowed bool      `json:"allowed"`
}

func (SetLiquidator) Name() string { return "set_liquidator" }

func (c SetLiquidator) Apply(cfg *state.MarketConfig) {
	if !c.Allowed {
		delete(cfg.Liquidators, c.Account)
		return
	}
	if cfg.Liquidators == nil {
		cfg.Liquidators = make(map[uuid.UUID]bool)
	}
	cfg.Liquidators[c.Account] = true
}

type SetDeleveragingOperator struct {
	Operator uuid.UUID `json:"operator"`
}

func (SetDeleveragingOperator) Name() string { return "set_deleveraging_operator" }

func (c SetDeleveragingOperator) Apply(cfg *state.MarketConfig) {
	cfg.DeleveragingOperator = c.Operator
}

type SetInsurancePoolRatio struct {
	Ratio fpmath.Wad `json:"ratio"`
}

func (SetInsurancePoolRatio) Name() string { return "set_insurance_pool_ratio" }

func (c SetInsurancePoolRatio) Apply(cfg *state.MarketConfig) {
	cfg.InsurancePoolRatio = c.Ratio
}

// SetGasCharge sets the flat per-batch charge and the notional at or above
// which fills are exempt. A zero threshold disables the exemption.
type SetGasCharge struct {
	GasCharge                fpmath.Wad `json:"gas_charge"`
	GaslessNotionalThreshold fpmath.Wad `json:"gasless_notional_threshold"`
}

func (SetGasCharge) Name() string { return "set_gas_charge" }

func (c SetGasCharge) Apply(cfg *state.MarketConfig) {
	cfg.GasCharge = c.GasCharge
	cfg.GaslessNotionalThreshold = c.GaslessNotionalThreshold
}

// DecodeCommand parses a JSON command payload by its wire name.
func DecodeCommand(name string, payload []byte) (Command, error) {
	switch name {
	case SetMarginRatios{}.Name():
		return decode[SetMarginRatios](name, payload)
	case SetFeeRates{}.Name():
		return decode[SetFeeRates](name, payload)
	case SetFeeOverride{}.Name():
		return decode[SetFeeOverride](name, payload)
	case SetLiquidator{}.Name():
		return decode[SetLiquidator](name, payload)
	case SetDeleveragingOperator{}.Name():
		return decode[SetDeleveragingOperator](name, payload)
	case SetInsurancePoolRatio{}.Name():
		return decode[SetInsurancePoolRatio](name, payload)
	case SetGasCharge{}.Name():
		return decode[SetGasCharge](name, payload)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
}

func decode[T Command](name string, payload []byte) (Command, error) {
	var c T
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return c, nil
}
