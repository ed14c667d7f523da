package core

import (
	"fmt"

	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"
)

// authorize checks the caller against the trade kind's permission rule.
func (e *Engine) authorize(cfg *state.MarketConfig, req *SettleRequest) error {
	switch req.Kind {
	case TradeKindNormal:
		if !e.access.IsSettlementOperator(req.Caller) {
			return fmt.Errorf("%w: %s is not a settlement operator", ErrUnauthorized, req.Caller)
		}
	case TradeKindLiquidation:
		if !cfg.IsLiquidator(req.Taker) {
			return fmt.Errorf("%w: taker %s is not a whitelisted liquidator", ErrUnauthorized, req.Taker)
		}
		if !e.access.IsDelegate(req.Taker, req.Caller) {
			return fmt.Errorf("%w: %s may not act for liquidator %s", ErrUnauthorized, req.Caller, req.Taker)
		}
	case TradeKindADL:
		if req.Caller != cfg.DeleveragingOperator {
			return fmt.Errorf("%w: %s is not the deleveraging operator", ErrUnauthorized, req.Caller)
		}
	default:
		return fmt.Errorf("%w: unknown trade kind %d", ErrUnauthorized, req.Kind)
	}
	return nil
}

// validateFill checks the fill's own fields. ADL ignores the fill price
// because it executes at the maker's bankruptcy price.
func validateFill(cfg *state.MarketConfig, req *SettleRequest) error {
	f := &req.Fill
	if f.Quantity.Sign() <= 0 {
		return ErrZeroQuantity
	}
	if req.Kind == TradeKindADL {
		return nil
	}
	if f.Price.Sign() <= 0 {
		return ErrZeroPrice
	}
	if _, err := fpmath.RoundToTick(f.Price, cfg.TickSize); err != nil {
		return fmt.Errorf("%w: price %s, tick %s", ErrTickMisaligned, f.Price, cfg.TickSize)
	}
	if req.Kind == TradeKindNormal {
		if err := validateLeverage(cfg, f.MakerLeverage, true); err != nil {
			return fmt.Errorf("maker: %w", err)
		}
		if err := validateLeverage(cfg, f.TakerLeverage, true); err != nil {
			return fmt.Errorf("taker: %w", err)
		}
	}
	return nil
}

// validateLeverage requires a whole number in [1, MaxLeverage]. Zero is
// accepted only when optional.
func validateLeverage(cfg *state.MarketConfig, lev fpmath.Wad, optional bool) error {
	if lev.IsZero() && optional {
		return nil
	}
	if !fpmath.IsWhole(lev) || lev.LessThan(fpmath.One) || lev.GreaterThan(cfg.MaxLeverage) {
		return fmt.Errorf("%w: got %s, max %s", ErrInvalidLeverage, lev, cfg.MaxLeverage)
	}
	return nil
}

// checkReduceOnly rejects a leg that would open, increase or flip.
func checkReduceOnly(s *side, delta fpmath.Wad) error {
	if !s.reduceOnly {
		return nil
	}
	if s.pos.IsFlat() || s.pos.Quantity.Sign() == delta.Sign() || delta.Abs().GreaterThan(s.pos.Quantity.Abs()) {
		return fmt.Errorf("%w: %s", ErrReduceOnlyViolation, s.role)
	}
	return nil
}

// checkLiquidation enforces the liquidation preconditions on the accrued
// positions and returns the executable quantity.
func checkLiquidation(cfg *state.MarketConfig, mark fpmath.Wad, maker, taker *side, fill *Fill) (fpmath.Wad, error) {
	if cfg.IsLiquidator(maker.account) {
		return fpmath.Zero, ErrCannotLiquidateWhitelisted
	}
	if maker.pos.IsFlat() {
		return fpmath.Zero, ErrMakerZeroPosition
	}

	under, err := state.IsUnderMaintenanceMargin(&maker.pos, mark, cfg.MaintenanceMarginRatio)
	if err != nil {
		return fpmath.Zero, fmt.Errorf("%w: %w", ErrArithmetic, err)
	}
	if !under {
		return fpmath.Zero, ErrNotUndercollateralized
	}

	// taker buys => maker sells; the maker must be long to be reduced
	makerDeltaSign := 1
	if fill.IsBuy {
		makerDeltaSign = -1
	}
	if maker.pos.SideSign() == makerDeltaSign {
		return fpmath.Zero, ErrMustDecreasePosition
	}

	qty := fill.Quantity
	makerQty := maker.pos.Quantity.Abs()
	if qty.GreaterThan(makerQty) {
		if fill.AllOrNothing {
			return fpmath.Zero, fmt.Errorf("%w: wanted %s, maker holds %s", ErrAllOrNothingUnfillable, qty, makerQty)
		}
		qty = makerQty
	}

	if err := validateLeverage(cfg, taker.leverage, false); err != nil {
		return fpmath.Zero, fmt.Errorf("liquidator: %w", err)
	}
	return qty, nil
}

// checkADL enforces the deleveraging preconditions and returns the
// executable quantity and the maker's bankruptcy price.
func checkADL(cfg *state.MarketConfig, mark fpmath.Wad, maker, taker *side, fill *Fill) (fpmath.Wad, fpmath.Wad, error) {
	if maker.pos.IsFlat() {
		return fpmath.Zero, fpmath.Zero, ErrMakerZeroPosition
	}
	if taker.pos.IsFlat() {
		return fpmath.Zero, fpmath.Zero, ErrTakerZeroPosition
	}

	makerUnder, err := state.IsUnderwater(&maker.pos, mark)
	if err != nil {
		return fpmath.Zero, fpmath.Zero, fmt.Errorf("%w: %w", ErrArithmetic, err)
	}
	if !makerUnder {
		return fpmath.Zero, fpmath.Zero, ErrMakerNotUnderwater
	}
	takerUnder, err := state.IsUnderwater(&taker.pos, mark)
	if err != nil {
		return fpmath.Zero, fpmath.Zero, fmt.Errorf("%w: %w", ErrArithmetic, err)
	}
	if takerUnder {
		return fpmath.Zero, fpmath.Zero, ErrTakerUnderwater
	}

	if maker.pos.SideSign() == taker.pos.SideSign() {
		return fpmath.Zero, fpmath.Zero, ErrSameSidePositions
	}

	makerDeltaSign := 1
	if fill.IsBuy {
		makerDeltaSign = -1
	}
	if maker.pos.SideSign() == makerDeltaSign {
		return fpmath.Zero, fpmath.Zero, ErrMustNotIncreasePosition
	}

	qty := fill.Quantity
	makerQty := maker.pos.Quantity.Abs()
	takerQty := taker.pos.Quantity.Abs()
	if fill.AllOrNothing {
		if qty.GreaterThan(makerQty) {
			return fpmath.Zero, fpmath.Zero, ErrMakerAllOrNothingUnfillable
		}
		if qty.GreaterThan(takerQty) {
			return fpmath.Zero, fpmath.Zero, ErrTakerAllOrNothingUnfillable
		}
	}
	qty = fpmath.Min(qty, fpmath.Min(makerQty, takerQty))

	price, err := state.BankruptcyPrice(&maker.pos)
	if err != nil {
		return fpmath.Zero, fpmath.Zero, fmt.Errorf("%w: %w", ErrArithmetic, err)
	}
	return qty, price, nil
}

// checkCollateral applies the post-trade margin rule to one side of a normal
// trade (and to the liquidator): a leg that opened exposure must clear the
// initial margin ratio; a reducing leg that stays open must clear maintenance
// or at least not worsen its ratio.
func checkCollateral(cfg *state.MarketConfig, mark fpmath.Wad, s *side) error {
	if s.pos.IsFlat() {
		return nil
	}
	ratio, err := state.MarginRatio(&s.pos, mark)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrArithmetic, err)
	}
	if s.opened {
		if ratio.LessThan(cfg.InitialMarginRatio) {
			return fmt.Errorf("%w: %s ratio %s below %s", ErrBelowInitialMargin, s.role, ratio, cfg.InitialMarginRatio)
		}
		return nil
	}
	if ratio.LessThan(cfg.MaintenanceMarginRatio) && ratio.LessThan(s.ratioBefore) {
		return fmt.Errorf("%w: %s ratio %s -> %s", ErrMarginRatioWorsened, s.role, s.ratioBefore, ratio)
	}
	return nil
}
