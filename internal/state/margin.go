package state

import (
	fpmath "PerpSettle/internal/math"
)

// MarginStatus represents a position's margin health
type MarginStatus int

const (
	MarginStatusHealthy MarginStatus = iota
	MarginStatusAtRisk
	MarginStatusLiquidatable
	MarginStatusUnderwater
)

func (ms MarginStatus) String() string {
	switch ms {
	case MarginStatusHealthy:
		return "Healthy"
	case MarginStatusAtRisk:
		return "AtRisk"
	case MarginStatusLiquidatable:
		return "Liquidatable"
	case MarginStatusUnderwater:
		return "Underwater"
	default:
		return "Unknown"
	}
}

// MarginSummary is the read-only margin view of one position at a mark price.
type MarginSummary struct {
	MarkPrice        fpmath.Wad
	UnrealizedPnL    fpmath.Wad
	Equity           fpmath.Wad
	MarginRatio      fpmath.Wad
	BankruptcyPrice  fpmath.Wad
	UnderMaintenance bool
	Underwater       bool
	Status           MarginStatus
}

// UnrealizedPnL returns (mark - entry) * |q| * sign(q).
func UnrealizedPnL(pos *Position, mark fpmath.Wad) (fpmath.Wad, error) {
	if pos.IsFlat() {
		return fpmath.Zero, nil
	}
	return fpmath.ComputeRealizedPnL(pos.SideSign(), mark, pos.AvgEntryPrice, pos.Quantity)
}

// Equity is margin plus unrealized PnL at mark.
func Equity(pos *Position, mark fpmath.Wad) (fpmath.Wad, error) {
	upnl, err := UnrealizedPnL(pos, mark)
	if err != nil {
		return fpmath.Zero, err
	}
	return pos.Margin.Add(upnl), nil
}

// MarginRatio returns (margin + uPnL) / (|q| * mark). A flat position has
// ratio One so it never trips a margin check.
func MarginRatio(pos *Position, mark fpmath.Wad) (fpmath.Wad, error) {
	if pos.IsFlat() {
		return fpmath.One, nil
	}
	equity, err := Equity(pos, mark)
	if err != nil {
		return fpmath.Zero, err
	}
	notional, err := fpmath.ComputeNotional(pos.Quantity, mark)
	if err != nil {
		return fpmath.Zero, err
	}
	return fpmath.DivWad(equity, notional)
}

// BankruptcyPrice is the price at which equity reaches zero:
// entry - margin/|q| for longs (floored at 0), entry + margin/|q| for shorts.
func BankruptcyPrice(pos *Position) (fpmath.Wad, error) {
	if pos.IsFlat() {
		return fpmath.Zero, nil
	}
	perUnit, err := fpmath.DivWad(pos.Margin, pos.Quantity.Abs())
	if err != nil {
		return fpmath.Zero, err
	}
	if pos.SideSign() > 0 {
		return fpmath.Max(pos.AvgEntryPrice.Sub(perUnit), fpmath.Zero), nil
	}
	return pos.AvgEntryPrice.Add(perUnit), nil
}

// IsUnderMaintenanceMargin reports ratio < mmr. Equality is not liquidatable.
func IsUnderMaintenanceMargin(pos *Position, mark, mmr fpmath.Wad) (bool, error) {
	ratio, err := MarginRatio(pos, mark)
	if err != nil {
		return false, err
	}
	return ratio.LessThan(mmr), nil
}

// IsUnderwater reports margin + uPnL < 0.
func IsUnderwater(pos *Position, mark fpmath.Wad) (bool, error) {
	equity, err := Equity(pos, mark)
	if err != nil {
		return false, err
	}
	return equity.Sign() < 0, nil
}

// Evaluate computes the full margin summary of pos at mark under cfg.
func Evaluate(pos *Position, mark fpmath.Wad, cfg *MarketConfig) (MarginSummary, error) {
	upnl, err := UnrealizedPnL(pos, mark)
	if err != nil {
		return MarginSummary{}, err
	}
	ratio, err := MarginRatio(pos, mark)
	if err != nil {
		return MarginSummary{}, err
	}
	bankruptcy, err := BankruptcyPrice(pos)
	if err != nil {
		return MarginSummary{}, err
	}

	equity := pos.Margin.Add(upnl)
	summary := MarginSummary{
		MarkPrice:        mark,
		UnrealizedPnL:    upnl,
		Equity:           equity,
		MarginRatio:      ratio,
		BankruptcyPrice:  bankruptcy,
		UnderMaintenance: ratio.LessThan(cfg.MaintenanceMarginRatio),
		Underwater:       !pos.IsFlat() && equity.Sign() < 0,
	}

	switch {
	case summary.Underwater:
		summary.Status = MarginStatusUnderwater
	case summary.UnderMaintenance:
		summary.Status = MarginStatusLiquidatable
	case ratio.LessThan(cfg.InitialMarginRatio):
		summary.Status = MarginStatusAtRisk
	default:
		summary.Status = MarginStatusHealthy
	}
	return summary, nil
}
