package state

import (
	"errors"
	"fmt"
	"maps"

	fpmath "PerpSettle/internal/math"

	"github.com/google/uuid"
)

var ErrInvalidMarketConfig = errors.New("invalid market config")

// MarketConfig is an immutable, versioned snapshot of one market's
// settlement parameters. It is passed into every settlement call; updates
// produce a new snapshot through Update.
type MarketConfig struct {
	MarketID string
	Version  int64

	InitialMarginRatio     fpmath.Wad
	MaintenanceMarginRatio fpmath.Wad
	MaxLeverage            fpmath.Wad
	TickSize               fpmath.Wad

	MakerFeeRate fpmath.Wad
	TakerFeeRate fpmath.Wad
	// Per-account overrides for whitelisted fee tiers.
	MakerFeeOverrides map[uuid.UUID]fpmath.Wad
	TakerFeeOverrides map[uuid.UUID]fpmath.Wad

	// Share of a positive liquidation premium routed to the insurance pool.
	InsurancePoolRatio fpmath.Wad

	GasCharge                fpmath.Wad
	GaslessNotionalThreshold fpmath.Wad // zero disables the exemption

	Liquidators          map[uuid.UUID]bool
	DeleveragingOperator uuid.UUID
}

// Validate checks that parameters are within valid ranges:
// 0 < mmr <= imr <= 1, max_leverage >= 1, tick_size > 0,
// fee rates >= 0, insurance ratio in [0, 1], gas >= 0.
func (c *MarketConfig) Validate() error {
	if c.MarketID == "" {
		return fmt.Errorf("%w: market_id is required", ErrInvalidMarketConfig)
	}
	if c.MaintenanceMarginRatio.Sign() <= 0 {
		return fmt.Errorf("%w: maintenance margin ratio must be > 0, got %s", ErrInvalidMarketConfig, c.MaintenanceMarginRatio)
	}
	if c.MaintenanceMarginRatio.GreaterThan(c.InitialMarginRatio) {
		return fmt.Errorf("%w: maintenance margin ratio (%s) must be <= initial (%s)",
			ErrInvalidMarketConfig, c.MaintenanceMarginRatio, c.InitialMarginRatio)
	}
	if c.InitialMarginRatio.GreaterThan(fpmath.One) {
		return fmt.Errorf("%w: initial margin ratio must be <= 1, got %s", ErrInvalidMarketConfig, c.InitialMarginRatio)
	}
	if c.MaxLeverage.LessThan(fpmath.One) {
		return fmt.Errorf("%w: max leverage must be >= 1, got %s", ErrInvalidMarketConfig, c.MaxLeverage)
	}
	if c.TickSize.Sign() <= 0 {
		return fmt.Errorf("%w: tick size must be > 0, got %s", ErrInvalidMarketConfig, c.TickSize)
	}
	if c.MakerFeeRate.Sign() < 0 || c.TakerFeeRate.Sign() < 0 {
		return fmt.Errorf("%w: fee rates must be >= 0", ErrInvalidMarketConfig)
	}
	for acct, rate := range c.MakerFeeOverrides {
		if rate.Sign() < 0 {
			return fmt.Errorf("%w: maker fee override for %s is negative", ErrInvalidMarketConfig, acct)
		}
	}
	for acct, rate := range c.TakerFeeOverrides {
		if rate.Sign() < 0 {
			return fmt.Errorf("%w: taker fee override for %s is negative", ErrInvalidMarketConfig, acct)
		}
	}
	if c.InsurancePoolRatio.Sign() < 0 || c.InsurancePoolRatio.GreaterThan(fpmath.One) {
		return fmt.Errorf("%w: insurance pool ratio must be in [0, 1], got %s", ErrInvalidMarketConfig, c.InsurancePoolRatio)
	}
	if c.GasCharge.Sign() < 0 || c.GaslessNotionalThreshold.Sign() < 0 {
		return fmt.Errorf("%w: gas charge and gasless threshold must be >= 0", ErrInvalidMarketConfig)
	}
	return nil
}

// Clone returns a deep copy; the maps are never shared between snapshots.
func (c MarketConfig) Clone() MarketConfig {
	c.MakerFeeOverrides = maps.Clone(c.MakerFeeOverrides)
	c.TakerFeeOverrides = maps.Clone(c.TakerFeeOverrides)
	c.Liquidators = maps.Clone(c.Liquidators)
	return c
}

// Update applies mutate to a copy, bumps the version and validates it.
// The receiver is never modified.
func (c MarketConfig) Update(mutate func(*MarketConfig)) (MarketConfig, error) {
	next := c.Clone()
	mutate(&next)
	next.MarketID = c.MarketID
	next.Version = c.Version + 1
	if err := next.Validate(); err != nil {
		return c, err
	}
	return next, nil
}

// MakerFeeRateFor returns the override for account if one exists, else the default.
func (c *MarketConfig) MakerFeeRateFor(account uuid.UUID) fpmath.Wad {
	if rate, ok := c.MakerFeeOverrides[account]; ok {
		return rate
	}
	return c.MakerFeeRate
}

// TakerFeeRateFor returns the override for account if one exists, else the default.
func (c *MarketConfig) TakerFeeRateFor(account uuid.UUID) fpmath.Wad {
	if rate, ok := c.TakerFeeOverrides[account]; ok {
		return rate
	}
	return c.TakerFeeRate
}

func (c *MarketConfig) IsLiquidator(account uuid.UUID) bool {
	return c.Liquidators[account]
}
