package state

import (
	"errors"
	"fmt"

	fpmath "PerpSettle/internal/math"

	"github.com/google/uuid"
)

// Side of a position or fill, derived from the sign of the quantity.
type Side int8

const (
	SideFlat Side = iota
	SideLong
	SideShort
)

func (s Side) String() string {
	switch s {
	case SideFlat:
		return "Flat"
	case SideLong:
		return "Long"
	case SideShort:
		return "Short"
	default:
		return "Unknown"
	}
}

var ErrPositionInvariant = errors.New("position invariant violated")

// Position is an isolated-margin position of one account in one market.
type Position struct {
	Account          uuid.UUID
	MarketID         string
	Quantity         fpmath.Wad // signed: >0 long, <0 short
	AvgEntryPrice    fpmath.Wad
	Margin           fpmath.Wad
	MarginRatioOpen  fpmath.Wad // 1/leverage at the last open or re-margin
	LastFundingIndex fpmath.Wad
	Version          int64 // Optimistic concurrency control
}

// NewPosition returns the flat position an account holds before its first fill.
func NewPosition(account uuid.UUID, marketID string) Position {
	return Position{Account: account, MarketID: marketID}
}

// IsFlat returns true if position has no exposure
func (p *Position) IsFlat() bool {
	return p.Quantity.IsZero()
}

// Side returns the side implied by the quantity sign.
func (p *Position) Side() Side {
	switch p.Quantity.Sign() {
	case 1:
		return SideLong
	case -1:
		return SideShort
	default:
		return SideFlat
	}
}

// SideSign returns +1 for long, -1 for short, 0 for flat
func (p *Position) SideSign() int {
	return p.Quantity.Sign()
}

// OpenNotional is |quantity| * avgEntryPrice.
func (p *Position) OpenNotional() (fpmath.Wad, error) {
	return fpmath.ComputeNotional(p.Quantity, p.AvgEntryPrice)
}

// Reset zeroes the exposure while keeping identity and funding index.
func (p *Position) Reset() {
	p.Quantity = fpmath.Zero
	p.AvgEntryPrice = fpmath.Zero
	p.Margin = fpmath.Zero
	p.MarginRatioOpen = fpmath.Zero
}

// Validate checks the flat-position and sign invariants.
func (p *Position) Validate() error {
	if p.Margin.Sign() < 0 {
		return fmt.Errorf("%w: negative margin %s", ErrPositionInvariant, p.Margin)
	}
	if p.AvgEntryPrice.Sign() < 0 {
		return fmt.Errorf("%w: negative entry price %s", ErrPositionInvariant, p.AvgEntryPrice)
	}
	if p.IsFlat() {
		if !p.Margin.IsZero() {
			return fmt.Errorf("%w: flat position holds margin %s", ErrPositionInvariant, p.Margin)
		}
		if !p.AvgEntryPrice.IsZero() {
			return fmt.Errorf("%w: flat position has entry price %s", ErrPositionInvariant, p.AvgEntryPrice)
		}
		return nil
	}
	if p.AvgEntryPrice.IsZero() {
		return fmt.Errorf("%w: open position without entry price", ErrPositionInvariant)
	}
	return nil
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 160)

	buf = append(buf, p.Account[:]...)

	buf = append(buf, byte(len(p.MarketID)))
	buf = append(buf, []byte(p.MarketID)...)

	buf = append(buf, p.Quantity.CanonicalBytes()...)
	buf = append(buf, p.AvgEntryPrice.CanonicalBytes()...)
	buf = append(buf, p.Margin.CanonicalBytes()...)
	buf = append(buf, p.MarginRatioOpen.CanonicalBytes()...)
	buf = append(buf, p.LastFundingIndex.CanonicalBytes()...)

	return appendInt64LE(buf, p.Version)
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
