package math

import (
	"errors"
	"math/big"
	"sync"
)

// Decimals is the number of fractional digits carried by a Wad.
const Decimals = 18

var (
	ErrDivisionByZero     = errors.New("fixedpoint: division by zero")
	ErrArithmeticOverflow = errors.New("fixedpoint: result exceeds int256 range")
	ErrTickMisaligned     = errors.New("fixedpoint: value is not a positive multiple of tick size")
)

var (
	scale = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)

	// maxRaw is the largest magnitude a Wad may carry (2^255 - 1).
	maxRaw = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(1))
)

// bigPool holds scratch integers for intermediate products.
var bigPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getBig() *big.Int {
	return bigPool.Get().(*big.Int)
}

func putBig(v *big.Int) {
	v.SetInt64(0)
	bigPool.Put(v)
}

func checkRange(v *big.Int) error {
	if v.CmpAbs(maxRaw) > 0 {
		return ErrArithmeticOverflow
	}
	return nil
}

// AddWad is Add with the int256 range check. The unchecked Add and Sub are
// for values already bounded by collateral; anything fed from outside the
// engine (deposits, feed values) goes through the checked forms.
func AddWad(a, b Wad) (Wad, error) {
	r := new(big.Int).Add(a.raw(), b.raw())
	if err := checkRange(r); err != nil {
		return Zero, err
	}
	return Wad{v: r}, nil
}

// SubWad is Sub with the int256 range check.
func SubWad(a, b Wad) (Wad, error) {
	r := new(big.Int).Sub(a.raw(), b.raw())
	if err := checkRange(r); err != nil {
		return Zero, err
	}
	return Wad{v: r}, nil
}

// MulWad returns a*b/1e18, truncated toward zero.
func MulWad(a, b Wad) (Wad, error) {
	return MulDiv(a.raw(), b.raw(), scale)
}

// DivWad returns a*1e18/b, truncated toward zero.
func DivWad(a, b Wad) (Wad, error) {
	return MulDiv(a.raw(), scale, b.raw())
}

// MulDiv returns a*b/c on raw integers, truncated toward zero.
func MulDiv(a, b, c *big.Int) (Wad, error) {
	if c.Sign() == 0 {
		return Zero, ErrDivisionByZero
	}
	num := getBig()
	defer putBig(num)
	num.Mul(a, b)

	out := new(big.Int).Quo(num, c)
	if err := checkRange(out); err != nil {
		return Zero, err
	}
	return Wad{v: out}, nil
}

// Scale returns the raw value of a Wad ratio applied to an amount:
// amount * num / den, truncated toward zero.
func Scale(amount, num, den Wad) (Wad, error) {
	return MulDiv(amount.raw(), num.raw(), den.raw())
}

// RoundToTick returns value unchanged when it is a positive multiple of
// tick, and ErrTickMisaligned otherwise. Settlement never rounds a price or
// quantity silently.
func RoundToTick(value, tick Wad) (Wad, error) {
	if tick.Sign() <= 0 {
		return Zero, ErrDivisionByZero
	}
	if value.Sign() <= 0 {
		return Zero, ErrTickMisaligned
	}
	rem := getBig()
	defer putBig(rem)
	rem.Rem(value.raw(), tick.raw())
	if rem.Sign() != 0 {
		return Zero, ErrTickMisaligned
	}
	return value, nil
}

// FloorToTick truncates value down to the nearest multiple of tick.
func FloorToTick(value, tick Wad) (Wad, error) {
	if tick.Sign() <= 0 {
		return Zero, ErrDivisionByZero
	}
	q := new(big.Int).Quo(value.raw(), tick.raw())
	return Wad{v: q.Mul(q, tick.raw())}, nil
}

// IsWhole reports whether w has no fractional part.
func IsWhole(w Wad) bool {
	rem := getBig()
	defer putBig(rem)
	return rem.Rem(w.raw(), scale).Sign() == 0
}
