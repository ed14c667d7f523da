package math

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Wad is a signed fixed-point number with 18 decimals. The zero value is 0.
// Wads are immutable; every operation returns a new value.
type Wad struct {
	v *big.Int
}

var (
	Zero = Wad{}
	One  = Wad{v: new(big.Int).Set(scale)}
)

// NewWadFromInt returns n whole units.
func NewWadFromInt(n int64) Wad {
	return Wad{v: new(big.Int).Mul(big.NewInt(n), scale)}
}

// NewWadFromRaw wraps a raw base-unit value (1 == 1e-18).
func NewWadFromRaw(raw *big.Int) Wad {
	if raw == nil {
		return Zero
	}
	return Wad{v: new(big.Int).Set(raw)}
}

// ParseWad parses a decimal string such as "102.5" or "-0.0625".
// More than 18 fractional digits is an error.
func ParseWad(s string) (Wad, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("parse wad %q: %w", s, err)
	}
	shifted := d.Shift(Decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return Zero, fmt.Errorf("parse wad %q: more than %d fractional digits", s, Decimals)
	}
	raw := shifted.BigInt()
	if err := checkRange(raw); err != nil {
		return Zero, fmt.Errorf("parse wad %q: %w", s, err)
	}
	return Wad{v: raw}, nil
}

// MustParseWad is ParseWad for constants and tests.
func MustParseWad(s string) Wad {
	w, err := ParseWad(s)
	if err != nil {
		panic(err)
	}
	return w
}

// ParseRawWad parses a base-unit integer string (the storage form).
func ParseRawWad(s string) (Wad, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Zero, fmt.Errorf("parse raw wad %q: not an integer", s)
	}
	if err := checkRange(v); err != nil {
		return Zero, err
	}
	return Wad{v: v}, nil
}

func (w Wad) raw() *big.Int {
	if w.v == nil {
		return new(big.Int)
	}
	return w.v
}

// Raw returns a copy of the base-unit integer.
func (w Wad) Raw() *big.Int {
	return new(big.Int).Set(w.raw())
}

// RawString is the base-unit integer in decimal, used for NUMERIC columns.
func (w Wad) RawString() string {
	return w.raw().String()
}

// Decimal converts to a shopspring decimal.
func (w Wad) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(w.raw(), -Decimals)
}

func (w Wad) String() string {
	return w.Decimal().String()
}

func (w Wad) Add(o Wad) Wad { return Wad{v: new(big.Int).Add(w.raw(), o.raw())} }
func (w Wad) Sub(o Wad) Wad { return Wad{v: new(big.Int).Sub(w.raw(), o.raw())} }
func (w Wad) Neg() Wad { return Wad{v: new(big.Int).Neg(w.raw())} }
func (w Wad) Abs() Wad { return Wad{v: new(big.Int).Abs(w.raw())} }

func (w Wad) Sign() int { return w.raw().Sign() }
func (w Wad) IsZero() bool { return w.Sign() == 0 }
func (w Wad) Cmp(o Wad) int { return w.raw().Cmp(o.raw()) }
func (w Wad) Equal(o Wad) bool { return w.Cmp(o) == 0 }
func (w Wad) LessThan(o Wad) bool { return w.Cmp(o) < 0 }
func (w Wad) GreaterThan(o Wad) bool { return w.Cmp(o) > 0 }

func Min(a, b Wad) Wad {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

func Max(a, b Wad) Wad {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

// MarshalText encodes the decimal form, so Wads travel as JSON strings.
func (w Wad) MarshalText() ([]byte, error) {
	return []byte(w.String()), nil
}

func (w *Wad) UnmarshalText(b []byte) error {
	parsed, err := ParseWad(string(b))
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}

// CanonicalBytes is a length-prefixed sign+magnitude encoding for hashing.
func (w Wad) CanonicalBytes() []byte {
	mag := w.raw().Bytes()
	buf := make([]byte, 0, 2+len(mag))
	buf = append(buf, byte(w.Sign()+1), byte(len(mag)))
	return append(buf, mag...)
}
