package core

import (
	"errors"

	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"
)

// Kind classifies a settlement failure. Callers branch on the kind; the
// specific sentinel identifies the rule that failed.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidInput
	KindUnauthorized
	KindInsufficientCollateral
	KindPreconditionFailed
	KindStateInvariantViolation
	KindArithmetic
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "InvalidInput"
	case KindUnauthorized:
		return "Unauthorized"
	case KindInsufficientCollateral:
		return "InsufficientCollateral"
	case KindPreconditionFailed:
		return "PreconditionFailed"
	case KindStateInvariantViolation:
		return "StateInvariantViolation"
	case KindArithmetic:
		return "Arithmetic"
	default:
		return "Unknown"
	}
}

// Error is a typed settlement error. Sentinels below are compared with
// errors.Is; wrap them with fmt.Errorf("%w: ...") to add detail.
type Error struct {
	Kind Kind
	Code string
	Msg  string
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Msg
}

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

// InvalidInput
var (
	ErrZeroQuantity     = newError(KindInvalidInput, "zero_quantity", "fill quantity must be > 0")
	ErrZeroPrice        = newError(KindInvalidInput, "zero_price", "fill price must be > 0")
	ErrTickMisaligned   = newError(KindInvalidInput, "tick_misaligned", "fill price is not a multiple of the tick size")
	ErrInvalidLeverage  = newError(KindInvalidInput, "invalid_leverage", "leverage must be a whole number between 1 and the market maximum")
	ErrInvalidMarkPrice = newError(KindInvalidInput, "invalid_mark_price", "oracle mark price must be > 0")
	ErrMarketMismatch   = newError(KindInvalidInput, "market_mismatch", "request market does not match the market config")
	ErrInvalidAmount    = newError(KindInvalidInput, "invalid_amount", "amount must be > 0")
)

// Unauthorized
var (
	ErrUnauthorized    = newError(KindUnauthorized, "unauthorized", "caller is not permitted to perform this operation")
	ErrTradingDisabled = newError(KindUnauthorized, "trading_disabled", "trading is not allowed on this market")
)

// InsufficientCollateral
var (
	ErrInsufficientCollateral   = newError(KindInsufficientCollateral, "insufficient_collateral", "margin, bank and insurance pool cannot cover the loss")
	ErrLossExceedsMargin        = newError(KindInsufficientCollateral, "loss_exceeds_margin", "realized loss exceeds the position margin")
	ErrInsufficientBankBalance  = newError(KindInsufficientCollateral, "insufficient_bank_balance", "bank balance cannot cover margin, fees and charges")
	ErrInsufficientGasBalance   = newError(KindInsufficientCollateral, "insufficient_gas_balance", "bank balance cannot cover the gas charge")
	ErrFundingExceedsCollateral = newError(KindInsufficientCollateral, "funding_exceeds_collateral", "funding payment exceeds margin and bank balance")
)

// PreconditionFailed
var (
	ErrNotUndercollateralized      = newError(KindPreconditionFailed, "not_undercollateralized", "maker is at or above maintenance margin")
	ErrMakerZeroPosition           = newError(KindPreconditionFailed, "maker_zero_position", "maker has no position")
	ErrTakerZeroPosition           = newError(KindPreconditionFailed, "taker_zero_position", "taker has no position")
	ErrMustDecreasePosition        = newError(KindPreconditionFailed, "must_decrease_position", "liquidation fill must reduce the maker position")
	ErrAllOrNothingUnfillable      = newError(KindPreconditionFailed, "all_or_nothing_unfillable", "all-or-nothing quantity exceeds the maker position")
	ErrCannotLiquidateWhitelisted  = newError(KindPreconditionFailed, "cannot_liquidate_whitelisted", "whitelisted liquidators cannot be liquidated")
	ErrMakerNotUnderwater          = newError(KindPreconditionFailed, "maker_not_underwater", "maker is not underwater")
	ErrTakerUnderwater             = newError(KindPreconditionFailed, "taker_underwater", "taker is underwater")
	ErrSameSidePositions           = newError(KindPreconditionFailed, "same_side_positions", "ADL requires positions on opposite sides")
	ErrMustNotIncreasePosition     = newError(KindPreconditionFailed, "must_not_increase_position", "ADL fill must not increase the maker position")
	ErrMakerAllOrNothingUnfillable = newError(KindPreconditionFailed, "maker_all_or_nothing_unfillable", "all-or-nothing quantity exceeds the maker position")
	ErrTakerAllOrNothingUnfillable = newError(KindPreconditionFailed, "taker_all_or_nothing_unfillable", "all-or-nothing quantity exceeds the taker position")
	ErrReduceOnlyViolation         = newError(KindPreconditionFailed, "reduce_only", "reduce-only fill would open or increase a position")
	ErrBelowInitialMargin          = newError(KindPreconditionFailed, "below_initial_margin", "position would open below the initial margin ratio")
	ErrMarginRatioWorsened         = newError(KindPreconditionFailed, "margin_ratio_worsened", "reduced position is below maintenance margin and its ratio worsened")
	ErrNoPosition                  = newError(KindPreconditionFailed, "no_position", "account has no position in this market")
)

// StateInvariantViolation and Arithmetic
var (
	ErrStateInvariant = newError(KindStateInvariantViolation, "state_invariant", "computed state violates a ledger invariant")
	ErrArithmetic     = newError(KindArithmetic, "arithmetic", "fixed-point arithmetic failed")
)

// KindOf returns the taxonomy kind of err, including errors raised by the
// math, state and ledger packages.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, fpmath.ErrDivisionByZero), errors.Is(err, fpmath.ErrArithmeticOverflow):
		return KindArithmetic
	case errors.Is(err, fpmath.ErrTickMisaligned):
		return KindInvalidInput
	case errors.Is(err, state.ErrFundingExceedsCollateral):
		return KindInsufficientCollateral
	case errors.Is(err, state.ErrPositionInvariant), errors.Is(err, ledger.ErrLedgerInvariant):
		return KindStateInvariantViolation
	case errors.Is(err, state.ErrInvalidMarketConfig):
		return KindInvalidInput
	}
	return KindUnknown
}

// Code returns the stable error code for wire responses, or "internal".
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	switch KindOf(err) {
	case KindArithmetic:
		return ErrArithmetic.Code
	case KindStateInvariantViolation:
		return ErrStateInvariant.Code
	}
	return "internal"
}
