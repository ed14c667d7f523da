package state

import (
	"errors"

	fpmath "PerpSettle/internal/math"
)

var ErrFundingExceedsCollateral = errors.New("funding payment exceeds margin and bank balance")

// FundingOutcome is the result of bringing one position current with the
// market's cumulative funding index.
type FundingOutcome struct {
	Position Position
	Bank     fpmath.Wad

	// Payment is signed: positive means the position paid.
	Payment    fpmath.Wad
	FromMargin fpmath.Wad
	FromBank   fpmath.Wad
	// Shortfall is the part of a payment neither margin nor bank could cover.
	Shortfall fpmath.Wad
}

// AccrueFunding applies quantity * (index - lastIndex) to pos. Payments are
// taken from margin first, then from bank; receipts are credited to margin.
// When both are exhausted the outcome still carries the drained state and
// the Shortfall, and ErrFundingExceedsCollateral is returned so the caller
// decides whether the shortfall is fatal.
func AccrueFunding(pos Position, bank, index fpmath.Wad) (FundingOutcome, error) {
	out := FundingOutcome{Position: pos, Bank: bank}

	payment, err := fpmath.ComputeFundingPayment(pos.Quantity, index, pos.LastFundingIndex)
	if err != nil {
		return out, err
	}
	out.Position.LastFundingIndex = index
	out.Payment = payment

	switch payment.Sign() {
	case 0:
		return out, nil
	case -1:
		out.Position.Margin = pos.Margin.Add(payment.Abs())
		return out, nil
	}

	out.FromMargin = fpmath.Min(payment, pos.Margin)
	out.Position.Margin = pos.Margin.Sub(out.FromMargin)

	rest := payment.Sub(out.FromMargin)
	out.FromBank = fpmath.Min(rest, fpmath.Max(bank, fpmath.Zero))
	out.Bank = bank.Sub(out.FromBank)

	out.Shortfall = rest.Sub(out.FromBank)
	if out.Shortfall.Sign() > 0 {
		return out, ErrFundingExceedsCollateral
	}
	return out, nil
}
