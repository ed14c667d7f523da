package math

// ComputeFundingPayment returns quantity * (index - lastIndex).
// Positive means the position pays, negative means it receives.
func ComputeFundingPayment(quantity, index, lastIndex Wad) (Wad, error) {
	if quantity.IsZero() {
		return Zero, nil
	}
	delta, err := SubWad(index, lastIndex)
	if err != nil {
		return Zero, err
	}
	return MulWad(quantity, delta)
}

// ComputeNotional returns |quantity| * price.
func ComputeNotional(quantity, price Wad) (Wad, error) {
	return MulWad(quantity.Abs(), price)
}

// ComputeAvgEntryPrice returns the notional-weighted entry price after
// adding fillQty at fillPrice to a position of |oldQty| at oldEntry.
func ComputeAvgEntryPrice(oldQty, oldEntry, fillQty, fillPrice Wad) (Wad, error) {
	if oldQty.IsZero() {
		return fillPrice, nil
	}
	oldNotional, err := MulWad(oldQty.Abs(), oldEntry)
	if err != nil {
		return Zero, err
	}
	fillNotional, err := MulWad(fillQty.Abs(), fillPrice)
	if err != nil {
		return Zero, err
	}
	return DivWad(oldNotional.Add(fillNotional), oldQty.Abs().Add(fillQty.Abs()))
}

// ComputeRealizedPnL returns (price - entry) * closeQty * sign, where sign
// is the sign of the position being reduced.
func ComputeRealizedPnL(sign int, price, entry, closeQty Wad) (Wad, error) {
	pnl, err := MulWad(price.Sub(entry), closeQty.Abs())
	if err != nil {
		return Zero, err
	}
	if sign < 0 {
		return pnl.Neg(), nil
	}
	return pnl, nil
}
